// ABOUTME: Tests for configuration loading
// ABOUTME: Covers env expansion, env-var overrides, duration parsing, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldtalk/bridge-gateway/internal/bus"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
database:
  path: /var/lib/bridge/gateway.db
bus:
  host: broker.internal
  exchange: field-chat
`

func TestLoad_Minimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/bridge/gateway.db", cfg.Database.Path)
	assert.Equal(t, "broker.internal", cfg.Bus.Host)
	assert.Equal(t, 5672, cfg.Bus.Port, "default port applied")
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr, "default listen address applied")

	require.Len(t, cfg.Gateway.Consume, 1)
	assert.Equal(t, "user-chats", cfg.Gateway.Consume[0].Queue)
	assert.True(t, cfg.Bus.HasBinding(cfg.Gateway.Consume[0]),
		"consumed queues must be declared in the topology")
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_BRIDGE_DB", "/tmp/expanded.db")

	cfg, err := Load(writeConfig(t, `
database:
  path: ${TEST_BRIDGE_DB}
bus:
  host: broker
  exchange: x
`))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/expanded.db", cfg.Database.Path)
}

func TestLoad_UnsetEnvExpandsEmpty(t *testing.T) {
	_, err := Load(writeConfig(t, `
database:
  path: ${DEFINITELY_NOT_SET_ANYWHERE}
bus:
  host: broker
  exchange: x
`))
	require.Error(t, err, "empty database path must fail validation")
}

func TestLoad_BusEnvOverrides(t *testing.T) {
	t.Setenv("BUS_HOST", "override.internal")
	t.Setenv("BUS_PASSWORD", "hunter2")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "override.internal", cfg.Bus.Host)
	assert.Equal(t, "hunter2", cfg.Bus.Password)
}

func TestLoad_Durations(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
database:
  path: /tmp/x.db
bus:
  host: broker
  exchange: x
  retry_delay: 2s
session:
  reengage_window: 48h
`))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Bus.RetryDelay)
	assert.Equal(t, 48*time.Hour, cfg.Session.ReengageWindow)
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
database:
  path: /tmp/x.db
bus:
  host: broker
  exchange: x
session:
  reengage_window: tomorrow
`))
	require.Error(t, err)
}

func TestLoad_MissingBusHost(t *testing.T) {
	_, err := Load(writeConfig(t, `
database:
  path: /tmp/x.db
bus:
  exchange: x
`))
	require.Error(t, err)
}

func TestLoad_FullTopology(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
database:
  path: /tmp/x.db
bus:
  host: broker
  exchange: field-chat
  bindings:
    - queue: user-chats
      routing_key: user-chat
    - queue: user-chat-replies
      routing_key: user-chat-reply
    - queue: whatsapp-replies
      routing_key: whatsapp-reply
    - queue: slack-replies
      routing_key: slack-reply
gateway:
  consume:
    - queue: user-chats
      routing_key: user-chat
dispatch:
  assistant_key: user-chat-reply
  platform_keys:
    whatsapp: whatsapp-reply
    slack: slack-reply
session:
  default_officer_id: officer-ops
`))
	require.NoError(t, err)

	assert.Len(t, cfg.Bus.Bindings, 4, "consumed binding already declared, no duplicate")
	assert.Equal(t, "user-chat-reply", cfg.Dispatch.AssistantKey)
	assert.Equal(t, "officer-ops", cfg.Session.DefaultOfficerID)
	assert.True(t, cfg.Bus.HasBinding(bus.QueueBinding{Queue: "slack-replies", RoutingKey: "slack-reply"}))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
