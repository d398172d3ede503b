// ABOUTME: Configuration loading and parsing for bridge-gateway
// ABOUTME: YAML files with ${ENV} expansion, env-var overrides, and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/fieldtalk/bridge-gateway/internal/bus"
)

// Config represents the complete bridge-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Bus      bus.Config     `yaml:"bus"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Session  SessionConfig  `yaml:"session"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the livefeed HTTP listener address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// GatewayConfig names the (queue, routing key) pairs the gateway consumes
type GatewayConfig struct {
	Consume []bus.QueueBinding `yaml:"consume"`
}

// SessionConfig holds session resolution policy
type SessionConfig struct {
	DefaultOfficerID string `yaml:"default_officer_id"`

	ReengageWindow    time.Duration `yaml:"-"`
	ReengageWindowRaw string        `yaml:"reengage_window"`

	ReconnectTemplate string `yaml:"reconnect_template"`
}

// DispatchConfig maps traffic classes to routing keys
type DispatchConfig struct {
	AssistantKey string            `yaml:"assistant_key"`
	PlatformKeys map[string]string `yaml:"platform_keys"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded in the raw YAML,
// and BUS_* environment variables override the bus section afterwards, so broker
// credentials never need to live in the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.Parse(&cfg.Bus); err != nil {
		return nil, fmt.Errorf("applying bus env overrides: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment
// variable values. If the environment variable is not set, it is replaced with
// an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks required fields and applies defaults.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if err := c.Bus.Validate(); err != nil {
		return fmt.Errorf("bus: %w", err)
	}

	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}

	if len(c.Gateway.Consume) == 0 {
		c.Gateway.Consume = []bus.QueueBinding{
			{Queue: "user-chats", RoutingKey: "user-chat"},
		}
	}

	// Every consumed binding must be part of the declared topology so a
	// fresh broker comes up with the right queues.
	for _, want := range c.Gateway.Consume {
		if !c.Bus.HasBinding(want) {
			c.Bus.Bindings = append(c.Bus.Bindings, want)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Bus.RetryDelayRaw != "" {
		cfg.Bus.RetryDelay, err = time.ParseDuration(cfg.Bus.RetryDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing bus.retry_delay %q: %w", cfg.Bus.RetryDelayRaw, err)
		}
	}

	if cfg.Session.ReengageWindowRaw != "" {
		cfg.Session.ReengageWindow, err = time.ParseDuration(cfg.Session.ReengageWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing session.reengage_window %q: %w", cfg.Session.ReengageWindowRaw, err)
		}
	}

	return nil
}
