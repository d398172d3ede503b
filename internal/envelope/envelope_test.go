// ABOUTME: Tests for envelope construction, validation, and wire format
// ABOUTME: Verifies enumeration invariants and the transformation log default

package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsTransformationLog(t *testing.T) {
	env, err := New(Header{
		MessageID:         "wamid.1",
		ClientPhoneNumber: "+1555",
		SenderRole:        RoleClient,
		Platform:          PlatformWhatsApp,
	}, "Hi there", nil, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"Hi there"}, env.TransformationLog)
	assert.False(t, env.Header.Timestamp.IsZero())
}

func TestNew_KeepsSuppliedTransformations(t *testing.T) {
	env, err := New(Header{
		MessageID:  "m1",
		SenderRole: RoleClient,
		Platform:   PlatformWhatsApp,
	}, "hello", nil, nil, []string{"audio transcription", "hello"})
	require.NoError(t, err)

	assert.Equal(t, []string{"audio transcription", "hello"}, env.TransformationLog)
}

func TestNew_RejectsUnknownRole(t *testing.T) {
	_, err := New(Header{
		MessageID:  "m1",
		SenderRole: SenderRole("bot"),
		Platform:   PlatformSlack,
	}, "hi", nil, nil, nil)
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestNew_RejectsUnknownPlatform(t *testing.T) {
	_, err := New(Header{
		MessageID:  "m1",
		SenderRole: RoleUser,
		Platform:   Platform("telegram"),
	}, "hi", nil, nil, nil)
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestEnvelope_WireFormatKeys(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	env, err := New(Header{
		MessageID:         "A1",
		ConversationID:    "conv-9",
		ClientPhoneNumber: "+1555",
		SenderRole:        RoleClient,
		Platform:          PlatformWhatsApp,
		Timestamp:         ts,
	}, "Hi", []MediaItem{{URL: "https://cdn/x.jpg", MIMEType: "image/jpeg"}}, []string{"caption: a field"}, nil)
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"conversation_envelope", "body", "media", "context", "transformation_log"} {
		assert.Contains(t, raw, key)
	}

	var header map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw["conversation_envelope"], &header))
	for _, key := range []string{"message_id", "conversation_id", "client_phone_number", "sender_role", "platform", "timestamp"} {
		assert.Contains(t, header, key)
	}

	var media []map[string]string
	require.NoError(t, json.Unmarshal(raw["media"], &media))
	require.Len(t, media, 1)
	assert.Equal(t, "https://cdn/x.jpg", media[0]["url"])
	assert.Equal(t, "image/jpeg", media[0]["mime_type"])
}

func TestDecode_RoundTrip(t *testing.T) {
	payload := `{
		"conversation_envelope": {
			"message_id": "A1",
			"client_phone_number": "+1555",
			"sender_role": "client",
			"platform": "whatsapp",
			"timestamp": "2025-03-14T09:26:53Z"
		},
		"body": "Hi",
		"media": [],
		"context": [],
		"transformation_log": []
	}`

	env, err := Decode([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "A1", env.Header.MessageID)
	assert.Equal(t, RoleClient, env.Header.SenderRole)
	assert.Equal(t, PlatformWhatsApp, env.Header.Platform)
	// Empty transformation_log falls back to the body.
	assert.Equal(t, []string{"Hi"}, env.TransformationLog)
}

func TestDecode_RejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `{"conversation_envelope":`,
		"bad role":         `{"conversation_envelope":{"message_id":"1","sender_role":"nope","platform":"slack"},"body":"x"}`,
		"bad platform":     `{"conversation_envelope":{"message_id":"1","sender_role":"user","platform":"sms"},"body":"x"}`,
		"empty message id": `{"conversation_envelope":{"sender_role":"user","platform":"slack"},"body":"x"}`,
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(payload))
			require.ErrorIs(t, err, ErrInvalidEnvelope)
		})
	}
}
