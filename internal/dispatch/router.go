// ABOUTME: Dispatch Router directs recorded envelopes to the assistant or platform sinks
// ABOUTME: Emits reconnect templates ahead of lapsed-window messages and replays unread history

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldtalk/bridge-gateway/internal/envelope"
	"github.com/fieldtalk/bridge-gateway/internal/history"
	"github.com/fieldtalk/bridge-gateway/internal/store"
)

// ErrUnknownPlatform is returned for envelopes naming a platform with no
// configured sink. Callers drop the message; redelivery cannot fix it.
var ErrUnknownPlatform = errors.New("unknown platform")

// Default routing keys for the direct exchange. Client messages go out on
// the assistant key; the assistant publishes its answers back onto the
// gateway's inbound key with the assistant sender role.
const (
	DefaultAssistantKey = "user-chat-reply"
	DefaultWhatsAppKey  = "whatsapp-reply"
	DefaultSlackKey     = "slack-reply"
)

// UnreadLister is the slice of the history recorder Resend needs.
type UnreadLister interface {
	Unread(ctx context.Context, sessionID string) ([]*store.ChatRecord, error)
}

// Config holds routing keys and the reconnect template body.
type Config struct {
	// AssistantKey receives client messages for the assistant pipeline.
	AssistantKey string
	// PlatformKeys maps platform name to its outbound reply routing key.
	PlatformKeys map[string]string
	// ReconnectTemplate is the body of the template emitted ahead of a
	// message whose free-form window has lapsed.
	ReconnectTemplate string
}

func (c *Config) applyDefaults() {
	if c.AssistantKey == "" {
		c.AssistantKey = DefaultAssistantKey
	}
	if c.PlatformKeys == nil {
		c.PlatformKeys = map[string]string{
			string(envelope.PlatformWhatsApp): DefaultWhatsAppKey,
			string(envelope.PlatformSlack):    DefaultSlackKey,
		}
	}
	if c.ReconnectTemplate == "" {
		c.ReconnectTemplate = history.DefaultReconnectTemplate
	}
}

// Router applies the direction rule: client messages go to the assistant,
// everything else goes out through the message's platform.
type Router struct {
	cfg       Config
	assistant Sink
	platforms map[string]Sink
	unread    UnreadLister
	logger    *slog.Logger
}

// New creates a Router over the given publisher. Pass nil logger for default.
func New(cfg Config, pub Publisher, unread UnreadLister, logger *slog.Logger) *Router {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	platforms := make(map[string]Sink, len(cfg.PlatformKeys))
	for platform, key := range cfg.PlatformKeys {
		platforms[platform] = NewBusSink(pub, key)
	}

	return &Router{
		cfg:       cfg,
		assistant: NewBusSink(pub, cfg.AssistantKey),
		platforms: platforms,
		unread:    unread,
		logger:    logger.With("component", "dispatch"),
	}
}

// Route delivers a recorded envelope. The session id is stamped into the
// envelope so every downstream consumer can address the conversation
// directly. When sendTemplate is set and the message is platform-bound, the
// reconnect template is delivered first.
func (rt *Router) Route(ctx context.Context, env *envelope.Envelope, sessionID string, sendTemplate bool) error {
	env.Header.ConversationID = sessionID

	if env.Header.SenderRole == envelope.RoleClient {
		if err := rt.assistant.Deliver(ctx, env); err != nil {
			return fmt.Errorf("delivering to assistant: %w", err)
		}
		return nil
	}

	sink, ok := rt.platforms[string(env.Header.Platform)]
	if !ok {
		rt.logger.Warn("dropping envelope for unknown platform",
			"platform", env.Header.Platform,
			"message_id", env.Header.MessageID)
		return ErrUnknownPlatform
	}

	if sendTemplate {
		if err := sink.Deliver(ctx, rt.templateFor(env, sessionID)); err != nil {
			return fmt.Errorf("delivering reconnect template: %w", err)
		}
	}

	if err := sink.Deliver(ctx, env); err != nil {
		return fmt.Errorf("delivering to %s: %w", env.Header.Platform, err)
	}
	return nil
}

// templateFor builds the reconnect template envelope for the same client
// and platform as the message it precedes. Its message id is derived from
// the triggering message so retries stay idempotent end to end.
func (rt *Router) templateFor(env *envelope.Envelope, sessionID string) *envelope.Envelope {
	return &envelope.Envelope{
		Header: envelope.Header{
			MessageID:         env.Header.MessageID + ":reconnect",
			ConversationID:    sessionID,
			ClientPhoneNumber: env.Header.ClientPhoneNumber,
			SenderRole:        envelope.RoleSystem,
			Platform:          env.Header.Platform,
			Timestamp:         time.Now().UTC(),
		},
		Body:              rt.cfg.ReconnectTemplate,
		Context:           []string{"reconnect-template"},
		TransformationLog: []string{rt.cfg.ReconnectTemplate},
	}
}

// Resend returns the session's unread records in creation order without
// changing their status. The livefeed hub calls this when an officer's
// connection comes back.
func (rt *Router) Resend(ctx context.Context, sessionID string) ([]*store.ChatRecord, error) {
	recs, err := rt.unread.Unread(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("replaying unread history: %w", err)
	}
	return recs, nil
}
