// ABOUTME: History Recorder persists envelopes as chat records, idempotent by message id
// ABOUTME: Handles read-status assignment, reconnect template records, and media attachments

package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fieldtalk/bridge-gateway/internal/envelope"
	"github.com/fieldtalk/bridge-gateway/internal/store"
)

// ErrRecordFailed wraps storage failures while persisting an envelope.
var ErrRecordFailed = errors.New("recording chat failed")

// DefaultReconnectTemplate is the pre-approved template body sent when the
// WhatsApp free-form window has lapsed.
const DefaultReconnectTemplate = "We haven't heard from you in a while. Reply to this message to continue the conversation."

// Config holds recorder policy.
type Config struct {
	// ReconnectTemplate is the template body persisted (and later dispatched)
	// when re-engagement is required. Empty means DefaultReconnectTemplate.
	ReconnectTemplate string
}

// Result reports what Record did. Duplicate means the envelope had already
// been persisted; callers must not dispatch it again.
type Result struct {
	ChatID                int64
	SessionID             string
	SendReconnectTemplate bool
	Duplicate             bool
}

// Recorder writes chat history. All writes are idempotent on
// (session_id, message_id); redelivered envelopes never produce a second row.
type Recorder struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
}

// New creates a Recorder. Pass nil logger for default.
func New(st store.Store, cfg Config, logger *slog.Logger) *Recorder {
	if cfg.ReconnectTemplate == "" {
		cfg.ReconnectTemplate = DefaultReconnectTemplate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  st,
		cfg:    cfg,
		logger: logger.With("component", "history"),
	}
}

// Record persists the envelope into the given session. When sendTemplate is
// set a system-authored reconnect template record is written first, so the
// stored history matches the order messages reach the client.
func (r *Recorder) Record(ctx context.Context, env *envelope.Envelope, sessionID string, sendTemplate bool) (*Result, error) {
	existing, err := r.store.GetChatRecordByMessageID(ctx, sessionID, env.Header.MessageID)
	if err == nil {
		r.logger.Debug("duplicate envelope, already recorded",
			"session_id", sessionID,
			"message_id", env.Header.MessageID,
			"chat_id", existing.ID)
		return &Result{ChatID: existing.ID, SessionID: sessionID, Duplicate: true}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: duplicate check: %v", ErrRecordFailed, err)
	}

	if sendTemplate {
		if err := r.recordTemplate(ctx, env, sessionID); err != nil {
			return nil, err
		}
	}

	rec := &store.ChatRecord{
		SessionID:  sessionID,
		MessageID:  env.Header.MessageID,
		Message:    env.Body,
		SenderRole: string(env.Header.SenderRole),
		Status:     statusFor(env.Header.SenderRole),
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.InsertChatRecord(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateRecord) {
			// Lost an insert race; the winner's row is the truth.
			winner, lookupErr := r.store.GetChatRecordByMessageID(ctx, sessionID, env.Header.MessageID)
			if lookupErr != nil {
				return nil, fmt.Errorf("%w: lookup after duplicate insert: %v", ErrRecordFailed, lookupErr)
			}
			return &Result{ChatID: winner.ID, SessionID: sessionID, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("%w: inserting record: %v", ErrRecordFailed, err)
	}

	for i, item := range env.Media {
		att := &store.MediaAttachment{
			ID:       uuid.New().String(),
			ChatID:   rec.ID,
			URL:      item.URL,
			MIMEType: item.MIMEType,
			Position: i,
		}
		if err := r.store.AddAttachment(ctx, att); err != nil {
			return nil, fmt.Errorf("%w: attaching media: %v", ErrRecordFailed, err)
		}
	}

	return &Result{ChatID: rec.ID, SessionID: sessionID, SendReconnectTemplate: sendTemplate}, nil
}

// recordTemplate writes the reconnect template as a system record. Its
// message id is derived from the triggering envelope so a redelivery that
// crashed between the two inserts cannot duplicate the template row.
func (r *Recorder) recordTemplate(ctx context.Context, env *envelope.Envelope, sessionID string) error {
	rec := &store.ChatRecord{
		SessionID:  sessionID,
		MessageID:  env.Header.MessageID + ":reconnect",
		Message:    r.cfg.ReconnectTemplate,
		SenderRole: string(envelope.RoleSystem),
		Status:     store.StatusRead,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.InsertChatRecord(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateRecord) {
			return nil
		}
		return fmt.Errorf("%w: inserting template record: %v", ErrRecordFailed, err)
	}
	return nil
}

// TemplateBody returns the configured reconnect template text.
func (r *Recorder) TemplateBody() string {
	return r.cfg.ReconnectTemplate
}

// History returns up to limit records of the session in delivery order.
// limit <= 0 means no limit.
func (r *Recorder) History(ctx context.Context, sessionID string, limit int) ([]*store.ChatRecord, error) {
	recs, err := r.store.ListSessionRecords(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: listing history: %v", ErrRecordFailed, err)
	}
	return recs, nil
}

// Unread returns the session's unread records in delivery order without
// changing their status.
func (r *Recorder) Unread(ctx context.Context, sessionID string) ([]*store.ChatRecord, error) {
	recs, err := r.store.ListUnreadRecords(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing unread: %v", ErrRecordFailed, err)
	}
	return recs, nil
}

// MarkRead flips every unread record in the session to read, stamps the
// session's last-read time, and returns the flipped records.
func (r *Recorder) MarkRead(ctx context.Context, sessionID string) ([]*store.ChatRecord, error) {
	recs, err := r.store.MarkSessionRead(ctx, sessionID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: marking read: %v", ErrRecordFailed, err)
	}
	return recs, nil
}

// statusFor assigns initial read status: messages from the client arrive
// unread; everything the system or officer side produced is already seen.
func statusFor(role envelope.SenderRole) string {
	if role == envelope.RoleClient {
		return store.StatusUnread
	}
	return store.StatusRead
}
