// ABOUTME: Session Resolver maps envelopes to their owning conversation session
// ABOUTME: Creates clients/sessions lazily and decides the re-engagement template flag

package session

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

// ErrSessionLookup is returned when the backing store is unreachable or
// inconsistent. Callers retry via bus redelivery; resolution is idempotent.
var ErrSessionLookup = errors.New("session lookup failed")

// ErrNoOfficer is returned when an envelope names no officer and no default
// officer is configured. This is a configuration error, not a transient one.
var ErrNoOfficer = errors.New("no officer for envelope")

// DefaultReengageWindow is the WhatsApp Business free-form reply window.
const DefaultReengageWindow = 24 * time.Hour

// Config holds resolver policy.
type Config struct {
	// DefaultOfficerID receives first-contact sessions from clients whose
	// phone number is not yet known. Ownership may be reassigned later by
	// the surrounding system.
	DefaultOfficerID string

	// ReengageWindow is how long after the client's last message free-form
	// replies remain allowed. Zero means DefaultReengageWindow.
	ReengageWindow time.Duration
}

// Resolution is the resolver's output: the owning session and whether a
// re-engagement template must precede the message.
type Resolution struct {
	Session               *store.Session
	SendReconnectTemplate bool
}

// Resolver finds or creates the conversation session for an envelope.
type Resolver struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
}

// New creates a Resolver. Pass nil logger for default.
func New(st store.Store, cfg Config, logger *slog.Logger) *Resolver {
	if cfg.ReengageWindow <= 0 {
		cfg.ReengageWindow = DefaultReengageWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  st,
		cfg:    cfg,
		logger: logger.With("component", "session"),
	}
}

// Resolve maps the envelope to exactly one session, creating the client and
// session rows on first contact, and computes the re-engagement flag.
func (r *Resolver) Resolve(ctx context.Context, env *envelope.Envelope) (*Resolution, error) {
	session, err := r.resolveSession(ctx, env)
	if err != nil {
		return nil, err
	}

	reengage, err := r.needsReengagement(ctx, env.Header.Platform, session.ID)
	if err != nil {
		return nil, err
	}

	return &Resolution{Session: session, SendReconnectTemplate: reengage}, nil
}

func (r *Resolver) resolveSession(ctx context.Context, env *envelope.Envelope) (*store.Session, error) {
	// A conversation id points straight at the session when present.
	if env.Header.ConversationID != "" {
		session, err := r.store.GetSession(ctx, env.Header.ConversationID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: by conversation id: %v", ErrSessionLookup, err)
		}
		// Stale or foreign conversation id: fall back to phone resolution.
		r.logger.Debug("conversation id unknown, resolving by phone",
			"conversation_id", env.Header.ConversationID)
	}

	userID, err := r.resolveOfficer(ctx, env)
	if err != nil {
		return nil, err
	}

	client, err := r.ensureClient(ctx, env.Header.ClientPhoneNumber)
	if err != nil {
		return nil, err
	}

	return r.ensureSession(ctx, userID, client.ID, string(env.Header.Platform))
}

// resolveOfficer picks the owning officer-user: the envelope's user phone
// number when present, otherwise the configured default officer.
func (r *Resolver) resolveOfficer(ctx context.Context, env *envelope.Envelope) (string, error) {
	if env.Header.UserPhoneNumber != "" {
		user, err := r.store.GetUserByPhone(ctx, env.Header.UserPhoneNumber)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", fmt.Errorf("%w: unknown officer phone %s", ErrNoOfficer, env.Header.UserPhoneNumber)
			}
			return "", fmt.Errorf("%w: officer lookup: %v", ErrSessionLookup, err)
		}
		return user.ID, nil
	}

	if r.cfg.DefaultOfficerID == "" {
		return "", ErrNoOfficer
	}
	return r.cfg.DefaultOfficerID, nil
}

// ensureClient finds the client by phone number, creating it on first
// contact. A losing concurrent creator retries the lookup.
func (r *Resolver) ensureClient(ctx context.Context, phoneNumber string) (*store.Client, error) {
	if phoneNumber == "" {
		return nil, fmt.Errorf("%w: envelope has no client phone number", ErrSessionLookup)
	}

	client, err := r.store.GetClientByPhone(ctx, phoneNumber)
	if err == nil {
		return client, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: client lookup: %v", ErrSessionLookup, err)
	}

	client = &store.Client{
		ID:          uuid.New().String(),
		PhoneNumber: phoneNumber,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.store.CreateClient(ctx, client); err != nil {
		if errors.Is(err, store.ErrDuplicateClient) {
			// Lost a first-contact race; the winner's row is the truth.
			existing, lookupErr := r.store.GetClientByPhone(ctx, phoneNumber)
			if lookupErr != nil {
				return nil, fmt.Errorf("%w: client lookup after race: %v", ErrSessionLookup, lookupErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("%w: creating client: %v", ErrSessionLookup, err)
	}

	r.logger.Info("created client on first contact", "client_id", client.ID)
	return client, nil
}

// ensureSession finds the session for the (user, client) pair, creating it
// when absent. A losing concurrent creator retries the lookup.
func (r *Resolver) ensureSession(ctx context.Context, userID, clientID, platform string) (*store.Session, error) {
	session, err := r.store.GetSessionByPair(ctx, userID, clientID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: session lookup: %v", ErrSessionLookup, err)
	}

	session = &store.Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		ClientID:  clientID,
		Platform:  platform,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.CreateSession(ctx, session); err != nil {
		if errors.Is(err, store.ErrDuplicateSession) {
			existing, lookupErr := r.store.GetSessionByPair(ctx, userID, clientID)
			if lookupErr != nil {
				return nil, fmt.Errorf("%w: session lookup after race: %v", ErrSessionLookup, lookupErr)
			}
			r.logger.Debug("found existing session after race", "session_id", existing.ID)
			return existing, nil
		}
		return nil, fmt.Errorf("%w: creating session: %v", ErrSessionLookup, err)
	}

	r.logger.Info("created session",
		"session_id", session.ID,
		"user_id", userID,
		"client_id", clientID,
		"platform", platform)
	return session, nil
}

// needsReengagement applies the 24-hour window rule. Only WhatsApp restricts
// free-form replies; other platforms never require a template.
func (r *Resolver) needsReengagement(ctx context.Context, platform envelope.Platform, sessionID string) (bool, error) {
	if platform != envelope.PlatformWhatsApp {
		return false, nil
	}

	last, err := r.store.LastClientMessageAt(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("%w: last client message: %v", ErrSessionLookup, err)
	}
	if last == nil {
		return true, nil
	}
	return time.Since(*last) > r.cfg.ReengageWindow, nil
}
