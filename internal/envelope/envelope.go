// ABOUTME: Canonical cross-channel message representation (the Envelope)
// ABOUTME: Every channel adapter produces these and every sink consumes them

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEnvelope is returned when an envelope fails validation.
// Envelopes that fail validation are data errors: they are logged and
// dropped, never retried.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// SenderRole identifies who authored a message.
type SenderRole string

const (
	RoleUser          SenderRole = "user"
	RoleClient        SenderRole = "client"
	RoleAssistant     SenderRole = "assistant"
	RoleSystem        SenderRole = "system"
	RoleUserBroadcast SenderRole = "user_broadcast"
)

// Platform identifies the external channel a message travels over.
type Platform string

const (
	PlatformWhatsApp Platform = "whatsapp"
	PlatformSlack    Platform = "slack"
)

var validRoles = map[SenderRole]bool{
	RoleUser:          true,
	RoleClient:        true,
	RoleAssistant:     true,
	RoleSystem:        true,
	RoleUserBroadcast: true,
}

var validPlatforms = map[Platform]bool{
	PlatformWhatsApp: true,
	PlatformSlack:    true,
}

// Valid reports whether the role is a member of the sender role enumeration.
func (r SenderRole) Valid() bool { return validRoles[r] }

// Valid reports whether the platform is a member of the platform enumeration.
func (p Platform) Valid() bool { return validPlatforms[p] }

// MediaItem is one attachment carried by an envelope.
type MediaItem struct {
	URL      string `json:"url"`
	MIMEType string `json:"mime_type"`
}

// Header carries the routing metadata of an envelope. On the wire it is
// nested under the "conversation_envelope" key.
type Header struct {
	MessageID         string     `json:"message_id"`
	ConversationID    string     `json:"conversation_id,omitempty"`
	ClientPhoneNumber string     `json:"client_phone_number,omitempty"`
	UserPhoneNumber   string     `json:"user_phone_number,omitempty"`
	SenderRole        SenderRole `json:"sender_role"`
	Platform          Platform   `json:"platform"`
	Timestamp         time.Time  `json:"timestamp"`
}

// Envelope is the canonical message representation exchanged over the bus.
// Envelopes are immutable once published; treat all fields as read-only.
type Envelope struct {
	Header            Header      `json:"conversation_envelope"`
	Body              string      `json:"body"`
	Media             []MediaItem `json:"media"`
	Context           []string    `json:"context"`
	TransformationLog []string    `json:"transformation_log"`
}

// New builds a validated envelope. TransformationLog defaults to a single
// entry containing the body when no transformations are supplied.
func New(header Header, body string, media []MediaItem, context []string, transformations []string) (*Envelope, error) {
	if header.Timestamp.IsZero() {
		header.Timestamp = time.Now().UTC()
	}
	if len(transformations) == 0 {
		transformations = []string{body}
	}
	env := &Envelope{
		Header:            header,
		Body:              body,
		Media:             media,
		Context:           context,
		TransformationLog: transformations,
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Validate checks the enumeration invariants. Construction and decoding
// both fail when a role or platform is outside its enumeration.
func (e *Envelope) Validate() error {
	if e.Header.MessageID == "" {
		return fmt.Errorf("%w: message_id is required", ErrInvalidEnvelope)
	}
	if !e.Header.SenderRole.Valid() {
		return fmt.Errorf("%w: unknown sender_role %q", ErrInvalidEnvelope, e.Header.SenderRole)
	}
	if !e.Header.Platform.Valid() {
		return fmt.Errorf("%w: unknown platform %q", ErrInvalidEnvelope, e.Header.Platform)
	}
	return nil
}

// Decode parses and validates an envelope from its JSON wire format.
// Bus payloads are untrusted, so decoding re-checks the enumerations.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if len(env.TransformationLog) == 0 {
		env.TransformationLog = []string{env.Body}
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
