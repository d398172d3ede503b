// ABOUTME: Store interface and data types for bridge-gateway persistence
// ABOUTME: Defines User, Client, Session, ChatRecord, MediaAttachment and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when a session already exists for a
// (user_id, client_id) pair. Callers resolve the race by retrying the lookup.
var ErrDuplicateSession = errors.New("session already exists")

// ErrDuplicateClient is returned when a client with the same phone number
// already exists. Callers resolve the race by retrying the lookup.
var ErrDuplicateClient = errors.New("client already exists")

// ErrDuplicateRecord is returned when a chat record with the same message_id
// already exists within a session. The existing record is the truth; callers
// look it up and return its id.
var ErrDuplicateRecord = errors.New("chat record already exists")

// Chat record read status
const (
	StatusUnread = "unread"
	StatusRead   = "read"
)

// User is a field officer who owns conversations with clients.
type User struct {
	ID          string
	PhoneNumber string
	DisplayName string
	CreatedAt   time.Time
}

// Client is a farmer reachable over an external channel.
type Client struct {
	ID          string
	PhoneNumber string
	DisplayName string
	CreatedAt   time.Time
}

// Session links exactly one officer-user and one client. At most one
// session exists per (user_id, client_id) pair, enforced by a unique
// constraint at the storage layer.
type Session struct {
	ID        string
	UserID    string
	ClientID  string
	Platform  string
	LastRead  *time.Time
	CreatedAt time.Time
}

// ChatRecord is one message within a session. IDs are monotonic and
// assigned at persist time; (created_at, id) defines delivery order.
type ChatRecord struct {
	ID         int64
	SessionID  string
	MessageID  string
	Message    string
	SenderRole string
	Status     string
	CreatedAt  time.Time
}

// MediaAttachment belongs to exactly one chat record. Position preserves
// document order from the originating envelope.
type MediaAttachment struct {
	ID       string
	ChatID   int64
	URL      string
	MIMEType string
	Position int
}

// Store defines the persistence operations the gateway needs.
type Store interface {
	// Users (officers)
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByPhone(ctx context.Context, phoneNumber string) (*User, error)

	// Clients
	CreateClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, id string) (*Client, error)
	GetClientByPhone(ctx context.Context, phoneNumber string) (*Client, error)

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByPair(ctx context.Context, userID, clientID string) (*Session, error)

	// Chat records
	InsertChatRecord(ctx context.Context, rec *ChatRecord) error
	GetChatRecordByMessageID(ctx context.Context, sessionID, messageID string) (*ChatRecord, error)
	ListSessionRecords(ctx context.Context, sessionID string, limit int) ([]*ChatRecord, error)
	ListUnreadRecords(ctx context.Context, sessionID string) ([]*ChatRecord, error)
	MarkSessionRead(ctx context.Context, sessionID string, at time.Time) ([]*ChatRecord, error)
	LastClientMessageAt(ctx context.Context, sessionID string) (*time.Time, error)

	// Media attachments
	AddAttachment(ctx context.Context, att *MediaAttachment) error
	ListAttachments(ctx context.Context, chatID int64) ([]*MediaAttachment, error)

	// Close releases any resources held by the store
	Close() error
}
