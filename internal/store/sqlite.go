// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/chat/media persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// SQLite permits a single writer; funnel all access through one
	// connection so concurrent session/record writers queue instead of
	// failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			phone_number TEXT NOT NULL UNIQUE,
			display_name TEXT,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS clients (
			id TEXT PRIMARY KEY,
			phone_number TEXT NOT NULL UNIQUE,
			display_name TEXT,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			client_id TEXT NOT NULL REFERENCES clients(id),
			platform TEXT NOT NULL,
			last_read TEXT,
			created_at TEXT NOT NULL,

			UNIQUE(user_id, client_id)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_client ON chat_sessions(client_id);

		CREATE TABLE IF NOT EXISTS chat_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES chat_sessions(id),
			message_id TEXT NOT NULL,
			message TEXT NOT NULL,
			sender_role TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,

			UNIQUE(session_id, message_id),
			CHECK (status IN ('unread', 'read')),
			CHECK (sender_role IN ('user', 'client', 'assistant', 'system', 'user_broadcast'))
		);

		CREATE INDEX IF NOT EXISTS idx_records_session_created
			ON chat_records(session_id, created_at, id);
		CREATE INDEX IF NOT EXISTS idx_records_session_status
			ON chat_records(session_id, status);

		CREATE TABLE IF NOT EXISTS media_attachments (
			id TEXT PRIMARY KEY,
			chat_id INTEGER NOT NULL REFERENCES chat_records(id),
			url TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			position INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_attachments_chat ON media_attachments(chat_id, position);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateUser creates a new officer-user.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, phone_number, display_name, created_at)
		VALUES (?, ?, ?, ?)
	`, user.ID, user.PhoneNumber, user.DisplayName, user.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	s.logger.Debug("created user", "id", user.ID)
	return nil
}

// GetUser retrieves an officer-user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, phone_number, display_name, created_at
		FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

// GetUserByPhone retrieves an officer-user by phone number.
// Returns ErrNotFound if no user has that number.
func (s *SQLiteStore) GetUserByPhone(ctx context.Context, phoneNumber string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, phone_number, display_name, created_at
		FROM users WHERE phone_number = ?
	`, phoneNumber)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var user User
	var displayName sql.NullString
	var createdAt string

	err := row.Scan(&user.ID, &user.PhoneNumber, &displayName, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	user.DisplayName = displayName.String
	user.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &user, nil
}

// CreateClient creates a new client. If a client with the same phone number
// already exists, it returns ErrDuplicateClient.
func (s *SQLiteStore) CreateClient(ctx context.Context, client *Client) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, phone_number, display_name, created_at)
		VALUES (?, ?, ?, ?)
	`, client.ID, client.PhoneNumber, client.DisplayName, client.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateClient
		}
		return fmt.Errorf("inserting client: %w", err)
	}
	s.logger.Debug("created client", "id", client.ID)
	return nil
}

// GetClient retrieves a client by ID.
// Returns ErrNotFound if the client doesn't exist.
func (s *SQLiteStore) GetClient(ctx context.Context, id string) (*Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, phone_number, display_name, created_at
		FROM clients WHERE id = ?
	`, id)
	return scanClient(row)
}

// GetClientByPhone retrieves a client by phone number.
// Returns ErrNotFound if no client has that number.
func (s *SQLiteStore) GetClientByPhone(ctx context.Context, phoneNumber string) (*Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, phone_number, display_name, created_at
		FROM clients WHERE phone_number = ?
	`, phoneNumber)
	return scanClient(row)
}

func scanClient(row *sql.Row) (*Client, error) {
	var client Client
	var displayName sql.NullString
	var createdAt string

	err := row.Scan(&client.ID, &client.PhoneNumber, &displayName, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning client: %w", err)
	}

	client.DisplayName = displayName.String
	client.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &client, nil
}

// CreateSession creates a new session. If a session already exists for the
// (user_id, client_id) pair, it returns ErrDuplicateSession; a losing
// concurrent creator should retry the lookup rather than error.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	var lastRead any
	if session.LastRead != nil {
		lastRead = session.LastRead.UTC().Format(time.RFC3339)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, user_id, client_id, platform, last_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, session.ID, session.UserID, session.ClientID, session.Platform, lastRead,
		session.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session",
		"id", session.ID,
		"user_id", session.UserID,
		"client_id", session.ClientID,
		"platform", session.Platform)
	return nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, client_id, platform, last_read, created_at
		FROM chat_sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

// GetSessionByPair retrieves the session for a (user_id, client_id) pair.
// Returns ErrNotFound if no session exists for the pair.
func (s *SQLiteStore) GetSessionByPair(ctx context.Context, userID, clientID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, client_id, platform, last_read, created_at
		FROM chat_sessions WHERE user_id = ? AND client_id = ?
	`, userID, clientID)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var session Session
	var lastRead sql.NullString
	var createdAt string

	err := row.Scan(&session.ID, &session.UserID, &session.ClientID,
		&session.Platform, &lastRead, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	if lastRead.Valid {
		t, err := time.Parse(time.RFC3339, lastRead.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_read: %w", err)
		}
		session.LastRead = &t
	}
	session.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &session, nil
}

// InsertChatRecord appends a chat record to a session. The record id is
// assigned by the database at persist time and written back to rec.ID.
// If a record with the same (session_id, message_id) already exists,
// it returns ErrDuplicateRecord without inserting.
func (s *SQLiteStore) InsertChatRecord(ctx context.Context, rec *ChatRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_records (session_id, message_id, message, sender_role, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.SessionID, rec.MessageID, rec.Message, rec.SenderRole, rec.Status,
		rec.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateRecord
		}
		return fmt.Errorf("inserting chat record: %w", err)
	}

	rec.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading chat record id: %w", err)
	}

	s.logger.Debug("inserted chat record",
		"id", rec.ID,
		"session_id", rec.SessionID,
		"message_id", rec.MessageID,
		"sender_role", rec.SenderRole,
		"status", rec.Status)
	return nil
}

// GetChatRecordByMessageID retrieves a chat record by its channel message id
// within a session. Returns ErrNotFound if no such record exists.
func (s *SQLiteStore) GetChatRecordByMessageID(ctx context.Context, sessionID, messageID string) (*ChatRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, message_id, message, sender_role, status, created_at
		FROM chat_records
		WHERE session_id = ? AND message_id = ?
	`, sessionID, messageID)

	rec, err := scanRecordRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// scanRecordRow scans one chat record from either a *sql.Row or *sql.Rows scan func.
func scanRecordRow(scan func(dest ...any) error) (*ChatRecord, error) {
	var rec ChatRecord
	var createdAt string

	err := scan(&rec.ID, &rec.SessionID, &rec.MessageID, &rec.Message,
		&rec.SenderRole, &rec.Status, &createdAt)
	if err != nil {
		return nil, err
	}

	rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &rec, nil
}

// ListSessionRecords retrieves records for a session in creation order
// (created_at, ties broken by id). If limit is 0 or negative, all records
// are returned.
func (s *SQLiteStore) ListSessionRecords(ctx context.Context, sessionID string, limit int) ([]*ChatRecord, error) {
	query := `
		SELECT id, session_id, message_id, message, sender_role, status, created_at
		FROM chat_records
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
	`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryRecords(ctx, query, args...)
}

// ListUnreadRecords retrieves the unread records of a session in creation order.
func (s *SQLiteStore) ListUnreadRecords(ctx context.Context, sessionID string) ([]*ChatRecord, error) {
	return s.queryRecords(ctx, `
		SELECT id, session_id, message_id, message, sender_role, status, created_at
		FROM chat_records
		WHERE session_id = ? AND status = ?
		ORDER BY created_at ASC, id ASC
	`, sessionID, StatusUnread)
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...any) ([]*ChatRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chat records: %w", err)
	}
	defer rows.Close()

	var records []*ChatRecord
	for rows.Next() {
		rec, err := scanRecordRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning chat record row: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chat record rows: %w", err)
	}
	return records, nil
}

// MarkSessionRead flips all unread client/assistant records in a session to
// read, stamps the session's last_read, and returns the updated records in
// creation order.
func (s *SQLiteStore) MarkSessionRead(ctx context.Context, sessionID string, at time.Time) ([]*ChatRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning mark-read transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM chat_records
		WHERE session_id = ? AND status = ? AND sender_role IN ('client', 'assistant')
		ORDER BY created_at ASC, id ASC
	`, sessionID, StatusUnread)
	if err != nil {
		return nil, fmt.Errorf("querying unread records: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning record id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating record ids: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `
		UPDATE chat_records SET status = ?
		WHERE session_id = ? AND status = ? AND sender_role IN ('client', 'assistant')
	`, StatusRead, sessionID, StatusUnread); err != nil {
		return nil, fmt.Errorf("updating record status: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chat_sessions SET last_read = ? WHERE id = ?
	`, at.UTC().Format(time.RFC3339), sessionID); err != nil {
		return nil, fmt.Errorf("updating session last_read: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing mark-read transaction: %w", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	// Re-read the flipped records so callers see their post-update state.
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	updated, err := s.queryRecords(ctx, `
		SELECT id, session_id, message_id, message, sender_role, status, created_at
		FROM chat_records
		WHERE id IN (`+placeholders+`)
		ORDER BY created_at ASC, id ASC
	`, args...)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("marked session read", "session_id", sessionID, "count", len(updated))
	return updated, nil
}

// LastClientMessageAt returns the creation time of the most recent
// client-sender record in a session, or nil when the session has no
// customer messages yet.
func (s *SQLiteStore) LastClientMessageAt(ctx context.Context, sessionID string) (*time.Time, error) {
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM chat_records
		WHERE session_id = ? AND sender_role = 'client'
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, sessionID).Scan(&createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying last client message: %w", err)
	}

	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &t, nil
}

// AddAttachment links a media attachment to a chat record.
func (s *SQLiteStore) AddAttachment(ctx context.Context, att *MediaAttachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_attachments (id, chat_id, url, mime_type, position)
		VALUES (?, ?, ?, ?, ?)
	`, att.ID, att.ChatID, att.URL, att.MIMEType, att.Position)
	if err != nil {
		return fmt.Errorf("inserting attachment: %w", err)
	}
	s.logger.Debug("added attachment", "chat_id", att.ChatID, "position", att.Position)
	return nil
}

// ListAttachments retrieves a chat record's attachments in document order.
func (s *SQLiteStore) ListAttachments(ctx context.Context, chatID int64) ([]*MediaAttachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, url, mime_type, position
		FROM media_attachments
		WHERE chat_id = ?
		ORDER BY position ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("querying attachments: %w", err)
	}
	defer rows.Close()

	var attachments []*MediaAttachment
	for rows.Next() {
		var att MediaAttachment
		if err := rows.Scan(&att.ID, &att.ChatID, &att.URL, &att.MIMEType, &att.Position); err != nil {
			return nil, fmt.Errorf("scanning attachment row: %w", err)
		}
		attachments = append(attachments, &att)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attachment rows: %w", err)
	}
	return attachments, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
