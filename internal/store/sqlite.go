package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentdeck/agentdeck/internal/domain"
	"github.com/agentdeck/agentdeck/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite. Writes on the live-streaming
// path are issued fire-and-forget by the event pipeline; nothing here
// blocks a broadcast.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		parts_json TEXT NOT NULL,
		streaming INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS push_tokens (
		user_id TEXT NOT NULL,
		token TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, token)
	);

	CREATE TABLE IF NOT EXISTS device_keys (
		device_key TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		paired_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// UpsertSession creates or updates a session.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *domain.Session) error {
	now := time.Now().UnixMilli()
	created := session.CreatedAt.UnixMilli()
	if session.CreatedAt.IsZero() {
		created = now
	}

	query := `
		INSERT INTO sessions (session_id, user_id, title, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query,
		session.ID, session.UserID, session.Title, string(session.Status), created, now); err != nil {
		return fmt.Errorf("upsert session %s: %w", session.ID, err)
	}
	return nil
}

// GetSession retrieves one session owned by the user.
func (s *SQLiteStore) GetSession(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, user_id, title, status, created_at, updated_at
		FROM sessions WHERE session_id = ? AND user_id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return session, nil
}

// ListSessions retrieves all sessions owned by the user, most recently
// updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	query := `
		SELECT session_id, user_id, title, status, created_at, updated_at
		FROM sessions WHERE user_id = ? ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// AddMessage stores a message, creating its session first if absent.
//
// The session insert and the message insert are two statements without a
// wrapping transaction, mirroring the in-memory ordering. A crash between
// them can leave a placeholder session without its message; the next sync
// reconciles it.
func (s *SQLiteStore) AddMessage(ctx context.Context, userID string, msg *domain.Message) error {
	now := time.Now().UnixMilli()

	ensure := `
		INSERT INTO sessions (session_id, user_id, title, status, created_at, updated_at)
		VALUES (?, ?, '', ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, ensure,
		msg.SessionID, userID, string(domain.SessionActive), now, now); err != nil {
		return fmt.Errorf("ensure session %s: %w", msg.SessionID, err)
	}

	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("marshal parts: %w", err)
	}
	created := msg.CreatedAt.UnixMilli()
	if msg.CreatedAt.IsZero() {
		created = now
	}

	query := `
		INSERT INTO messages (message_id, session_id, role, parts_json, streaming, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			parts_json = excluded.parts_json,
			streaming = excluded.streaming`
	streaming := 0
	if msg.Streaming {
		streaming = 1
	}
	if _, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.SessionID, string(msg.Role), string(parts), streaming, created); err != nil {
		return fmt.Errorf("add message %s: %w", msg.ID, err)
	}
	return nil
}

// ReplaceParts replaces a message's full part list.
func (s *SQLiteStore) ReplaceParts(ctx context.Context, messageID string, parts []domain.Part) error {
	data, err := json.Marshal(parts)
	if err != nil {
		return fmt.Errorf("marshal parts: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET parts_json = ? WHERE message_id = ?`, string(data), messageID)
	if err != nil {
		return fmt.Errorf("replace parts for %s: %w", messageID, err)
	}
	return requireRow(res, messageID)
}

// UpsertPart applies the idempotent part-merge rule inside a transaction so
// concurrent part updates for the same message never lose writes. Busy or
// locked conflicts are retried before giving up.
func (s *SQLiteStore) UpsertPart(ctx context.Context, messageID string, part domain.Part) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = s.upsertPartTx(ctx, messageID, part)
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return err
}

func (s *SQLiteStore) upsertPartTx(ctx context.Context, messageID string, part domain.Part) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert part: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var partsJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT parts_json FROM messages WHERE message_id = ?`, messageID).Scan(&partsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load parts for %s: %w", messageID, err)
	}

	var parts []domain.Part
	if err := json.Unmarshal([]byte(partsJSON), &parts); err != nil {
		return fmt.Errorf("unmarshal parts for %s: %w", messageID, err)
	}
	parts = upsertPart(parts, part)

	data, err := json.Marshal(parts)
	if err != nil {
		return fmt.Errorf("marshal parts: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET parts_json = ? WHERE message_id = ?`, string(data), messageID); err != nil {
		return fmt.Errorf("store parts for %s: %w", messageID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert part: %w", err)
	}
	return nil
}

// MarkMessageComplete clears a message's streaming flag.
func (s *SQLiteStore) MarkMessageComplete(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET streaming = 0 WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("mark message %s complete: %w", messageID, err)
	}
	return requireRow(res, messageID)
}

// ListMessages retrieves a session's messages ordered by creation time.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error) {
	query := `
		SELECT message_id, session_id, role, parts_json, streaming, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		var (
			msg       domain.Message
			role      string
			partsJSON string
			streaming int
			created   int64
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &partsJSON, &streaming, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(partsJSON), &msg.Parts); err != nil {
			return nil, fmt.Errorf("unmarshal parts for %s: %w", msg.ID, err)
		}
		msg.Role = domain.Role(role)
		msg.Streaming = streaming != 0
		msg.CreatedAt = time.UnixMilli(created)
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// SavePushToken registers a push token for the user.
func (s *SQLiteStore) SavePushToken(ctx context.Context, userID, token string) error {
	query := `
		INSERT INTO push_tokens (user_id, token, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id, token) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, userID, token, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("save push token: %w", err)
	}
	return nil
}

// GetPushTokens retrieves all push tokens registered for the user.
func (s *SQLiteStore) GetPushTokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token FROM push_tokens WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("get push tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("scan push token: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate push tokens: %w", err)
	}
	return tokens, nil
}

// SaveDeviceKey binds a device key to a user.
func (s *SQLiteStore) SaveDeviceKey(ctx context.Context, userID, key string) error {
	query := `
		INSERT INTO device_keys (device_key, user_id, paired_at) VALUES (?, ?, ?)
		ON CONFLICT(device_key) DO UPDATE SET user_id = excluded.user_id`
	if _, err := s.db.ExecContext(ctx, query, key, userID, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("save device key: %w", err)
	}
	return nil
}

// GetDeviceKeyUser resolves a device key to its owning user.
func (s *SQLiteStore) GetDeviceKeyUser(ctx context.Context, key string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM device_keys WHERE device_key = ?`, key).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get device key user: %w", err)
	}
	return userID, nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		session          domain.Session
		title            sql.NullString
		status           string
		created, updated int64
	)
	if err := row.Scan(&session.ID, &session.UserID, &title, &status, &created, &updated); err != nil {
		return nil, err
	}
	session.Title = title.String
	session.Status = domain.SessionStatus(status)
	session.CreatedAt = time.UnixMilli(created)
	session.UpdatedAt = time.UnixMilli(updated)
	return &session, nil
}

func requireRow(res sql.Result, messageID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", messageID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
