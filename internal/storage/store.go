package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle and exposes the queries used by the messaging core.
type Store struct {
	db *sql.DB
}

// ErrNotFound is returned when an update targets a row that does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert collides with a unique constraint.
var ErrConflict = errors.New("conflict")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "chatcore.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			picture TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL CHECK (kind IN ('direct', 'group')),
			name TEXT NOT NULL DEFAULT '',
			picture TEXT NOT NULL DEFAULT '',
			direct_key TEXT UNIQUE,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chat_participants (
			chat_id INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'muted', 'deleted')),
			is_pinned INTEGER NOT NULL DEFAULT 0,
			joined_at INTEGER NOT NULL,
			PRIMARY KEY (chat_id, user_id),
			FOREIGN KEY(chat_id) REFERENCES chats(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_participants_user ON chat_participants(user_id);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			sent_at INTEGER NOT NULL,
			FOREIGN KEY(chat_id) REFERENCES chats(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_sent ON messages(chat_id, sent_at);`,
		`CREATE TABLE IF NOT EXISTS message_status (
			message_id INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			delivered_at INTEGER,
			read_at INTEGER,
			PRIMARY KEY (message_id, user_id),
			FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE,
			CHECK (read_at IS NULL OR delivered_at IS NOT NULL)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_message_status_user ON message_status(user_id, read_at);`,
		`CREATE TABLE IF NOT EXISTS presence (
			user_id TEXT PRIMARY KEY,
			last_online_at INTEGER,
			last_login_at INTEGER
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// User mirrors the identity collaborator's public profile fields.
type User struct {
	ID          string
	DisplayName string
	Picture     string
	CreatedAt   time.Time
}

// UpsertUser stores or refreshes the profile mirror for a user.
func (s *Store) UpsertUser(ctx context.Context, user User) error {
	if user.ID == "" {
		return errors.New("user id is required")
	}
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users(id, display_name, picture, created_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, picture = excluded.picture
	`, user.ID, user.DisplayName, user.Picture, toMillis(createdAt))
	return err
}

// GetUser fetches a profile by id. A nil user is returned when none exists.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, display_name, picture, created_at FROM users WHERE id = ?`, id)
	var (
		user      User
		createdAt int64
	)
	if err := row.Scan(&user.ID, &user.DisplayName, &user.Picture, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	user.CreatedAt = fromMillis(createdAt)
	return &user, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
