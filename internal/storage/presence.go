package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Presence is the durable presence record of a user. A nil LastOnlineAt means
// the user is currently online.
type Presence struct {
	UserID       string
	LastOnlineAt *time.Time
	LastLoginAt  *time.Time
}

// Online reports whether the record carries the "currently online" marker.
func (p Presence) Online() bool { return p.LastOnlineAt == nil }

// GetPresence fetches the presence record of a user. A nil record is returned when none exists.
func (s *Store) GetPresence(ctx context.Context, userID string) (*Presence, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, last_online_at, last_login_at FROM presence WHERE user_id = ?`, userID)
	var (
		p          Presence
		lastOnline sql.NullInt64
		lastLogin  sql.NullInt64
	)
	if err := row.Scan(&p.UserID, &lastOnline, &lastLogin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.LastOnlineAt = nullableTime(lastOnline)
	p.LastLoginAt = nullableTime(lastLogin)
	return &p, nil
}

// MarkOnline creates or updates the record with the online marker. When
// loginAt is non-nil the login time is replaced as well.
func (s *Store) MarkOnline(ctx context.Context, userID string, loginAt *time.Time) error {
	var login any
	if loginAt != nil {
		login = toMillis(*loginAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence(user_id, last_online_at, last_login_at) VALUES(?, NULL, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_online_at = NULL,
			last_login_at = COALESCE(excluded.last_login_at, presence.last_login_at)
	`, userID, login)
	return err
}

// MarkOffline records the moment the user was last seen online.
func (s *Store) MarkOffline(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence(user_id, last_online_at) VALUES(?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_online_at = excluded.last_online_at
	`, userID, toMillis(at))
	return err
}

// ResetOnlinePresence stamps at on every record still carrying the online
// marker. Sessions do not survive a restart, so it runs at boot and after
// shutdown. It returns the number of records changed.
func (s *Store) ResetOnlinePresence(ctx context.Context, at time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE presence SET last_online_at = ? WHERE last_online_at IS NULL`, toMillis(at))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
