package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Message represents a row in the messages table.
type Message struct {
	ID       int64     `json:"id"`
	ChatID   int64     `json:"chat_id"`
	SenderID string    `json:"sender_id"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sent_at"`
}

// MessageStatus is the delivery/read state of one message for one recipient.
type MessageStatus struct {
	MessageID   int64      `json:"message_id"`
	UserID      string     `json:"user_id"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// StatusCounts aggregates the status rows of a single message.
type StatusCounts struct {
	Total     int
	Delivered int
	Read      int
}

// AllDelivered reports whether every recipient has the message. A message
// without recipients is vacuously delivered.
func (c StatusCounts) AllDelivered() bool { return c.Delivered == c.Total }

// AllRead reports whether every recipient has read the message.
func (c StatusCounts) AllRead() bool { return c.Read == c.Total }

// Receipt identifies a message whose status changed for a recipient in a bulk update.
type Receipt struct {
	MessageID int64
	ChatID    int64
	SenderID  string
}

// CreateMessage inserts a message and seeds one status row per participant
// other than the sender, in a single transaction. Recipients who had deleted
// the chat are set back to active. The recipients are returned.
func (s *Store) CreateMessage(ctx context.Context, chatID int64, senderID, content string, sentAt time.Time) (*Message, []string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	sent := toMillis(sentAt)
	result, err := tx.ExecContext(ctx, `INSERT INTO messages(chat_id, sender_id, content, sent_at) VALUES(?, ?, ?, ?)`,
		chatID, senderID, content, sent)
	if err != nil {
		return nil, nil, err
	}
	messageID, err := result.LastInsertId()
	if err != nil {
		return nil, nil, err
	}
	recipients, err := initializeStatus(ctx, tx, messageID, chatID, senderID)
	if err != nil {
		return nil, nil, err
	}
	// a recipient who deleted the chat gets it back, so every unread row stays visible.
	if _, err = tx.ExecContext(ctx, `
		UPDATE chat_participants SET status = ?
		WHERE chat_id = ? AND user_id != ? AND status = ?
	`, StatusActive, chatID, senderID, StatusDeleted); err != nil {
		return nil, nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, nil, err
	}
	msg := &Message{ID: messageID, ChatID: chatID, SenderID: senderID, Content: content, SentAt: fromMillis(sent)}
	return msg, recipients, nil
}

// InitializeStatus seeds missing status rows for a message. Existing rows are
// kept, so the call is safe to repeat.
func (s *Store) InitializeStatus(ctx context.Context, messageID, chatID int64, senderID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	recipients, err := initializeStatus(ctx, tx, messageID, chatID, senderID)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return recipients, nil
}

func initializeStatus(ctx context.Context, tx *sql.Tx, messageID, chatID int64, senderID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT user_id FROM chat_participants
		WHERE chat_id = ? AND user_id != ?
		ORDER BY user_id ASC
	`, chatID, senderID)
	if err != nil {
		return nil, err
	}
	var recipients []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			rows.Close()
			return nil, err
		}
		recipients = append(recipients, userID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for _, userID := range recipients {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO message_status(message_id, user_id) VALUES(?, ?)`,
			messageID, userID); err != nil {
			return nil, err
		}
	}
	return recipients, nil
}

// GetMessage fetches a message by id. A nil message is returned when none exists.
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, chat_id, sender_id, content, sent_at FROM messages WHERE id = ?`, id)
	var (
		msg    Message
		sentAt int64
	)
	if err := row.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &sentAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	msg.SentAt = fromMillis(sentAt)
	return &msg, nil
}

// ListMessages returns up to limit messages of a chat older than beforeID
// (0 means newest), newest first.
func (s *Store) ListMessages(ctx context.Context, chatID, beforeID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, chat_id, sender_id, content, sent_at FROM messages WHERE chat_id = ?`
	args := []any{chatID}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY sent_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var messages []Message
	for rows.Next() {
		var (
			msg    Message
			sentAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &sentAt); err != nil {
			return nil, err
		}
		msg.SentAt = fromMillis(sentAt)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkDelivered sets delivered_at for one recipient if it is still unset,
// clamped to the message's sent time. It reports whether the row changed.
// ErrNotFound is returned when the user has no status row for the message.
func (s *Store) MarkDelivered(ctx context.Context, messageID int64, userID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE message_status
		SET delivered_at = MAX(?, (SELECT sent_at FROM messages m WHERE m.id = message_status.message_id))
		WHERE message_id = ? AND user_id = ? AND delivered_at IS NULL
	`, toMillis(at), messageID, userID)
	if err != nil {
		return false, err
	}
	return s.changedOrMissing(ctx, result, messageID, userID)
}

// MarkRead sets read_at for one recipient if it is still unset, filling in
// delivered_at on the way. read_at never precedes sent_at or delivered_at.
func (s *Store) MarkRead(ctx context.Context, messageID int64, userID string, at time.Time) (bool, error) {
	now := toMillis(at)
	result, err := s.db.ExecContext(ctx, `
		UPDATE message_status
		SET read_at = MAX(?, COALESCE(delivered_at, 0), (SELECT sent_at FROM messages m WHERE m.id = message_status.message_id)),
			delivered_at = COALESCE(delivered_at, MAX(?, (SELECT sent_at FROM messages m WHERE m.id = message_status.message_id)))
		WHERE message_id = ? AND user_id = ? AND read_at IS NULL
	`, now, now, messageID, userID)
	if err != nil {
		return false, err
	}
	return s.changedOrMissing(ctx, result, messageID, userID)
}

func (s *Store) changedOrMissing(ctx context.Context, result sql.Result, messageID int64, userID string) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM message_status WHERE message_id = ? AND user_id = ?`,
		messageID, userID).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

// GetStatus fetches one status row. A nil status is returned when none exists.
func (s *Store) GetStatus(ctx context.Context, messageID int64, userID string) (*MessageStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, user_id, delivered_at, read_at
		FROM message_status WHERE message_id = ? AND user_id = ?
	`, messageID, userID)
	var (
		st        MessageStatus
		delivered sql.NullInt64
		read      sql.NullInt64
	)
	if err := row.Scan(&st.MessageID, &st.UserID, &delivered, &read); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	st.DeliveredAt = nullableTime(delivered)
	st.ReadAt = nullableTime(read)
	return &st, nil
}

// ListStatuses returns every status row of a message ordered by recipient.
func (s *Store) ListStatuses(ctx context.Context, messageID int64) ([]MessageStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id, delivered_at, read_at
		FROM message_status WHERE message_id = ?
		ORDER BY user_id ASC
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var statuses []MessageStatus
	for rows.Next() {
		var (
			st        MessageStatus
			delivered sql.NullInt64
			read      sql.NullInt64
		)
		if err := rows.Scan(&st.MessageID, &st.UserID, &delivered, &read); err != nil {
			return nil, err
		}
		st.DeliveredAt = nullableTime(delivered)
		st.ReadAt = nullableTime(read)
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}

// CountStatuses aggregates the status rows of a message.
func (s *Store) CountStatuses(ctx context.Context, messageID int64) (StatusCounts, error) {
	var counts StatusCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1), COUNT(delivered_at), COUNT(read_at)
		FROM message_status WHERE message_id = ?
	`, messageID).Scan(&counts.Total, &counts.Delivered, &counts.Read)
	return counts, err
}

// DeliverPending marks every undelivered message of a recipient as delivered
// and returns the affected messages.
func (s *Store) DeliverPending(ctx context.Context, userID string, at time.Time) ([]Receipt, error) {
	return s.bulkMark(ctx, `
		SELECT ms.message_id, m.chat_id, m.sender_id
		FROM message_status ms JOIN messages m ON m.id = ms.message_id
		WHERE ms.user_id = ? AND ms.delivered_at IS NULL
		ORDER BY ms.message_id ASC
	`, []any{userID}, `
		UPDATE message_status
		SET delivered_at = MAX(?, (SELECT sent_at FROM messages m WHERE m.id = message_status.message_id))
		WHERE message_id = ? AND user_id = ? AND delivered_at IS NULL
	`, 1, userID, at)
}

// MarkChatRead marks every unread message of a recipient in one chat as read
// and returns the affected messages.
func (s *Store) MarkChatRead(ctx context.Context, chatID int64, userID string, at time.Time) ([]Receipt, error) {
	return s.bulkMark(ctx, `
		SELECT ms.message_id, m.chat_id, m.sender_id
		FROM message_status ms JOIN messages m ON m.id = ms.message_id
		WHERE ms.user_id = ? AND m.chat_id = ? AND ms.read_at IS NULL
		ORDER BY ms.message_id ASC
	`, []any{userID, chatID}, `
		UPDATE message_status
		SET read_at = MAX(?, COALESCE(delivered_at, 0), (SELECT sent_at FROM messages m WHERE m.id = message_status.message_id)),
			delivered_at = COALESCE(delivered_at, MAX(?, (SELECT sent_at FROM messages m WHERE m.id = message_status.message_id)))
		WHERE message_id = ? AND user_id = ? AND read_at IS NULL
	`, 2, userID, at)
}

// bulkMark selects the pending receipts and applies the per-row update in one
// transaction. The update takes the timestamp stamps times, then message id and user id.
func (s *Store) bulkMark(ctx context.Context, selectQuery string, selectArgs []any, updateQuery string, stamps int, userID string, at time.Time) ([]Receipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	rows, err := tx.QueryContext(ctx, selectQuery, selectArgs...)
	if err != nil {
		return nil, err
	}
	var receipts []Receipt
	for rows.Next() {
		var r Receipt
		if err = rows.Scan(&r.MessageID, &r.ChatID, &r.SenderID); err != nil {
			rows.Close()
			return nil, err
		}
		receipts = append(receipts, r)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	stmt, err := tx.PrepareContext(ctx, updateQuery)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	now := toMillis(at)
	for _, r := range receipts {
		args := make([]any, 0, stamps+2)
		for i := 0; i < stamps; i++ {
			args = append(args, now)
		}
		args = append(args, r.MessageID, userID)
		if _, err = stmt.ExecContext(ctx, args...); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return receipts, nil
}

// UnreadCountSince counts the user's unread status rows whose message was
// sent after since, optionally restricted to one chat.
func (s *Store) UnreadCountSince(ctx context.Context, userID string, chatID *int64, since time.Time) (int, error) {
	query := `
		SELECT COUNT(1)
		FROM message_status ms JOIN messages m ON m.id = ms.message_id
		WHERE ms.user_id = ? AND ms.read_at IS NULL AND m.sent_at > ?`
	args := []any{userID, toMillis(since)}
	if chatID != nil {
		query += ` AND m.chat_id = ?`
		args = append(args, *chatID)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
