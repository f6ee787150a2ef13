package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ChatKind distinguishes one-to-one chats from group chats.
type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatGroup  ChatKind = "group"
)

// ParticipantStatus is the per-participant view state of a chat.
type ParticipantStatus string

const (
	StatusActive  ParticipantStatus = "active"
	StatusMuted   ParticipantStatus = "muted"
	StatusDeleted ParticipantStatus = "deleted"
)

// Chat represents a row in the chats table.
type Chat struct {
	ID        int64     `json:"id"`
	Kind      ChatKind  `json:"kind"`
	Name      string    `json:"name"`
	Picture   string    `json:"picture,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Participant represents a row in the chat_participants table.
type Participant struct {
	ChatID   int64
	UserID   string
	Status   ParticipantStatus
	IsPinned bool
	JoinedAt time.Time
}

// Member is a chat participant joined with the profile mirror.
type Member struct {
	ChatID      int64
	UserID      string
	DisplayName string
	Picture     string
}

// ChatOverview is everything the chat list needs about one chat for one participant.
type ChatOverview struct {
	Chat        Chat
	Participant Participant
	LastMessage *Message
	Unread      int
}

// NewChat describes a chat to be created together with its initial participants.
type NewChat struct {
	Kind      ChatKind
	Name      string
	Picture   string
	DirectKey string
	Members   []string
	CreatedAt time.Time
}

// CreateChat inserts a chat and its participants atomically. ErrConflict is
// returned when a direct chat with the same key already exists.
func (s *Store) CreateChat(ctx context.Context, in NewChat) (*Chat, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	var directKey any
	if in.DirectKey != "" {
		directKey = in.DirectKey
	}
	created := toMillis(in.CreatedAt)
	result, err := tx.ExecContext(ctx, `INSERT INTO chats(kind, name, picture, direct_key, created_at) VALUES(?, ?, ?, ?, ?)`,
		string(in.Kind), in.Name, in.Picture, directKey, created)
	if err != nil {
		if isConstraintError(err) {
			err = ErrConflict
		}
		return nil, err
	}
	chatID, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	for _, userID := range in.Members {
		if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO chat_participants(chat_id, user_id, joined_at) VALUES(?, ?, ?)`,
			chatID, userID, created); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return &Chat{
		ID:        chatID,
		Kind:      in.Kind,
		Name:      in.Name,
		Picture:   in.Picture,
		CreatedAt: fromMillis(created),
	}, nil
}

// GetChat fetches a chat by id. A nil chat is returned when none exists.
func (s *Store) GetChat(ctx context.Context, id int64) (*Chat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, kind, name, picture, created_at FROM chats WHERE id = ?`, id)
	return scanChat(row)
}

// FindDirectChat looks up a one-to-one chat by its normalized participant key.
func (s *Store) FindDirectChat(ctx context.Context, directKey string) (*Chat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, kind, name, picture, created_at FROM chats WHERE direct_key = ?`, directKey)
	return scanChat(row)
}

func scanChat(row *sql.Row) (*Chat, error) {
	var (
		chat      Chat
		kind      string
		createdAt int64
	)
	if err := row.Scan(&chat.ID, &kind, &chat.Name, &chat.Picture, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	chat.Kind = ChatKind(kind)
	chat.CreatedAt = fromMillis(createdAt)
	return &chat, nil
}

// UpdateChatProfile replaces the name and picture of a chat.
func (s *Store) UpdateChatProfile(ctx context.Context, chatID int64, name, picture string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE chats SET name = ?, picture = ? WHERE id = ?`, name, picture, chatID)
	if err != nil {
		return err
	}
	return expectRow(result)
}

// AddParticipant inserts a participant row; existing rows are left untouched.
func (s *Store) AddParticipant(ctx context.Context, chatID int64, userID string, joinedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO chat_participants(chat_id, user_id, joined_at) VALUES(?, ?, ?)`,
		chatID, userID, toMillis(joinedAt))
	return err
}

// GetParticipant fetches one participant row. A nil participant is returned when none exists.
func (s *Store) GetParticipant(ctx context.Context, chatID int64, userID string) (*Participant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chat_id, user_id, status, is_pinned, joined_at
		FROM chat_participants WHERE chat_id = ? AND user_id = ?
	`, chatID, userID)
	var (
		p        Participant
		status   string
		joinedAt int64
	)
	if err := row.Scan(&p.ChatID, &p.UserID, &status, &p.IsPinned, &joinedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.Status = ParticipantStatus(status)
	p.JoinedAt = fromMillis(joinedAt)
	return &p, nil
}

// ListParticipants returns every participant of a chat ordered by join time.
func (s *Store) ListParticipants(ctx context.Context, chatID int64) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, user_id, status, is_pinned, joined_at
		FROM chat_participants WHERE chat_id = ?
		ORDER BY joined_at ASC, user_id ASC
	`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var participants []Participant
	for rows.Next() {
		var (
			p        Participant
			status   string
			joinedAt int64
		)
		if err := rows.Scan(&p.ChatID, &p.UserID, &status, &p.IsPinned, &joinedAt); err != nil {
			return nil, err
		}
		p.Status = ParticipantStatus(status)
		p.JoinedAt = fromMillis(joinedAt)
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// SetParticipantStatus changes a participant's view state. ErrNotFound is
// returned when the user is not a participant.
func (s *Store) SetParticipantStatus(ctx context.Context, chatID int64, userID string, status ParticipantStatus) error {
	result, err := s.db.ExecContext(ctx, `UPDATE chat_participants SET status = ? WHERE chat_id = ? AND user_id = ?`,
		string(status), chatID, userID)
	if err != nil {
		return err
	}
	return expectRow(result)
}

// SetPinned toggles the pinned flag of a participant row.
func (s *Store) SetPinned(ctx context.Context, chatID int64, userID string, pinned bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE chat_participants SET is_pinned = ? WHERE chat_id = ? AND user_id = ?`,
		pinned, chatID, userID)
	if err != nil {
		return err
	}
	return expectRow(result)
}

// ListChatOverviews returns one overview per chat the user has not deleted.
// Rows come back unordered; callers sort them.
func (s *Store) ListChatOverviews(ctx context.Context, userID string) ([]ChatOverview, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.kind, c.name, c.picture, c.created_at,
			p.status, p.is_pinned, p.joined_at,
			lm.id, lm.sender_id, lm.content, lm.sent_at,
			(SELECT COUNT(1) FROM message_status ms
				JOIN messages m ON m.id = ms.message_id
				WHERE m.chat_id = c.id AND ms.user_id = p.user_id AND ms.read_at IS NULL) AS unread
		FROM chat_participants p
		JOIN chats c ON c.id = p.chat_id
		LEFT JOIN messages lm ON lm.id = (
			SELECT id FROM messages WHERE chat_id = c.id ORDER BY sent_at DESC, id DESC LIMIT 1
		)
		WHERE p.user_id = ? AND p.status != 'deleted'
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var overviews []ChatOverview
	for rows.Next() {
		var (
			ov        ChatOverview
			kind      string
			status    string
			createdAt int64
			joinedAt  int64
			msgID     sql.NullInt64
			sender    sql.NullString
			content   sql.NullString
			sentAt    sql.NullInt64
		)
		if err := rows.Scan(&ov.Chat.ID, &kind, &ov.Chat.Name, &ov.Chat.Picture, &createdAt,
			&status, &ov.Participant.IsPinned, &joinedAt,
			&msgID, &sender, &content, &sentAt,
			&ov.Unread); err != nil {
			return nil, err
		}
		ov.Chat.Kind = ChatKind(kind)
		ov.Chat.CreatedAt = fromMillis(createdAt)
		ov.Participant.ChatID = ov.Chat.ID
		ov.Participant.UserID = userID
		ov.Participant.Status = ParticipantStatus(status)
		ov.Participant.JoinedAt = fromMillis(joinedAt)
		if msgID.Valid {
			ov.LastMessage = &Message{
				ID:       msgID.Int64,
				ChatID:   ov.Chat.ID,
				SenderID: sender.String,
				Content:  content.String,
				SentAt:   fromMillis(sentAt.Int64),
			}
		}
		overviews = append(overviews, ov)
	}
	return overviews, rows.Err()
}

// ListCoMembers returns the other participants of every chat the user has not
// deleted, joined with their profile mirror.
func (s *Store) ListCoMembers(ctx context.Context, userID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p2.chat_id, p2.user_id, COALESCE(u.display_name, ''), COALESCE(u.picture, '')
		FROM chat_participants p1
		JOIN chat_participants p2 ON p2.chat_id = p1.chat_id AND p2.user_id != p1.user_id
		LEFT JOIN users u ON u.id = p2.user_id
		WHERE p1.user_id = ? AND p1.status != 'deleted'
		ORDER BY p2.chat_id ASC, p2.joined_at ASC, p2.user_id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ChatID, &m.UserID, &m.DisplayName, &m.Picture); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// ListContacts returns the distinct users sharing at least one chat with userID.
func (s *Store) ListContacts(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT p2.user_id
		FROM chat_participants p1
		JOIN chat_participants p2 ON p2.chat_id = p1.chat_id AND p2.user_id != p1.user_id
		WHERE p1.user_id = ?
		ORDER BY p2.user_id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var contacts []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		contacts = append(contacts, id)
	}
	return contacts, rows.Err()
}

func expectRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
