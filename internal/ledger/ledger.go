package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"chatcore/internal/events"
	"chatcore/internal/metrics"
	"chatcore/internal/storage"
)

var (
	// ErrNotFound covers unknown messages and chats as well as requesters who
	// do not take part in the chat.
	ErrNotFound = errors.New("ledger: not found")
	// ErrEmptyMessage rejects messages without visible content.
	ErrEmptyMessage = errors.New("ledger: message content is empty")
)

// Store is the persistence the ledger relies on.
type Store interface {
	GetParticipant(ctx context.Context, chatID int64, userID string) (*storage.Participant, error)
	CreateMessage(ctx context.Context, chatID int64, senderID, content string, sentAt time.Time) (*storage.Message, []string, error)
	InitializeStatus(ctx context.Context, messageID, chatID int64, senderID string) ([]string, error)
	GetMessage(ctx context.Context, id int64) (*storage.Message, error)
	ListMessages(ctx context.Context, chatID, beforeID int64, limit int) ([]storage.Message, error)
	MarkDelivered(ctx context.Context, messageID int64, userID string, at time.Time) (bool, error)
	MarkRead(ctx context.Context, messageID int64, userID string, at time.Time) (bool, error)
	CountStatuses(ctx context.Context, messageID int64) (storage.StatusCounts, error)
	ListStatuses(ctx context.Context, messageID int64) ([]storage.MessageStatus, error)
	DeliverPending(ctx context.Context, userID string, at time.Time) ([]storage.Receipt, error)
	MarkChatRead(ctx context.Context, chatID int64, userID string, at time.Time) ([]storage.Receipt, error)
	UnreadCountSince(ctx context.Context, userID string, chatID *int64, since time.Time) (int, error)
}

// Ledger owns the per-recipient delivery and read state of messages.
type Ledger struct {
	store    Store
	now      func() time.Time
	notifier events.Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

type Option func(*Ledger)

func WithNow(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func WithNotifier(n events.Notifier) Option {
	return func(l *Ledger) { l.notifier = events.OrNop(n) }
}

func WithMetrics(m *metrics.Metrics) Option { return func(l *Ledger) { l.metrics = m } }

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		now:      func() time.Time { return time.Now().UTC() },
		notifier: events.Nop{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateMessage stores a message together with one pending status row per
// recipient and announces it.
func (l *Ledger) CreateMessage(ctx context.Context, chatID int64, senderID, content string) (*storage.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	if err := l.requireParticipant(ctx, chatID, senderID); err != nil {
		return nil, err
	}
	msg, recipients, err := l.store.CreateMessage(ctx, chatID, senderID, content, l.now())
	if err != nil {
		l.metrics.StoreError("create_message")
		return nil, fmt.Errorf("create message in chat %d: %w", chatID, err)
	}
	l.metrics.MessageCreated()
	l.logger.Debug("message created",
		zap.Int64("message_id", msg.ID),
		zap.Int64("chat_id", chatID),
		zap.Int("recipients", len(recipients)))
	l.notifier.MessageCreated(ctx, events.MessageCreated{Message: *msg, Recipients: recipients})
	return msg, nil
}

// InitializeStatus seeds missing status rows of a message. Rows that already
// exist are kept, so it can be rerun safely.
func (l *Ledger) InitializeStatus(ctx context.Context, messageID, chatID int64, senderID string) ([]string, error) {
	recipients, err := l.store.InitializeStatus(ctx, messageID, chatID, senderID)
	if err != nil {
		l.metrics.StoreError("initialize_status")
		return nil, fmt.Errorf("initialize status of message %d: %w", messageID, err)
	}
	return recipients, nil
}

// MarkDelivered records delivery to one recipient and reports whether every
// recipient now has the message. Repeated calls are no-ops.
func (l *Ledger) MarkDelivered(ctx context.Context, messageID int64, userID string) (bool, error) {
	msg, err := l.message(ctx, messageID)
	if err != nil {
		return false, err
	}
	changed, err := l.store.MarkDelivered(ctx, messageID, userID, l.now())
	if err != nil {
		return false, l.translate("mark_delivered", err)
	}
	counts, err := l.store.CountStatuses(ctx, messageID)
	if err != nil {
		l.metrics.StoreError("count_statuses")
		return false, fmt.Errorf("count statuses of message %d: %w", messageID, err)
	}
	if changed {
		l.metrics.Status("delivered", 1)
		l.announce(ctx, msg.ID, msg.ChatID, msg.SenderID, userID, false, counts)
	}
	return counts.AllDelivered(), nil
}

// MarkRead records that one recipient read the message, implying delivery,
// and reports whether every recipient has now read it.
func (l *Ledger) MarkRead(ctx context.Context, messageID int64, userID string) (bool, error) {
	msg, err := l.message(ctx, messageID)
	if err != nil {
		return false, err
	}
	changed, err := l.store.MarkRead(ctx, messageID, userID, l.now())
	if err != nil {
		return false, l.translate("mark_read", err)
	}
	counts, err := l.store.CountStatuses(ctx, messageID)
	if err != nil {
		l.metrics.StoreError("count_statuses")
		return false, fmt.Errorf("count statuses of message %d: %w", messageID, err)
	}
	if changed {
		l.metrics.Status("read", 1)
		l.announce(ctx, msg.ID, msg.ChatID, msg.SenderID, userID, true, counts)
	}
	return counts.AllRead(), nil
}

// DeliverPending marks everything still undelivered to the user as delivered.
// It runs when the user opens a session and returns the number of messages.
func (l *Ledger) DeliverPending(ctx context.Context, userID string) (int, error) {
	receipts, err := l.store.DeliverPending(ctx, userID, l.now())
	if err != nil {
		l.metrics.StoreError("deliver_pending")
		return 0, fmt.Errorf("deliver pending messages of %s: %w", userID, err)
	}
	l.metrics.Status("delivered", len(receipts))
	l.announceReceipts(ctx, receipts, userID, false)
	return len(receipts), nil
}

// MarkChatRead marks every unread message of the user in a chat as read.
func (l *Ledger) MarkChatRead(ctx context.Context, chatID int64, userID string) (int, error) {
	if err := l.requireParticipant(ctx, chatID, userID); err != nil {
		return 0, err
	}
	receipts, err := l.store.MarkChatRead(ctx, chatID, userID, l.now())
	if err != nil {
		l.metrics.StoreError("mark_chat_read")
		return 0, fmt.Errorf("mark chat %d read for %s: %w", chatID, userID, err)
	}
	l.metrics.Status("read", len(receipts))
	l.announceReceipts(ctx, receipts, userID, true)
	return len(receipts), nil
}

// UnreadCountSince counts the user's unread messages sent after since. A nil
// chatID counts across all chats.
func (l *Ledger) UnreadCountSince(ctx context.Context, userID string, chatID *int64, since time.Time) (int, error) {
	n, err := l.store.UnreadCountSince(ctx, userID, chatID, since)
	if err != nil {
		l.metrics.StoreError("unread_count")
		return 0, fmt.Errorf("count unread messages of %s: %w", userID, err)
	}
	return n, nil
}

// UnreadMessageCount is the user's total number of unread messages.
func (l *Ledger) UnreadMessageCount(ctx context.Context, userID string) (int, error) {
	return l.UnreadCountSince(ctx, userID, nil, time.Time{})
}

// MessageStatuses lists the receipts of a message. Only chat participants may
// see them.
func (l *Ledger) MessageStatuses(ctx context.Context, messageID int64, requesterID string) ([]storage.MessageStatus, error) {
	msg, err := l.message(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := l.requireParticipant(ctx, msg.ChatID, requesterID); err != nil {
		return nil, err
	}
	statuses, err := l.store.ListStatuses(ctx, messageID)
	if err != nil {
		l.metrics.StoreError("list_statuses")
		return nil, fmt.Errorf("list statuses of message %d: %w", messageID, err)
	}
	return statuses, nil
}

// History returns up to limit messages of a chat older than beforeID (0 for
// the latest), newest first.
func (l *Ledger) History(ctx context.Context, chatID int64, requesterID string, beforeID int64, limit int) ([]storage.Message, error) {
	if err := l.requireParticipant(ctx, chatID, requesterID); err != nil {
		return nil, err
	}
	messages, err := l.store.ListMessages(ctx, chatID, beforeID, limit)
	if err != nil {
		l.metrics.StoreError("list_messages")
		return nil, fmt.Errorf("list messages of chat %d: %w", chatID, err)
	}
	return messages, nil
}

func (l *Ledger) requireParticipant(ctx context.Context, chatID int64, userID string) error {
	p, err := l.store.GetParticipant(ctx, chatID, userID)
	if err != nil {
		l.metrics.StoreError("get_participant")
		return fmt.Errorf("load participant %s of chat %d: %w", userID, chatID, err)
	}
	if p == nil {
		return ErrNotFound
	}
	return nil
}

func (l *Ledger) message(ctx context.Context, messageID int64) (*storage.Message, error) {
	msg, err := l.store.GetMessage(ctx, messageID)
	if err != nil {
		l.metrics.StoreError("get_message")
		return nil, fmt.Errorf("load message %d: %w", messageID, err)
	}
	if msg == nil {
		return nil, ErrNotFound
	}
	return msg, nil
}

func (l *Ledger) translate(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	l.metrics.StoreError(op)
	return fmt.Errorf("%s: %w", op, err)
}

func (l *Ledger) announceReceipts(ctx context.Context, receipts []storage.Receipt, userID string, read bool) {
	for _, r := range receipts {
		counts, err := l.store.CountStatuses(ctx, r.MessageID)
		if err != nil {
			l.metrics.StoreError("count_statuses")
			l.logger.Warn("count statuses", zap.Int64("message_id", r.MessageID), zap.Error(err))
			continue
		}
		l.announce(ctx, r.MessageID, r.ChatID, r.SenderID, userID, read, counts)
	}
}

func (l *Ledger) announce(ctx context.Context, messageID, chatID int64, senderID, userID string, read bool, counts storage.StatusCounts) {
	l.notifier.MessageStatusChanged(ctx, events.MessageStatusChanged{
		MessageID:    messageID,
		ChatID:       chatID,
		SenderID:     senderID,
		UserID:       userID,
		Delivered:    true,
		Read:         read,
		AllDelivered: counts.AllDelivered(),
		AllRead:      counts.AllRead(),
		At:           l.now(),
	})
}
