package events

import (
	"context"
	"time"

	"chatcore/internal/storage"
)

// Event type names used on every outbound channel.
const (
	TypePresence      = "presence"
	TypeMessage       = "message"
	TypeMessageStatus = "message_status"
)

// PresenceChanged announces that a user came online or went offline.
type PresenceChanged struct {
	UserID       string     `json:"user_id"`
	Online       bool       `json:"online"`
	LastOnlineAt *time.Time `json:"last_online_at,omitempty"`
	At           time.Time  `json:"at"`
}

// MessageCreated announces a new message to its recipients.
type MessageCreated struct {
	Message    storage.Message `json:"message"`
	Recipients []string        `json:"recipients"`
}

// MessageStatusChanged announces a delivery or read transition of one
// recipient. AllDelivered and AllRead summarize every recipient.
type MessageStatusChanged struct {
	MessageID    int64     `json:"message_id"`
	ChatID       int64     `json:"chat_id"`
	SenderID     string    `json:"sender_id"`
	UserID       string    `json:"user_id"`
	Delivered    bool      `json:"delivered"`
	Read         bool      `json:"read"`
	AllDelivered bool      `json:"all_delivered"`
	AllRead      bool      `json:"all_read"`
	At           time.Time `json:"at"`
}

// Notifier receives outbound events. Implementations must not block for long;
// they are called on the request path.
type Notifier interface {
	PresenceChanged(ctx context.Context, evt PresenceChanged)
	MessageCreated(ctx context.Context, evt MessageCreated)
	MessageStatusChanged(ctx context.Context, evt MessageStatusChanged)
}

// Nop discards every event.
type Nop struct{}

func (Nop) PresenceChanged(context.Context, PresenceChanged)           {}
func (Nop) MessageCreated(context.Context, MessageCreated)             {}
func (Nop) MessageStatusChanged(context.Context, MessageStatusChanged) {}

// Fanout forwards each event to every notifier in order.
type Fanout []Notifier

func (f Fanout) PresenceChanged(ctx context.Context, evt PresenceChanged) {
	for _, n := range f {
		n.PresenceChanged(ctx, evt)
	}
}

func (f Fanout) MessageCreated(ctx context.Context, evt MessageCreated) {
	for _, n := range f {
		n.MessageCreated(ctx, evt)
	}
}

func (f Fanout) MessageStatusChanged(ctx context.Context, evt MessageStatusChanged) {
	for _, n := range f {
		n.MessageStatusChanged(ctx, evt)
	}
}

// OrNop returns n, or Nop when n is nil.
func OrNop(n Notifier) Notifier {
	if n == nil {
		return Nop{}
	}
	return n
}
