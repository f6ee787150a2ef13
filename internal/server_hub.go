package internal

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"chatcore/internal/events"
	"chatcore/internal/metrics"
)

// Push frame types beyond the event types.
const (
	TypeSession = "session"
	TypeError   = "error"
)

// Frame is the envelope of every message pushed to a websocket client.
type Frame struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// ContactLister resolves who should hear about a user's presence.
type ContactLister interface {
	ListContacts(ctx context.Context, userID string) ([]string, error)
}

// Hub tracks the websocket clients of every user and pushes events to them.
// It implements events.Notifier.
type Hub struct {
	mutex    sync.RWMutex
	clients  map[string]map[*Client]struct{}
	pumps    sync.WaitGroup
	contacts ContactLister
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewHub(contacts ContactLister, m *metrics.Metrics, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:  make(map[string]map[*Client]struct{}),
		contacts: contacts,
		metrics:  m,
		logger:   logger,
	}
}

// register adds the client. The caller must run client.readPump, which
// releases the client's slot in pumps when it ends.
func (hub *Hub) register(client *Client) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	hub.pumps.Add(1)
	set, ok := hub.clients[client.userID]
	if !ok {
		set = make(map[*Client]struct{})
		hub.clients[client.userID] = set
	}
	set[client] = struct{}{}
}

// unregister removes the client and closes its send channel, once.
func (hub *Hub) unregister(client *Client) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	hub.removeLocked(client)
}

func (hub *Hub) removeLocked(client *Client) {
	set, ok := hub.clients[client.userID]
	if !ok {
		return
	}
	if _, exists := set[client]; !exists {
		return
	}
	delete(set, client)
	close(client.send)
	if len(set) == 0 {
		delete(hub.clients, client.userID)
	}
}

// closeSession drops the client holding sessionID, which ends its pumps.
func (hub *Hub) closeSession(userID, sessionID string) bool {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	for client := range hub.clients[userID] {
		if client.sessionID == sessionID {
			hub.removeLocked(client)
			return true
		}
	}
	return false
}

// CloseAll drops every client, which ends their pumps, and waits until each
// read pump has finished its disconnect handling or ctx is done.
func (hub *Hub) CloseAll(ctx context.Context) error {
	hub.mutex.Lock()
	for _, set := range hub.clients {
		for client := range set {
			hub.removeLocked(client)
		}
	}
	hub.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		hub.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected returns how many clients a user has on this hub.
func (hub *Hub) Connected(userID string) int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.clients[userID])
}

// sendTo queues a frame for every client of the users. A client whose buffer
// is full is dropped so a slow reader cannot stall the others.
func (hub *Hub) sendTo(frame Frame, userIDs ...string) {
	payload, err := json.Marshal(frame)
	if err != nil {
		hub.logger.Warn("encode push frame", zap.String("type", frame.Type), zap.Error(err))
		return
	}
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	for _, userID := range userIDs {
		for client := range hub.clients[userID] {
			select {
			case client.send <- payload:
			default:
				hub.metrics.PushDropped()
				hub.logger.Warn("dropping slow client",
					zap.String("user_id", userID),
					zap.String("session_id", client.sessionID))
				hub.removeLocked(client)
			}
		}
	}
}

func (hub *Hub) PresenceChanged(ctx context.Context, evt events.PresenceChanged) {
	if hub.contacts == nil {
		return
	}
	contacts, err := hub.contacts.ListContacts(ctx, evt.UserID)
	if err != nil {
		hub.logger.Warn("list contacts", zap.String("user_id", evt.UserID), zap.Error(err))
		return
	}
	hub.sendTo(Frame{Type: events.TypePresence, Data: evt}, contacts...)
}

func (hub *Hub) MessageCreated(_ context.Context, evt events.MessageCreated) {
	targets := append([]string{evt.Message.SenderID}, evt.Recipients...)
	hub.sendTo(Frame{Type: events.TypeMessage, Data: evt.Message}, targets...)
}

func (hub *Hub) MessageStatusChanged(_ context.Context, evt events.MessageStatusChanged) {
	hub.sendTo(Frame{Type: events.TypeMessageStatus, Data: evt}, evt.SenderID)
}
