package internal

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatcore/internal/ledger"
	"chatcore/internal/presence"
)

// UserHeader carries the authenticated user id set by the auth gateway.
const UserHeader = "X-User-ID"

type ctxKey struct{}

var errNoUser = errors.New("missing user id")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsUser resolves the websocket user. The user query parameter bypasses the
// gateway, so it is honoured only when the server was built with
// AllowQueryUser.
func (s *Server) wsUser(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(UserHeader)); id != "" {
		return id
	}
	if !s.allowQueryUser {
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("user"))
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, errNoUser)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func currentUser(r *http.Request) string {
	userID, _ := r.Context().Value(ctxKey{}).(string)
	return userID
}

// ServeWS upgrades the request to a websocket session, registers it with the
// presence debouncer and delivers whatever arrived while the user was away.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := s.wsUser(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, errNoUser)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}

	sessionID := uuid.NewString()
	client := newClient(s.hub, conn, userID, sessionID)
	client.onFrame = s.handleFrame
	client.onDisconnect = func() {
		s.metrics.DecConn()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.presence.Disconnect(ctx, userID, sessionID); err != nil && !errors.Is(err, presence.ErrClosed) {
			s.logger.Warn("presence disconnect", zap.String("user_id", userID), zap.Error(err))
		}
	}
	s.hub.register(client)
	s.metrics.IncConn()
	client.reply(Frame{Type: TypeSession, Data: map[string]string{"session_id": sessionID, "user_id": userID}})

	ctx := context.WithoutCancel(r.Context())
	if err := s.presence.Connect(ctx, userID, sessionID); err != nil {
		s.logger.Warn("presence connect", zap.String("user_id", userID), zap.Error(err))
	}
	if _, err := s.ledger.DeliverPending(ctx, userID); err != nil {
		s.logger.Warn("deliver pending", zap.String("user_id", userID), zap.Error(err))
	}

	go client.writePump()
	go client.readPump()
}

// handleFrame applies a delivery or read acknowledgement sent over the socket.
func (s *Server) handleFrame(client *Client, frame inboundFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	switch frame.Type {
	case "delivered":
		_, err = s.ledger.MarkDelivered(ctx, frame.MessageID, client.userID)
	case "read":
		_, err = s.ledger.MarkRead(ctx, frame.MessageID, client.userID)
	default:
		client.reply(Frame{Type: TypeError, Error: "unknown frame type " + frame.Type})
		return
	}
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		client.reply(Frame{Type: TypeError, Error: "message not found"})
	case err != nil:
		s.logger.Warn("acknowledge message",
			zap.String("user_id", client.userID),
			zap.Int64("message_id", frame.MessageID),
			zap.Error(err))
		client.reply(Frame{Type: TypeError, Error: "internal error"})
	}
}
