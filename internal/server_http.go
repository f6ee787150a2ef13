package internal

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"chatcore/internal/chats"
	"chatcore/internal/ledger"
	"chatcore/internal/storage"
)

var errRateLimited = errors.New("sending too quickly, wait a moment and try again")

type directRequest struct {
	PeerID string `json:"peer_id"`
}

type groupRequest struct {
	Name    string   `json:"name"`
	Picture string   `json:"picture"`
	Members []string `json:"members"`
}

type profileRequest struct {
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

type userProfileRequest struct {
	DisplayName string `json:"display_name"`
	Picture     string `json:"picture"`
}

type memberRequest struct {
	UserID string `json:"user_id"`
}

type sendRequest struct {
	Content string `json:"content"`
}

type logoutRequest struct {
	SessionID string `json:"session_id"`
}

type onlineResponse struct {
	UserID       string     `json:"user_id"`
	Online       bool       `json:"online"`
	Sessions     int        `json:"sessions"`
	LastOnlineAt *time.Time `json:"last_online_at,omitempty"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

type chatsResponse struct {
	Chats []chats.Summary `json:"chats"`
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleLogout ends one session. The user goes offline at once when it was
// the last one.
func (s *Server) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	userID := currentUser(r)
	if err := s.presence.Logout(r.Context(), userID, sessionID); err != nil {
		s.fail(w, err)
		return
	}
	s.hub.closeSession(userID, sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req userProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user := storage.User{
		ID:          currentUser(r),
		DisplayName: strings.TrimSpace(req.DisplayName),
		Picture:     strings.TrimSpace(req.Picture),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.UpsertUser(r.Context(), user); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": user.ID, "display_name": user.DisplayName, "picture": user.Picture})
}

func (s *Server) HandleOnline(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	registry := s.presence.Registry()
	resp := onlineResponse{
		UserID:   userID,
		Online:   registry.IsOnline(userID),
		Sessions: registry.SessionCount(userID),
	}
	rec, err := s.store.GetPresence(r.Context(), userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if rec != nil {
		resp.LastOnlineAt = rec.LastOnlineAt
		resp.LastLoginAt = rec.LastLoginAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleUnread returns the unread total. With since (RFC 3339) only messages
// sent after it count; chat_id restricts the count to one chat.
func (s *Server) HandleUnread(w http.ResponseWriter, r *http.Request) {
	userID := currentUser(r)
	query := r.URL.Query()
	var chatID *int64
	if raw := query.Get("chat_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid chat_id"))
			return
		}
		chatID = &id
	}
	var since time.Time
	if raw := query.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid since"))
			return
		}
		since = parsed
	}
	var (
		count int
		err   error
	)
	if chatID == nil && since.IsZero() {
		count, err = s.ledger.UnreadMessageCount(r.Context(), userID)
	} else {
		count, err = s.ledger.UnreadCountSince(r.Context(), userID, chatID, since)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": count})
}

func (s *Server) HandleListChats(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.chats.Summaries(r.Context(), currentUser(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatsResponse{Chats: summaries})
}

func (s *Server) HandleCreateDirect(w http.ResponseWriter, r *http.Request) {
	var req directRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	chat, err := s.chats.CreateDirect(r.Context(), currentUser(r), strings.TrimSpace(req.PeerID))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) HandleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	chat, err := s.chats.CreateGroup(r.Context(), currentUser(r), req.Name, req.Picture, req.Members)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) HandleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}
	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.chats.UpdateGroupProfile(r.Context(), chatID, currentUser(r), req.Name, req.Picture); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleAddMember(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.chats.AddMember(r.Context(), chatID, currentUser(r), strings.TrimSpace(req.UserID)); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleDeleteChat(w http.ResponseWriter, r *http.Request) {
	s.chatAction(func(r *http.Request, chatID int64, userID string) error {
		return s.chats.Delete(r.Context(), chatID, userID)
	})(w, r)
}

// chatAction adapts a per-participant chat operation to a handler.
func (s *Server) chatAction(apply func(r *http.Request, chatID int64, userID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID, ok := pathID(w, r, "chatID")
		if !ok {
			return
		}
		if err := apply(r, chatID, currentUser(r)); err != nil {
			s.fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}
	userID := currentUser(r)
	if !s.limiter.Allow(userID) {
		s.metrics.RateLimited()
		writeError(w, http.StatusTooManyRequests, errRateLimited)
		return
	}
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msg, err := s.ledger.CreateMessage(r.Context(), chatID, userID, req.Content)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}
	var before int64
	limit := 0
	if raw := r.URL.Query().Get("before"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid before"))
			return
		}
		before = v
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 || v > 500 {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = v
	}
	messages, err := s.ledger.History(r.Context(), chatID, currentUser(r), before, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if messages == nil {
		messages = []storage.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) HandleReadChat(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}
	n, err := s.ledger.MarkChatRead(r.Context(), chatID, currentUser(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (s *Server) HandleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	messageID, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}
	all, err := s.ledger.MarkDelivered(r.Context(), messageID, currentUser(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"all_delivered": all})
}

func (s *Server) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	messageID, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}
	all, err := s.ledger.MarkRead(r.Context(), messageID, currentUser(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"all_read": all})
}

func (s *Server) HandleMessageStatus(w http.ResponseWriter, r *http.Request) {
	messageID, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}
	statuses, err := s.ledger.MessageStatuses(r.Context(), messageID, currentUser(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	if statuses == nil {
		statuses = []storage.MessageStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid "+name))
		return 0, false
	}
	return id, true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, chats.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chats.ErrInvalidTransition),
		errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrEmptyMessage),
		errors.Is(err, chats.ErrInvalidChat),
		errors.Is(err, chats.ErrNotGroup):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, status, errors.New(http.StatusText(status)))
		return
	}
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
