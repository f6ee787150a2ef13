package internal

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"chatcore/internal/chats"
	"chatcore/internal/ledger"
	"chatcore/internal/metrics"
	"chatcore/internal/presence"
	"chatcore/internal/storage"
)

// Server exposes the messaging core over HTTP and websockets.
type Server struct {
	store    *storage.Store
	presence *presence.Debouncer
	ledger   *ledger.Ledger
	chats    *chats.Service
	hub      *Hub
	limiter  *RateLimiter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	wsPath   string

	allowQueryUser bool
}

// ServerDeps carries the collaborators of a Server.
type ServerDeps struct {
	Store    *storage.Store
	Presence *presence.Debouncer
	Ledger   *ledger.Ledger
	Chats    *chats.Service
	Hub      *Hub
	Limiter  *RateLimiter
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	WSPath   string
	// AllowQueryUser lets /ws take the user from ?user= when the header is
	// absent. Only for deployments where the gateway guards that path.
	AllowQueryUser bool
}

func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	wsPath := deps.WSPath
	if wsPath == "" {
		wsPath = "/ws"
	}
	return &Server{
		store:    deps.Store,
		presence: deps.Presence,
		ledger:   deps.Ledger,
		chats:    deps.Chats,
		hub:      deps.Hub,
		limiter:  deps.Limiter,
		metrics:  deps.Metrics,
		logger:   logger,
		wsPath:   wsPath,

		allowQueryUser: deps.AllowQueryUser,
	}
}

// Router builds the HTTP routes. Every route except health and metrics needs
// the caller's user id, which the auth gateway supplies in X-User-ID.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.HandleHealth)
	r.Handle("/metrics", s.metrics)
	r.Get(s.wsPath, s.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)

		r.Post("/logout", s.HandleLogout)
		r.Put("/users/me", s.HandleUpdateProfile)
		r.Get("/users/{userID}/online", s.HandleOnline)
		r.Get("/unread", s.HandleUnread)

		r.Route("/chats", func(r chi.Router) {
			r.Get("/", s.HandleListChats)
			r.Post("/direct", s.HandleCreateDirect)
			r.Post("/group", s.HandleCreateGroup)
			r.Route("/{chatID}", func(r chi.Router) {
				r.Delete("/", s.HandleDeleteChat)
				r.Put("/profile", s.HandleUpdateGroup)
				r.Post("/members", s.HandleAddMember)
				r.Get("/messages", s.HandleHistory)
				r.Post("/messages", s.HandleSendMessage)
				r.Post("/read", s.HandleReadChat)
				r.Post("/pin", s.chatAction(func(r *http.Request, chatID int64, userID string) error {
					return s.chats.Pin(r.Context(), chatID, userID, true)
				}))
				r.Post("/unpin", s.chatAction(func(r *http.Request, chatID int64, userID string) error {
					return s.chats.Pin(r.Context(), chatID, userID, false)
				}))
				r.Post("/mute", s.chatAction(func(r *http.Request, chatID int64, userID string) error {
					return s.chats.Mute(r.Context(), chatID, userID)
				}))
				r.Post("/unmute", s.chatAction(func(r *http.Request, chatID int64, userID string) error {
					return s.chats.Unmute(r.Context(), chatID, userID)
				}))
			})
		})

		r.Route("/messages/{messageID}", func(r chi.Router) {
			r.Post("/delivered", s.HandleMarkDelivered)
			r.Post("/read", s.HandleMarkRead)
			r.Get("/status", s.HandleMessageStatus)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		switch {
		case ww.Status() >= 500:
			s.logger.Error("request failed", fields...)
		case ww.Status() >= 400:
			s.logger.Warn("request rejected", fields...)
		default:
			s.logger.Debug("request served", fields...)
		}
	})
}
