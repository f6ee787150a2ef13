package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	intrnl "chatcore/internal"
	"chatcore/internal/chats"
	"chatcore/internal/events"
	"chatcore/internal/ledger"
	"chatcore/internal/metrics"
	"chatcore/internal/presence"
	"chatcore/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr      string
	server    *http.Server
	store     *storage.Store
	hub       *intrnl.Hub
	debouncer *presence.Debouncer
	shutdown  time.Duration
	nc        *nats.Conn
	logger    *zap.Logger
	stopPrune context.CancelFunc
	done      chan struct{}
	err       error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits and its resources are released.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the SQLite store, runs migrations, wires presence, the
// message ledger and chat summaries behind the router and starts serving in
// the background. Cancelling ctx shuts the server down.
func RunServer(ctx context.Context, cfg Config, logger *zap.Logger) (*ServerHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Server.WSPath = NormalizePath(cfg.Server.WSPath)

	if plainPath(cfg.Database.Path) {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	store, err := storage.NewStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	// no session survives a restart, so any online marker left behind is stale.
	reset, err := store.ResetOnlinePresence(context.Background(), time.Now().UTC())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("reset presence: %w", err)
	}
	if reset > 0 {
		logger.Info("stale online presence reset", zap.Int64("users", reset))
	}

	m := metrics.NewMetrics()
	hub := intrnl.NewHub(store, m, logger.Named("hub"))
	notifier := events.Notifier(hub)

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = events.ConnectNATS(cfg.NATS.URL, "chatcore", logger.Named("nats"))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		notifier = events.Fanout{hub, events.NewNATSNotifier(nc, cfg.NATS.SubjectPrefix, logger.Named("nats"))}
	}

	registry := presence.NewSessionRegistry()
	debouncer := presence.NewDebouncer(presence.Config{
		OfflineDelay:   cfg.Presence.OfflineDelay,
		LoginThreshold: cfg.Presence.LoginThreshold,
	}, registry, store,
		presence.WithNotifier(notifier),
		presence.WithMetrics(m),
		presence.WithLogger(logger.Named("presence")),
	)
	led := ledger.New(store,
		ledger.WithNotifier(notifier),
		ledger.WithMetrics(m),
		ledger.WithLogger(logger.Named("ledger")),
	)
	chatService := chats.NewService(store, registry, chats.WithLogger(logger.Named("chats")))
	limiter := intrnl.NewRateLimiter(cfg.RateLimit.Messages, cfg.RateLimit.Window)

	server := intrnl.NewServer(intrnl.ServerDeps{
		Store:    store,
		Presence: debouncer,
		Ledger:   led,
		Chats:    chatService,
		Hub:      hub,
		Limiter:  limiter,
		Metrics:  m,
		Logger:   logger.Named("http"),
		WSPath:   cfg.Server.WSPath,

		AllowQueryUser: cfg.Server.AllowQueryUser,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		debouncer.Close()
		if nc != nil {
			nc.Close()
		}
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	pruneCtx, stopPrune := context.WithCancel(context.Background())
	handle := &ServerHandle{
		addr:      listener.Addr().String(),
		server:    httpServer,
		store:     store,
		hub:       hub,
		debouncer: debouncer,
		shutdown:  cfg.Server.ShutdownTimeout,
		nc:        nc,
		logger:    logger,
		stopPrune: stopPrune,
		done:      make(chan struct{}),
	}

	go pruneLoop(pruneCtx, limiter, cfg.RateLimit.Window)

	go func() {
		if ctx == nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-handle.done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	go handle.serve(listener)

	logger.Info("server listening",
		zap.String("addr", handle.addr),
		zap.String("ws_path", cfg.Server.WSPath),
		zap.String("db", cfg.Database.Path),
		zap.Bool("nats", nc != nil))
	return handle, nil
}

func plainPath(path string) bool {
	return !strings.HasPrefix(path, "file:") && !strings.HasPrefix(path, ":memory:") && !strings.HasPrefix(path, "sqlite://")
}

func pruneLoop(ctx context.Context, limiter *intrnl.RateLimiter, window time.Duration) {
	if window <= 0 {
		window = time.Minute
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Prune()
		}
	}
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.stopPrune()

	// Shutdown leaves hijacked websockets open; close them while the debouncer
	// and store can still take their disconnects.
	ctx, cancel := context.WithTimeout(context.Background(), h.shutdown)
	defer cancel()
	if err := h.hub.CloseAll(ctx); err != nil {
		h.logger.Warn("close websocket clients", zap.Error(err))
	}
	h.debouncer.Close()
	// pending offline marks were cancelled above; write them out now.
	if n, err := h.store.ResetOnlinePresence(ctx, time.Now().UTC()); err != nil {
		h.logger.Warn("flush presence", zap.Error(err))
	} else if n > 0 {
		h.logger.Info("presence flushed", zap.Int64("users", n))
	}
	if h.nc != nil {
		if err := h.nc.Drain(); err != nil {
			h.logger.Warn("nats drain", zap.Error(err))
		}
	}
	if err := h.store.Close(); err != nil {
		h.logger.Warn("store close", zap.Error(err))
	}
	h.err = err
}
