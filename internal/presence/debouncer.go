package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"chatcore/internal/events"
	"chatcore/internal/metrics"
	"chatcore/internal/storage"
)

const (
	DefaultOfflineDelay   = 10 * time.Second
	DefaultLoginThreshold = 300 * time.Second

	fireTimeout = 5 * time.Second
)

// ErrClosed is returned by lifecycle calls after Close.
var ErrClosed = errors.New("presence: debouncer closed")

// Store persists presence records.
type Store interface {
	GetPresence(ctx context.Context, userID string) (*storage.Presence, error)
	MarkOnline(ctx context.Context, userID string, loginAt *time.Time) error
	MarkOffline(ctx context.Context, userID string, at time.Time) error
}

type Config struct {
	OfflineDelay   time.Duration
	LoginThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.OfflineDelay <= 0 {
		c.OfflineDelay = DefaultOfflineDelay
	}
	if c.LoginThreshold <= 0 {
		c.LoginThreshold = DefaultLoginThreshold
	}
	return c
}

// EventKind tags a connection lifecycle event.
type EventKind int

const (
	EventConnect EventKind = iota + 1
	EventDisconnect
	EventLogout
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventLogout:
		return "logout"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one lifecycle signal for a user session.
type Event struct {
	Kind      EventKind
	UserID    string
	SessionID string
}

const (
	statePending int32 = iota
	stateCancelled
	stateFired
)

// pendingOffline is a scheduled offline mark. Whoever moves state away from
// statePending owns the outcome.
type pendingOffline struct {
	timer Timer
	state atomic.Int32
}

func (p *pendingOffline) cancel() bool {
	if p.timer != nil {
		p.timer.Stop()
	}
	return p.state.CompareAndSwap(statePending, stateCancelled)
}

// userState serializes transitions of one user. refs counts goroutines
// holding or waiting for mu; the entry is dropped once it is unreferenced
// and has nothing pending.
type userState struct {
	mu      sync.Mutex
	refs    int
	pending *pendingOffline
}

// Debouncer is the single authority for presence transitions. It updates the
// session registry, delays offline marks and applies the login cool-down.
type Debouncer struct {
	cfg      Config
	registry *SessionRegistry
	store    Store
	clock    Clock
	notifier events.Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu     sync.Mutex
	users  map[string]*userState
	closed bool
}

type Option func(*Debouncer)

func WithClock(c Clock) Option { return func(d *Debouncer) { d.clock = c } }

func WithNotifier(n events.Notifier) Option {
	return func(d *Debouncer) { d.notifier = events.OrNop(n) }
}

func WithMetrics(m *metrics.Metrics) Option { return func(d *Debouncer) { d.metrics = m } }

func WithLogger(l *zap.Logger) Option {
	return func(d *Debouncer) {
		if l != nil {
			d.logger = l
		}
	}
}

func NewDebouncer(cfg Config, registry *SessionRegistry, store Store, opts ...Option) *Debouncer {
	d := &Debouncer{
		cfg:      cfg.withDefaults(),
		registry: registry,
		store:    store,
		clock:    SystemClock{},
		notifier: events.Nop{},
		logger:   zap.NewNop(),
		users:    make(map[string]*userState),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the session registry the debouncer mutates.
func (d *Debouncer) Registry() *SessionRegistry { return d.registry }

// Dispatch routes a lifecycle event to its handler.
func (d *Debouncer) Dispatch(ctx context.Context, evt Event) error {
	switch evt.Kind {
	case EventConnect:
		return d.Connect(ctx, evt.UserID, evt.SessionID)
	case EventDisconnect:
		return d.Disconnect(ctx, evt.UserID, evt.SessionID)
	case EventLogout:
		return d.Logout(ctx, evt.UserID, evt.SessionID)
	default:
		return fmt.Errorf("presence: unknown event %s", evt.Kind)
	}
}

// Connect registers the session. On the first session it cancels a pending
// offline mark, or marks the user online and refreshes the login time once
// the cool-down since the last offline mark has elapsed.
func (d *Debouncer) Connect(ctx context.Context, userID, sessionID string) error {
	st, err := d.lockUser(userID)
	if err != nil {
		return err
	}
	defer d.unlockUser(userID, st)

	count, added := d.registry.Add(userID, sessionID, d.clock.Now())
	d.metrics.SetOnlineUsers(d.registry.OnlineUsers())
	if !added || count != 1 {
		return nil
	}

	if p := st.pending; p != nil {
		st.pending = nil
		if p.cancel() {
			d.metrics.Presence("cancelled")
			d.logger.Debug("offline mark cancelled", zap.String("user_id", userID))
			return nil
		}
	}

	now := d.clock.Now()
	rec, err := d.store.GetPresence(ctx, userID)
	if err != nil {
		d.metrics.StoreError("get_presence")
		return fmt.Errorf("load presence for %s: %w", userID, err)
	}
	var loginAt *time.Time
	if rec == nil || rec.LastOnlineAt == nil || now.Sub(*rec.LastOnlineAt) >= d.cfg.LoginThreshold {
		loginAt = &now
	}
	if err := d.store.MarkOnline(ctx, userID, loginAt); err != nil {
		d.metrics.StoreError("mark_online")
		return fmt.Errorf("mark %s online: %w", userID, err)
	}

	d.metrics.Presence("online")
	if loginAt != nil {
		d.metrics.Presence("login")
	}
	d.logger.Info("user online", zap.String("user_id", userID), zap.Bool("login", loginAt != nil))
	d.notifier.PresenceChanged(ctx, events.PresenceChanged{UserID: userID, Online: true, At: now})
	return nil
}

// Disconnect removes the session and, when it was the last one, schedules the
// offline mark after the configured delay.
func (d *Debouncer) Disconnect(_ context.Context, userID, sessionID string) error {
	st, err := d.lockUser(userID)
	if err != nil {
		return err
	}
	defer d.unlockUser(userID, st)

	remaining, removed := d.registry.Remove(userID, sessionID)
	d.metrics.SetOnlineUsers(d.registry.OnlineUsers())
	if !removed || remaining > 0 {
		return nil
	}

	if old := st.pending; old != nil {
		old.cancel()
	}
	p := &pendingOffline{}
	st.pending = p
	p.timer = d.clock.AfterFunc(d.cfg.OfflineDelay, func() { d.fire(userID, p) })
	d.logger.Debug("offline mark scheduled", zap.String("user_id", userID), zap.Duration("delay", d.cfg.OfflineDelay))
	return nil
}

// Logout removes the session. When no session is left the user is marked
// offline immediately and any pending mark is discarded.
func (d *Debouncer) Logout(ctx context.Context, userID, sessionID string) error {
	st, err := d.lockUser(userID)
	if err != nil {
		return err
	}
	defer d.unlockUser(userID, st)

	remaining, removed := d.registry.Remove(userID, sessionID)
	d.metrics.SetOnlineUsers(d.registry.OnlineUsers())
	if remaining > 0 {
		return nil
	}

	hadPending := false
	if p := st.pending; p != nil {
		st.pending = nil
		hadPending = p.cancel()
	}
	if !removed && !hadPending {
		return nil
	}
	return d.markOffline(ctx, userID)
}

// Close stops every pending timer. Later lifecycle calls fail with ErrClosed.
func (d *Debouncer) Close() {
	d.mu.Lock()
	d.closed = true
	held := make(map[string]*userState, len(d.users))
	for id, st := range d.users {
		st.refs++
		held[id] = st
	}
	d.mu.Unlock()

	for id, st := range held {
		st.mu.Lock()
		if st.pending != nil {
			st.pending.cancel()
			st.pending = nil
		}
		d.unlockUser(id, st)
	}
}

// Pending reports whether an offline mark is scheduled for the user.
func (d *Debouncer) Pending(userID string) bool {
	d.mu.Lock()
	st, ok := d.users[userID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.pending != nil
}

func (d *Debouncer) fire(userID string, p *pendingOffline) {
	st, err := d.lockUser(userID)
	if err != nil {
		return
	}
	defer d.unlockUser(userID, st)

	if !p.state.CompareAndSwap(statePending, stateFired) {
		return
	}
	if st.pending == p {
		st.pending = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()
	if err := d.markOffline(ctx, userID); err != nil {
		d.logger.Warn("offline mark failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// markOffline must be called with the user's lock held.
func (d *Debouncer) markOffline(ctx context.Context, userID string) error {
	now := d.clock.Now()
	if err := d.store.MarkOffline(ctx, userID, now); err != nil {
		d.metrics.StoreError("mark_offline")
		return fmt.Errorf("mark %s offline: %w", userID, err)
	}
	d.metrics.Presence("offline")
	d.logger.Info("user offline", zap.String("user_id", userID))
	d.notifier.PresenceChanged(ctx, events.PresenceChanged{UserID: userID, Online: false, LastOnlineAt: &now, At: now})
	return nil
}

func (d *Debouncer) lockUser(userID string) (*userState, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	st, ok := d.users[userID]
	if !ok {
		st = &userState{}
		d.users[userID] = st
	}
	st.refs++
	d.mu.Unlock()

	st.mu.Lock()
	return st, nil
}

// unlockUser takes d.mu while still holding st.mu so pending is read under
// the lock that guards it. Nothing acquires st.mu while holding d.mu.
func (d *Debouncer) unlockUser(userID string, st *userState) {
	d.mu.Lock()
	st.refs--
	if st.refs == 0 && st.pending == nil {
		delete(d.users, userID)
	}
	d.mu.Unlock()
	st.mu.Unlock()
}
