package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/events"
	"chatcore/internal/storage"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due callbacks on the caller's goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeStore struct {
	mu       sync.Mutex
	records  map[string]storage.Presence
	offline  []time.Time
	online   int
	logins   []time.Time
	failNext error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]storage.Presence)}
}

func (s *fakeStore) GetPresence(_ context.Context, userID string) (*storage.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *fakeStore) MarkOnline(_ context.Context, userID string, loginAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}
	rec := s.records[userID]
	rec.UserID = userID
	rec.LastOnlineAt = nil
	if loginAt != nil {
		at := *loginAt
		rec.LastLoginAt = &at
		s.logins = append(s.logins, at)
	}
	s.records[userID] = rec
	s.online++
	return nil
}

func (s *fakeStore) MarkOffline(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[userID]
	rec.UserID = userID
	rec.LastOnlineAt = &at
	s.records[userID] = rec
	s.offline = append(s.offline, at)
	return nil
}

func (s *fakeStore) seedOffline(userID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[userID] = storage.Presence{UserID: userID, LastOnlineAt: &at}
}

func (s *fakeStore) counts() (online, offline, logins int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online, len(s.offline), len(s.logins)
}

func (s *fakeStore) offlineTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.offline...)
}

type presenceRecorder struct {
	events.Nop
	mu  sync.Mutex
	got []events.PresenceChanged
}

func (r *presenceRecorder) PresenceChanged(_ context.Context, evt events.PresenceChanged) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, evt)
}

func (r *presenceRecorder) states() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.got))
	for i, e := range r.got {
		out[i] = e.Online
	}
	return out
}

type harness struct {
	clock    *fakeClock
	store    *fakeStore
	notes    *presenceRecorder
	registry *SessionRegistry
	deb      *Debouncer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    newFakeClock(t0),
		store:    newFakeStore(),
		notes:    &presenceRecorder{},
		registry: NewSessionRegistry(),
	}
	h.deb = NewDebouncer(Config{}, h.registry, h.store, WithClock(h.clock), WithNotifier(h.notes))
	t.Cleanup(h.deb.Close)
	return h
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewSessionRegistry()
	assert.False(t, r.IsOnline("alice"))

	count, added := r.Add("alice", "s1", t0)
	assert.Equal(t, 1, count)
	assert.True(t, added)

	count, added = r.Add("alice", "s1", t0)
	assert.Equal(t, 1, count)
	assert.False(t, added)

	r.Add("alice", "s2", t0)
	r.Add("bob", "s3", t0)
	assert.Equal(t, 2, r.SessionCount("alice"))
	assert.ElementsMatch(t, []string{"s1", "s2"}, r.Sessions("alice"))
	assert.Equal(t, 2, r.OnlineUsers())
	assert.Equal(t, 1, r.CountOnline([]string{"bob", "carol"}))

	remaining, removed := r.Remove("alice", "s1")
	assert.Equal(t, 1, remaining)
	assert.True(t, removed)

	remaining, removed = r.Remove("alice", "s1")
	assert.Equal(t, 1, remaining)
	assert.False(t, removed)

	remaining, removed = r.Remove("carol", "nope")
	assert.Equal(t, 0, remaining)
	assert.False(t, removed)

	r.Remove("alice", "s2")
	assert.False(t, r.IsOnline("alice"))
	assert.Equal(t, 1, r.OnlineUsers())
}

func TestRegistrySessionsOldestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.deb.Connect(ctx, "alice", "late"))
	h.clock.Advance(time.Second)
	require.NoError(t, h.deb.Connect(ctx, "alice", "b"))
	h.clock.Advance(time.Second)
	require.NoError(t, h.deb.Connect(ctx, "alice", "a"))
	assert.Equal(t, []string{"late", "b", "a"}, h.registry.Sessions("alice"))

	r := NewSessionRegistry()
	r.Add("bob", "y", t0)
	r.Add("bob", "x", t0)
	r.Add("bob", "w", t0.Add(-time.Minute))
	assert.Equal(t, []string{"w", "x", "y"}, r.Sessions("bob"))
}

func TestRegistryConcurrentUse(t *testing.T) {
	r := NewSessionRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", i%5)
			session := fmt.Sprintf("s%d", i)
			r.Add(user, session, t0)
			assert.True(t, r.IsOnline(user))
			r.Remove(user, session)
		}(i)
	}
	wg.Wait()
	assert.Zero(t, r.OnlineUsers())
}

func TestFirstConnectMarksOnlineAndLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.deb.Connect(ctx, "bob", "s1"))
	require.NoError(t, h.deb.Connect(ctx, "bob", "s2"))

	online, offline, logins := h.store.counts()
	assert.Equal(t, 1, online)
	assert.Zero(t, offline)
	assert.Equal(t, 1, logins)
	assert.Equal(t, []bool{true}, h.notes.states())
	assert.Equal(t, 2, h.registry.SessionCount("bob"))
}

func TestReconnectWithinDelayKeepsPresence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.deb.Connect(ctx, "bob", "s1"))
	require.NoError(t, h.deb.Disconnect(ctx, "bob", "s1"))
	assert.True(t, h.deb.Pending("bob"))
	assert.False(t, h.registry.IsOnline("bob"))

	h.clock.Advance(5 * time.Second)
	require.NoError(t, h.deb.Connect(ctx, "bob", "s2"))
	assert.False(t, h.deb.Pending("bob"))

	h.clock.Advance(time.Minute)
	online, offline, logins := h.store.counts()
	assert.Equal(t, 1, online)
	assert.Zero(t, offline)
	assert.Equal(t, 1, logins)
	assert.Equal(t, []bool{true}, h.notes.states())
}

func TestDisconnectMarksOfflineOnceAfterDelay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.deb.Connect(ctx, "bob", "s1"))
	h.clock.Advance(time.Second)
	require.NoError(t, h.deb.Disconnect(ctx, "bob", "s1"))

	h.clock.Advance(9 * time.Second)
	assert.Empty(t, h.store.offlineTimes())

	h.clock.Advance(time.Second)
	assert.Equal(t, []time.Time{t0.Add(11 * time.Second)}, h.store.offlineTimes())

	h.clock.Advance(time.Hour)
	assert.Len(t, h.store.offlineTimes(), 1)
	assert.False(t, h.deb.Pending("bob"))
	assert.Equal(t, []bool{true, false}, h.notes.states())
}

func TestLoginThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.seedOffline("bob", t0.Add(-400*time.Second))
	require.NoError(t, h.deb.Connect(ctx, "bob", "s1"))
	_, _, logins := h.store.counts()
	assert.Equal(t, 1, logins)

	h.store.seedOffline("carol", t0.Add(-100*time.Second))
	require.NoError(t, h.deb.Connect(ctx, "carol", "s1"))
	online, _, logins := h.store.counts()
	assert.Equal(t, 2, online)
	assert.Equal(t, 1, logins)

	rec, err := h.store.GetPresence(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, rec.Online())
	assert.Nil(t, rec.LastLoginAt)
}

func TestReconnectAfterFireSkipsLoginWithinThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.deb.Connect(ctx, "bob", "s1"))
	require.NoError(t, h.deb.Disconnect(ctx, "bob", "s1"))
	h.clock.Advance(10 * time.Second)
	require.Len(t, h.store.offlineTimes(), 1)

	h.clock.Advance(time.Second)
	require.NoError(t, h.deb.Connect(ctx, "bob", "s2"))

	online, offline, logins := h.store.counts()
	assert.Equal(t, 2, online)
	assert.Equal(t, 1, offline)
	assert.Equal(t, 1, logins)
	assert.Equal(t, []bool{true, false, true}, h.notes.states())
}

func TestTwoSessionsCloseOne(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.deb.Connect(ctx, "bob", "s1"))
	require.NoError(t, h.deb.Connect(ctx, "bob", "s2"))
	require.NoError(t, h.deb.Disconnect(ctx, "bob", "s1"))

	assert.True(t, h.registry.IsOnline("bob"))
	assert.False(t, h.deb.Pending("bob"))
	h.clock.Advance(time.Minute)
	assert.Empty(t, h.store.offlineTimes())
}

func TestDisconnectUnknownSessionIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.deb.Disconnect(context.Background(), "bob", "ghost"))
	assert.False(t, h.deb.Pending("bob"))
}

func TestLogoutMarksOfflineImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.deb.Connect(ctx, "bob", "s1"))
	h.clock.Advance(time.Second)
	require.NoError(t, h.deb.Logout(ctx, "bob", "s1"))

	assert.Equal(t, []time.Time{t0.Add(time.Second)}, h.store.offlineTimes())
	assert.False(t, h.deb.Pending("bob"))
	h.clock.Advance(time.Minute)
	assert.Len(t, h.store.offlineTimes(), 1)
}

func TestLogoutDiscardsPendingMark(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.deb.Connect(ctx, "bob", "s1"))
	require.NoError(t, h.deb.Disconnect(ctx, "bob", "s1"))
	require.NoError(t, h.deb.Logout(ctx, "bob", "s1"))

	assert.Len(t, h.store.offlineTimes(), 1)
	h.clock.Advance(time.Minute)
	assert.Len(t, h.store.offlineTimes(), 1)
}

func TestLogoutWithOtherSessionsKeepsOnline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.deb.Connect(ctx, "bob", "s1"))
	require.NoError(t, h.deb.Connect(ctx, "bob", "s2"))
	require.NoError(t, h.deb.Logout(ctx, "bob", "s1"))

	assert.True(t, h.registry.IsOnline("bob"))
	assert.Empty(t, h.store.offlineTimes())
}

func TestConnectStoreFailureIsReturned(t *testing.T) {
	h := newHarness(t)
	h.store.failNext = fmt.Errorf("disk full")

	err := h.deb.Connect(context.Background(), "bob", "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, h.registry.IsOnline("bob"))
}

func TestDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.deb.Dispatch(ctx, Event{Kind: EventConnect, UserID: "bob", SessionID: "s1"}))
	assert.True(t, h.registry.IsOnline("bob"))
	require.NoError(t, h.deb.Dispatch(ctx, Event{Kind: EventDisconnect, UserID: "bob", SessionID: "s1"}))
	assert.True(t, h.deb.Pending("bob"))
	require.NoError(t, h.deb.Dispatch(ctx, Event{Kind: EventLogout, UserID: "bob", SessionID: "s1"}))
	assert.False(t, h.deb.Pending("bob"))

	err := h.deb.Dispatch(ctx, Event{Kind: EventKind(42), UserID: "bob"})
	assert.ErrorContains(t, err, "EventKind(42)")
}

func TestCloseStopsPendingMarks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.deb.Connect(ctx, "bob", "s1"))
	require.NoError(t, h.deb.Disconnect(ctx, "bob", "s1"))
	h.deb.Close()

	h.clock.Advance(time.Minute)
	assert.Empty(t, h.store.offlineTimes())
	assert.ErrorIs(t, h.deb.Connect(ctx, "bob", "s2"), ErrClosed)
}

// A reconnect racing the real timer must always leave the user online, with
// at most one offline mark committed.
func TestReconnectRacingTimer(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		store := newFakeStore()
		registry := NewSessionRegistry()
		deb := NewDebouncer(Config{OfflineDelay: time.Millisecond}, registry, store)

		require.NoError(t, deb.Connect(ctx, "bob", "s1"))
		require.NoError(t, deb.Disconnect(ctx, "bob", "s1"))
		time.Sleep(time.Duration(i%3) * time.Millisecond)
		require.NoError(t, deb.Connect(ctx, "bob", "s2"))

		rec, err := store.GetPresence(ctx, "bob")
		require.NoError(t, err)
		assert.True(t, rec.Online())
		assert.LessOrEqual(t, len(store.offlineTimes()), 1)
		assert.True(t, registry.IsOnline("bob"))
		deb.Close()
	}
}
