package ledger

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/events"
	"chatcore/internal/metrics"
	"chatcore/internal/storage"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type manualNow struct {
	mu  sync.Mutex
	now time.Time
}

func (m *manualNow) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualNow) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

type recorder struct {
	events.Nop
	mu       sync.Mutex
	created  []events.MessageCreated
	statuses []events.MessageStatusChanged
}

func (r *recorder) MessageCreated(_ context.Context, evt events.MessageCreated) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, evt)
}

func (r *recorder) MessageStatusChanged(_ context.Context, evt events.MessageStatusChanged) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, evt)
}

type fixture struct {
	store *storage.Store
	clock *manualNow
	notes *recorder
	led   *Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: newTestStore(t),
		clock: &manualNow{now: t0},
		notes: &recorder{},
	}
	f.led = New(f.store, WithNow(f.clock.Now), WithNotifier(f.notes), WithMetrics(metrics.NewMetrics()))
	return f
}

func (f *fixture) chat(t *testing.T, kind storage.ChatKind, members ...string) *storage.Chat {
	t.Helper()
	in := storage.NewChat{Kind: kind, Members: members, CreatedAt: t0}
	if kind == storage.ChatDirect {
		in.DirectKey = strings.Join(members, "|")
	}
	chat, err := f.store.CreateChat(context.Background(), in)
	require.NoError(t, err)
	return chat
}

func TestCreateMessageSeedsOneRowPerRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.chat(t, storage.ChatGroup, "alice", "bob", "carol")

	msg, err := f.led.CreateMessage(ctx, chat.ID, "alice", "hello")
	require.NoError(t, err)
	assert.Equal(t, t0, msg.SentAt)

	statuses, err := f.store.ListStatuses(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	for _, s := range statuses {
		assert.Nil(t, s.DeliveredAt)
		assert.Nil(t, s.ReadAt)
	}

	require.Len(t, f.notes.created, 1)
	assert.Equal(t, []string{"bob", "carol"}, f.notes.created[0].Recipients)
	assert.Equal(t, msg.ID, f.notes.created[0].Message.ID)
}

func TestCreateMessageRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.chat(t, storage.ChatDirect, "alice", "bob")

	_, err := f.led.CreateMessage(ctx, chat.ID, "alice", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = f.led.CreateMessage(ctx, chat.ID, "mallory", "hi")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.led.CreateMessage(ctx, chat.ID+99, "alice", "hi")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, f.notes.created)
}

func TestMarkDeliveredAggregatesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.chat(t, storage.ChatGroup, "alice", "bob", "carol")
	msg, err := f.led.CreateMessage(ctx, chat.ID, "alice", "hello")
	require.NoError(t, err)

	f.clock.Set(t0.Add(time.Second))
	all, err := f.led.MarkDelivered(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.False(t, all)

	all, err = f.led.MarkDelivered(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.False(t, all)

	all, err = f.led.MarkDelivered(ctx, msg.ID, "carol")
	require.NoError(t, err)
	assert.True(t, all)

	require.Len(t, f.notes.statuses, 2)
	first := f.notes.statuses[0]
	assert.Equal(t, "bob", first.UserID)
	assert.Equal(t, "alice", first.SenderID)
	assert.True(t, first.Delivered)
	assert.False(t, first.Read)
	assert.False(t, first.AllDelivered)
	assert.True(t, f.notes.statuses[1].AllDelivered)
}

func TestMarkReadImpliesDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.chat(t, storage.ChatDirect, "alice", "bob")
	msg, err := f.led.CreateMessage(ctx, chat.ID, "alice", "hello")
	require.NoError(t, err)

	f.clock.Set(t0.Add(2 * time.Second))
	all, err := f.led.MarkRead(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.True(t, all)

	status, err := f.store.GetStatus(ctx, msg.ID, "bob")
	require.NoError(t, err)
	require.NotNil(t, status.DeliveredAt)
	require.NotNil(t, status.ReadAt)
	assert.Equal(t, t0.Add(2*time.Second), *status.ReadAt)

	f.clock.Set(t0.Add(time.Minute))
	all, err = f.led.MarkRead(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.True(t, all)
	status, err = f.store.GetStatus(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Second), *status.ReadAt)

	require.Len(t, f.notes.statuses, 1)
	assert.True(t, f.notes.statuses[0].Read)
	assert.True(t, f.notes.statuses[0].AllRead)
}

func TestStatusOfNonParticipantIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.chat(t, storage.ChatDirect, "alice", "bob")
	msg, err := f.led.CreateMessage(ctx, chat.ID, "alice", "hello")
	require.NoError(t, err)

	_, err = f.led.MarkDelivered(ctx, msg.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.led.MarkRead(ctx, msg.ID+1, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.led.MessageStatuses(ctx, msg.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotFound)

	statuses, err := f.led.MessageStatuses(ctx, msg.ID, "alice")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "bob", statuses[0].UserID)
}

func TestSkewedClockIsClampedToSentTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.chat(t, storage.ChatDirect, "alice", "bob")
	msg, err := f.led.CreateMessage(ctx, chat.ID, "alice", "hello")
	require.NoError(t, err)

	f.clock.Set(t0.Add(-time.Hour))
	_, err = f.led.MarkRead(ctx, msg.ID, "bob")
	require.NoError(t, err)

	status, err := f.store.GetStatus(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, t0, *status.DeliveredAt)
	assert.Equal(t, t0, *status.ReadAt)
}

func TestVacuousAggregateForMessageWithoutRecipients(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.chat(t, storage.ChatGroup, "alice")
	msg, err := f.led.CreateMessage(ctx, chat.ID, "alice", "note to self")
	require.NoError(t, err)

	counts, err := f.store.CountStatuses(ctx, msg.ID)
	require.NoError(t, err)
	assert.Zero(t, counts.Total)
	assert.True(t, counts.AllDelivered())
	assert.True(t, counts.AllRead())
}

func TestUnreadCountIsNonIncreasingAsMessagesAreRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.chat(t, storage.ChatGroup, "alice", "bob")

	var ids []int64
	for i := 0; i < 4; i++ {
		f.clock.Set(t0.Add(time.Duration(i+1) * time.Second))
		msg, err := f.led.CreateMessage(ctx, chat.ID, "alice", "m")
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	prev, err := f.led.UnreadCountSince(ctx, "bob", nil, t0)
	require.NoError(t, err)
	assert.Equal(t, 4, prev)
	for _, id := range ids {
		_, err := f.led.MarkRead(ctx, id, "bob")
		require.NoError(t, err)
		n, err := f.led.UnreadCountSince(ctx, "bob", nil, t0)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, prev)
		prev = n
	}
	assert.Zero(t, prev)
}

func TestOfflineRecipientScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.chat(t, storage.ChatDirect, "alice", "bob")
	lastOnline := t0.Add(-400 * time.Second)
	require.NoError(t, f.store.MarkOffline(ctx, "bob", lastOnline))

	msg, err := f.led.CreateMessage(ctx, chat.ID, "alice", "are you there?")
	require.NoError(t, err)

	status, err := f.store.GetStatus(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.Nil(t, status.DeliveredAt)
	assert.Nil(t, status.ReadAt)

	n, err := f.led.UnreadCountSince(ctx, "bob", &chat.ID, lastOnline)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.clock.Set(t0.Add(time.Minute))
	delivered, err := f.led.DeliverPending(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	_, err = f.led.MarkRead(ctx, msg.ID, "bob")
	require.NoError(t, err)
	n, err = f.led.UnreadCountSince(ctx, "bob", &chat.ID, lastOnline)
	require.NoError(t, err)
	assert.Zero(t, n)

	total, err := f.led.UnreadMessageCount(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestDeliverPendingAndMarkChatRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.chat(t, storage.ChatDirect, "alice", "bob")
	second := f.chat(t, storage.ChatDirect, "bob", "carol")

	for i := 0; i < 2; i++ {
		_, err := f.led.CreateMessage(ctx, first.ID, "alice", "a")
		require.NoError(t, err)
	}
	_, err := f.led.CreateMessage(ctx, second.ID, "carol", "c")
	require.NoError(t, err)

	n, err := f.led.DeliverPending(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = f.led.DeliverPending(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.led.MarkChatRead(ctx, first.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	total, err := f.led.UnreadMessageCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, err = f.led.MarkChatRead(ctx, first.ID, "carol")
	assert.ErrorIs(t, err, ErrNotFound)

	require.Len(t, f.notes.statuses, 5)
	last := f.notes.statuses[4]
	assert.True(t, last.Read)
	assert.True(t, last.AllRead)
}

func TestHistoryPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.chat(t, storage.ChatDirect, "alice", "bob")

	var ids []int64
	for i := 0; i < 5; i++ {
		msg, err := f.led.CreateMessage(ctx, chat.ID, "alice", "m")
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	page, err := f.led.History(ctx, chat.ID, "bob", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	page, err = f.led.History(ctx, chat.ID, "bob", ids[3], 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[0], page[2].ID)

	_, err = f.led.History(ctx, chat.ID, "mallory", 0, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInitializeStatusIsRepeatable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.chat(t, storage.ChatGroup, "alice", "bob")
	msg, err := f.led.CreateMessage(ctx, chat.ID, "alice", "hello")
	require.NoError(t, err)
	_, err = f.led.MarkRead(ctx, msg.ID, "bob")
	require.NoError(t, err)

	recipients, err := f.led.InitializeStatus(ctx, msg.ID, chat.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, recipients)

	status, err := f.store.GetStatus(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.NotNil(t, status.ReadAt)
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := storage.NewStore("sqlite://file:ledger_" + name + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	require.NoError(t, store.Migrate(context.Background()))
	return store
}
