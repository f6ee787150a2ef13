package chatlist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/chats"
	"chatcore/internal/storage"
)

func sampleSummaries() []chats.Summary {
	sent := time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC)
	return []chats.Summary{
		{
			ChatID: 2, Kind: storage.ChatDirect, Name: "Bob", PeerID: "bob",
			LastMessage:  &chats.LastMessage{ID: 7, SenderID: "bob", Content: "hello there", SentAt: sent},
			Unread:       3,
			Pinned:       true,
			OnlineCount:  1,
			Participants: 2,
		},
		{ChatID: 1, Kind: storage.ChatGroup, Name: "Team", OnlineCount: 1, Participants: 4, Muted: true},
	}
}

func TestAPISummaries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chats", r.URL.Path)
		assert.Equal(t, "alice", r.Header.Get("X-User-ID"))
		_ = json.NewEncoder(w).Encode(map[string]any{"chats": sampleSummaries()})
	}))
	defer srv.Close()

	got, err := NewAPI(srv.URL+"/", "alice").Summaries(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "bob", got[0].PeerID)
	assert.Equal(t, 3, got[0].Unread)
}

func TestAPISurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chats/9/pin", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"chat not found"}`))
	}))
	defer srv.Close()

	err := NewAPI(srv.URL, "alice").SetPinned(context.Background(), 9, true)
	require.ErrorContains(t, err, "chat not found")
}

func TestWebsocketURL(t *testing.T) {
	got, err := NewAPI("https://chat.example.com/api", "a b").WebsocketURL("/ws")
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/api/ws?user=a+b", got)

	_, err = NewAPI("ftp://host", "alice").WebsocketURL("")
	require.Error(t, err)
}

func TestSummaryRow(t *testing.T) {
	rows := sampleSummaries()
	direct := summaryRow(rows[0])
	assert.Equal(t, "*", direct[0])
	assert.Equal(t, "Bob", direct[1])
	assert.Equal(t, "bob: hello there", direct[2])
	assert.Equal(t, "3", direct[4])
	assert.Equal(t, "online", direct[5])

	group := summaryRow(rows[1])
	assert.Equal(t, "~", group[0])
	assert.Empty(t, group[2])
	assert.Empty(t, group[4])
	assert.Equal(t, "1/3", group[5])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "a b", truncate("a\nb", 5))
}

func TestModelRendersFetchedChats(t *testing.T) {
	model := NewModel(NewAPI("http://127.0.0.1:1", "alice"), "/ws")
	assert.Contains(t, model.View(), "No chats yet")

	_, cmd := model.Update(summariesMsg(sampleSummaries()))
	assert.Nil(t, cmd)
	view := model.View()
	assert.Contains(t, view, "Bob")
	assert.Contains(t, view, "Team")
	assert.Contains(t, view, "connecting")

	chat, ok := model.selected()
	require.True(t, ok)
	assert.Equal(t, int64(2), chat.ChatID)
}

func TestModelConnectionState(t *testing.T) {
	model := NewModel(NewAPI("http://127.0.0.1:1", "alice"), "/ws")

	_, cmd := model.Update(fetchFailedMsg{err: errors.New("boom")})
	assert.Nil(t, cmd)
	assert.Contains(t, model.View(), "boom")

	_, cmd = model.Update(summariesMsg(nil))
	assert.Nil(t, cmd)
	assert.NoError(t, model.lastErr)

	_, cmd = model.Update(readErrMsg{err: errors.New("closed")})
	assert.NotNil(t, cmd)
	assert.False(t, model.connected)

	_, cmd = model.Update(pushMsg("message_created"))
	assert.NotNil(t, cmd)
}

func TestModelQuits(t *testing.T) {
	model := NewModel(NewAPI("http://127.0.0.1:1", "alice"), "/ws")
	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}
