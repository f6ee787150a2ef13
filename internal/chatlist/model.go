package chatlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"chatcore/internal/chats"
)

const retryDelay = 3 * time.Second

type (
	summariesMsg     []chats.Summary
	fetchFailedMsg   struct{ err error }
	connectedMsg     struct{}
	connectFailedMsg struct{ err error }
	// pushMsg is one frame type received on the websocket.
	pushMsg       string
	readErrMsg    struct{ err error }
	reconnectMsg  struct{}
	actionDoneMsg struct{ err error }
)

// Model is the chat-list screen. It refetches the list whenever the server
// pushes an event for the user.
type Model struct {
	api       *API
	wsPath    string
	table     table.Model
	summaries []chats.Summary
	conn      *websocket.Conn
	connMu    sync.Mutex
	connected bool
	lastErr   error
	updatedAt time.Time
}

func NewModel(api *API, wsPath string) *Model {
	t := table.New(
		table.WithColumns(columns()),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	t.SetStyles(tableStyles())
	return &Model{api: api, wsPath: wsPath, table: t}
}

func (model *Model) Init() tea.Cmd {
	return tea.Batch(model.fetchCmd(), model.connectCmd())
}

func (model *Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := message.(type) {
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "q", "esc":
			model.closeConn()
			return model, tea.Quit
		case "r":
			return model, model.fetchCmd()
		case "enter":
			if chat, ok := model.selected(); ok && chat.Unread > 0 {
				return model, model.actionCmd(func(ctx context.Context) error {
					return model.api.MarkChatRead(ctx, chat.ChatID)
				})
			}
			return model, nil
		case "p":
			if chat, ok := model.selected(); ok {
				return model, model.actionCmd(func(ctx context.Context) error {
					return model.api.SetPinned(ctx, chat.ChatID, !chat.Pinned)
				})
			}
			return model, nil
		}
	case summariesMsg:
		model.setSummaries(typed)
		model.lastErr = nil
		model.updatedAt = time.Now()
		return model, nil
	case fetchFailedMsg:
		model.lastErr = typed.err
		return model, nil
	case actionDoneMsg:
		if typed.err != nil {
			model.lastErr = typed.err
			return model, nil
		}
		return model, model.fetchCmd()
	case connectedMsg:
		model.connected = true
		return model, model.readOnceCmd()
	case connectFailedMsg:
		model.connected = false
		model.lastErr = typed.err
		return model, model.scheduleReconnect()
	case pushMsg:
		if typed == "" || typed == "session" || typed == "error" {
			return model, model.readOnceCmd()
		}
		return model, tea.Batch(model.fetchCmd(), model.readOnceCmd())
	case readErrMsg:
		model.connected = false
		model.closeConn()
		model.lastErr = typed.err
		return model, model.scheduleReconnect()
	case reconnectMsg:
		return model, model.connectCmd()
	}

	var cmd tea.Cmd
	model.table, cmd = model.table.Update(message)
	return model, cmd
}

func (model *Model) setSummaries(summaries []chats.Summary) {
	model.summaries = summaries
	rows := make([]table.Row, 0, len(summaries))
	for _, summary := range summaries {
		rows = append(rows, summaryRow(summary))
	}
	model.table.SetRows(rows)
}

func (model *Model) selected() (chats.Summary, bool) {
	idx := model.table.Cursor()
	if idx < 0 || idx >= len(model.summaries) {
		return chats.Summary{}, false
	}
	return model.summaries[idx], true
}

func (model *Model) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
		defer cancel()
		summaries, err := model.api.Summaries(ctx)
		if err != nil {
			return fetchFailedMsg{err: err}
		}
		return summariesMsg(summaries)
	}
}

func (model *Model) actionCmd(action func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
		defer cancel()
		return actionDoneMsg{err: action(ctx)}
	}
}

// connectCmd dials the push socket and reports the outcome.
func (model *Model) connectCmd() tea.Cmd {
	return func() tea.Msg {
		wsURL, err := model.api.WebsocketURL(model.wsPath)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		header := http.Header{}
		header.Set("X-User-ID", model.api.userID)
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		model.connMu.Lock()
		model.conn = conn
		model.connMu.Unlock()
		return connectedMsg{}
	}
}

// readOnceCmd reads a single frame; Update schedules it again to keep reading.
func (model *Model) readOnceCmd() tea.Cmd {
	return func() tea.Msg {
		model.connMu.Lock()
		conn := model.conn
		model.connMu.Unlock()
		if conn == nil {
			return readErrMsg{err: errors.New("websocket not connected")}
		}
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return readErrMsg{err: err}
		}
		if messageType != websocket.TextMessage {
			return pushMsg("")
		}
		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			return readErrMsg{err: fmt.Errorf("decode frame: %w", err)}
		}
		return pushMsg(frame.Type)
	}
}

func (model *Model) scheduleReconnect() tea.Cmd {
	return tea.Tick(retryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

func (model *Model) closeConn() {
	model.connMu.Lock()
	defer model.connMu.Unlock()
	if model.conn == nil {
		return
	}
	_ = model.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = model.conn.Close()
	model.conn = nil
}

// Run launches the chat-list program for the given user.
func Run(baseURL, wsPath, userID string) error {
	program := tea.NewProgram(NewModel(NewAPI(baseURL, userID), wsPath), tea.WithAltScreen())
	_, err := program.Run()
	return err
}
