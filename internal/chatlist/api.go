package chatlist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatcore/internal/chats"
)

const httpTimeout = 5 * time.Second

// API talks to the chatcore HTTP surface on behalf of one user.
type API struct {
	baseURL string
	userID  string
	client  *http.Client
}

func NewAPI(baseURL, userID string) *API {
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		client:  &http.Client{Timeout: httpTimeout},
	}
}

// Summaries fetches the caller's chat list.
func (a *API) Summaries(ctx context.Context) ([]chats.Summary, error) {
	var resp struct {
		Chats []chats.Summary `json:"chats"`
	}
	if err := a.do(ctx, http.MethodGet, "/chats", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

// MarkChatRead acknowledges every message in the chat.
func (a *API) MarkChatRead(ctx context.Context, chatID int64) error {
	return a.do(ctx, http.MethodPost, fmt.Sprintf("/chats/%d/read", chatID), nil, nil)
}

// SetPinned pins or unpins a chat for the caller.
func (a *API) SetPinned(ctx context.Context, chatID int64, pinned bool) error {
	action := "unpin"
	if pinned {
		action = "pin"
	}
	return a.do(ctx, http.MethodPost, fmt.Sprintf("/chats/%d/%s", chatID, action), nil, nil)
}

// WebsocketURL converts the HTTP base URL into the push endpoint for this user.
func (a *API) WebsocketURL(path string) (string, error) {
	parsed, err := url.Parse(a.baseURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	if path == "" {
		path = "/ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + path
	parsed.RawQuery = url.Values{"user": {a.userID}}.Encode()
	return parsed.String(), nil
}

func (a *API) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-User-ID", a.userID)
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}
