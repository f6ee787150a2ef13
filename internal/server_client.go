package internal

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 8192
	sendBuffer = 256
)

// inboundFrame is an acknowledgement sent by a client.
type inboundFrame struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
}

// Client is one websocket session of a user.
type Client struct {
	hub          *Hub
	conn         *websocket.Conn
	send         chan []byte
	userID       string
	sessionID    string
	onFrame      func(*Client, inboundFrame)
	onDisconnect func()
}

func newClient(hub *Hub, conn *websocket.Conn, userID, sessionID string) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		userID:    userID,
		sessionID: sessionID,
	}
}

func (client *Client) readPump() {
	defer func() {
		client.hub.unregister(client)
		client.conn.Close()
		if client.onDisconnect != nil {
			client.onDisconnect()
		}
		client.hub.pumps.Done()
	}()
	client.conn.SetReadLimit(maxMsgSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			// read error ends the loop so the deferred cleanup can fire.
			break
		}
		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			client.reply(Frame{Type: TypeError, Error: "malformed frame"})
			continue
		}
		if client.onFrame != nil {
			client.onFrame(client, frame)
		}
	}
}

func (client *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a frame for this client only. It must not race with the hub
// closing send, so it goes through the hub lock.
func (client *Client) reply(frame Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	client.hub.mutex.RLock()
	defer client.hub.mutex.RUnlock()
	if _, ok := client.hub.clients[client.userID][client]; !ok {
		return
	}
	select {
	case client.send <- payload:
	default:
	}
}
