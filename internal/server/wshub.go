package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vibekit/vibekit/internal/status"
)

// MsgRunStatus is the message type for run status events.
const MsgRunStatus = "run_status"

// WSMessage is the envelope sent to WebSocket clients.
type WSMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// NewWSMessage creates a WSMessage with the given type and payload.
// Returns an error if payload cannot be marshaled to JSON.
func NewWSMessage(msgType string, payload any) (WSMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return WSMessage{}, err
	}
	return WSMessage{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// Hub serves WebSocket connections that stream status events. Each client
// redeems a subscription token on connect and receives only the events of
// the topics that token was issued for.
type Hub struct {
	channel *status.Channel
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewHub creates a Hub streaming events from the given status channel.
func NewHub(channel *status.Channel, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		channel: channel,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) addClient(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) removeClient(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS redeems the token from the query string, upgrades the connection,
// and streams the subscription's events until either side disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	tokenID := r.URL.Query().Get("token")
	if tokenID == "" {
		writeError(w, http.StatusUnauthorized, "missing subscription token")
		return
	}

	sub, err := h.channel.Redeem(tokenID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		h.logger.Error("upgrading to websocket", "error", err)
		return
	}

	c := &wsClient{
		hub:  h,
		conn: conn,
		sub:  sub,
		send: make(chan []byte, 64),
	}
	h.addClient(c)

	go c.writePump()
	go c.forward()
	go c.readPump()
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	sub  *status.Subscription
	send chan []byte
}

// forward moves events from the subscription to the send channel, wrapped in
// the message envelope. When the subscription closes it closes the send
// channel, which terminates the write pump. A client that cannot keep up
// misses events rather than blocking the stream.
func (c *wsClient) forward() {
	defer close(c.send)

	for e := range c.sub.Events() {
		msg, err := NewWSMessage(MsgRunStatus, e)
		if err != nil {
			continue
		}
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		default:
			c.hub.logger.Warn("dropping status event for slow websocket client", "log_id", e.LogID)
		}
	}
}

// readPump reads messages from the WebSocket connection. We don't expect
// meaningful client-to-server messages; the pump exists to detect disconnects
// and respond to pings/pongs. On disconnect it closes the subscription,
// which unwinds the forward and write pumps.
func (c *wsClient) readPump() {
	defer func() {
		c.sub.Close()
		c.conn.Close()
		c.hub.removeClient(c)
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// writePump sends messages from the send channel to the WebSocket connection.
// It also sends periodic pings to keep the connection alive.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
