package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 64
)

// Hub pushes events to websocket clients subscribed to the event's channels.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	log     logrus.FieldLogger
}

type wsClient struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	channels map[string]bool
}

// NewHub creates an empty hub
func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{clients: map[*wsClient]struct{}{}, log: log}
}

func (h *Hub) Name() string { return "websocket" }

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve registers conn for channels and blocks until the connection closes.
func (h *Hub) Serve(conn *websocket.Conn, channels []string) {
	c := &wsClient{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		channels: map[string]bool{},
	}
	for _, ch := range channels {
		c.channels[ch] = true
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.WithFields(logrus.Fields{"client_id": c.id, "channels": channels}).Debug("websocket client connected")

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Clients only send control frames; anything they write is discarded.
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithField("client_id", c.id).WithError(err).Warn("websocket read failed")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type wsMessage struct {
	Channel string `json:"channel"`
	Event   Event  `json:"event"`
}

// Publish queues the event for every subscribed client. A client whose buffer is full misses it.
func (h *Hub) Publish(_ context.Context, e Event) error {
	channels := e.Channels()
	payloads := make(map[string][]byte, len(channels))
	for _, ch := range channels {
		data, err := json.Marshal(wsMessage{Channel: ch, Event: e})
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		payloads[ch] = data
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	dropped := 0
	for c := range h.clients {
		for _, ch := range channels {
			if !c.channels[ch] {
				continue
			}
			select {
			case c.send <- payloads[ch]:
			default:
				dropped++
			}
		}
	}
	if dropped > 0 {
		return fmt.Errorf("dropped event %s for %d slow subscriptions", e.ID, dropped)
	}
	return nil
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
