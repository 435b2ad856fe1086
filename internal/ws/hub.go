// Package ws pushes scan progress and library change notifications to
// connected players over WebSocket. Messages are fire-and-forget with a
// bounded per-client buffer; slow clients drop the oldest message rather
// than stall the scanner.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"mediakeep/internal/logging"
	"mediakeep/internal/metrics"

	"github.com/gorilla/websocket"
)

// MessageType discriminates envelope payloads.
type MessageType string

const (
	TypeScanProgress   MessageType = "scan.progress"
	TypeScanPhase      MessageType = "scan.phase"
	TypeScanDone       MessageType = "scan.done"
	TypeLibraryChanged MessageType = "library.changed"
	TypeSyncUpdate     MessageType = "sync.update"
	TypePong           MessageType = "pong"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
	maxInboundSize = 4096
)

// Envelope wraps every outbound message. Seq is monotonically increasing
// per hub so clients can detect gaps after a reconnect.
type Envelope struct {
	Type MessageType     `json:"type"`
	Seq  uint64          `json:"seq"`
	TS   int64           `json:"ts"` // unix milliseconds
	Data json.RawMessage `json:"data,omitempty"`
}

// inbound is the only client-to-server message shape.
type inbound struct {
	Type      string  `json:"type"` // "subscribe" or "ping"
	Libraries []int64 `json:"libraries,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu        sync.Mutex
	libraries map[int64]bool // empty means all libraries

	closed    atomic.Bool
	closeOnce sync.Once
}

// subscribedTo reports whether the client wants events for libraryID.
// Library 0 addresses every client (global events).
func (c *client) subscribedTo(libraryID int64) bool {
	if libraryID == 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.libraries) == 0 || c.libraries[libraryID]
}

// Hub fans envelopes out to connected clients.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool

	seq atomic.Uint64
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Players connect from app webviews and local hostnames;
			// session auth happens before the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]bool),
	}
}

// ServeHTTP upgrades the request and services the connection until the
// client goes away. Authentication is the caller's responsibility.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("ws: upgrade failed: %v", err)
		return
	}

	c := &client{
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		libraries: make(map[int64]bool),
	}

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	metrics.WSConnectionsActive.Set(float64(count))
	logging.Debug("ws: client connected (%d active)", count)

	go h.writePump(c)
	h.readPump(c)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish broadcasts a typed payload to every client subscribed to the
// library. A libraryID of 0 reaches all clients.
func (h *Hub) Publish(msgType MessageType, libraryID int64, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		logging.Error("ws: failed to marshal %s payload: %v", msgType, err)
		return
	}
	env := Envelope{
		Type: msgType,
		Seq:  h.seq.Add(1),
		TS:   time.Now().UnixMilli(),
		Data: payload,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		logging.Error("ws: failed to marshal envelope: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.closed.Load() || !c.subscribedTo(libraryID) {
			continue
		}
		c.enqueue(raw)
		metrics.WSMessagesSent.WithLabelValues(string(msgType)).Inc()
	}
}

// enqueue adds a message to the client's send buffer, dropping the oldest
// pending message when the buffer is full.
func (c *client) enqueue(raw []byte) {
	select {
	case c.send <- raw:
		return
	default:
	}
	// Buffer full: make room by discarding the oldest entry
	select {
	case <-c.send:
		metrics.WSMessagesDropped.Inc()
	default:
	}
	select {
	case c.send <- raw:
	default:
		metrics.WSMessagesDropped.Inc()
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.shutdown()
		delete(h.clients, c)
	}
	metrics.WSConnectionsActive.Set(0)
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
		_ = c.conn.Close()
	})
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	c.shutdown()
	metrics.WSConnectionsActive.Set(float64(count))
	logging.Debug("ws: client disconnected (%d active)", count)
}

// readPump consumes client messages: subscription updates and pings. It
// owns connection teardown.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.mu.Lock()
			c.libraries = make(map[int64]bool, len(msg.Libraries))
			for _, id := range msg.Libraries {
				c.libraries[id] = true
			}
			c.mu.Unlock()
		case "ping":
			env := Envelope{Type: TypePong, Seq: h.seq.Add(1), TS: time.Now().UnixMilli()}
			if raw, err := json.Marshal(env); err == nil {
				c.enqueue(raw)
				metrics.WSMessagesSent.WithLabelValues(string(TypePong)).Inc()
			}
		}
	}
}

// writePump drains the send buffer and keeps the connection alive with
// periodic pings. gorilla/websocket forbids concurrent writers, so this
// goroutine is the only writer.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
