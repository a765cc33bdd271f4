package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"upsagent/internal/gate"
	"upsagent/internal/telemetry"
)

const (
	liveSendBuffer = 8
	liveWriteWait  = 5 * time.Second
)

// LiveHub streams every published payload to websocket clients.
// Slow clients miss messages instead of stalling the sampler.
type LiveHub struct {
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*liveClient]struct{}
	closed  bool
}

type liveClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewLiveHub creates an empty hub
func NewLiveHub(logger *log.Logger) *LiveHub {
	return &LiveHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*liveClient]struct{}),
	}
}

// OnPublish broadcasts the wire payload of a published sample
func (h *LiveHub) OnPublish(snap telemetry.Snapshot, _ gate.Reason) {
	payload, err := snap.Payload()
	if err != nil {
		h.logf("[Live] Failed to encode payload: %v", err)
		return
	}
	h.Broadcast(payload)
}

// Broadcast queues payload for every connected client
func (h *LiveHub) Broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Client is behind; drop this message for it.
		}
	}
}

// Clients returns the number of connected clients
func (h *LiveHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades GET /api/live to a websocket
func (h *LiveHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logf("[Live] WebSocket upgrade failed: %v", err)
		return
	}

	c := &liveClient{conn: ws, send: make(chan []byte, liveSendBuffer)}
	if !h.add(c) {
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		ws.Close()
		return
	}
	h.logf("[Live] Client connected: %s", r.RemoteAddr)

	go h.writeLoop(c)

	// Read until the client goes away; incoming messages are ignored.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logf("[Live] Read error: %v", err)
			}
			break
		}
	}

	h.remove(c)
	h.logf("[Live] Client disconnected: %s", r.RemoteAddr)
}

func (h *LiveHub) writeLoop(c *liveClient) {
	defer c.conn.Close()
	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

func (h *LiveHub) add(c *liveClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *LiveHub) remove(c *liveClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects every client and refuses new ones
func (h *LiveHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *LiveHub) logf(format string, v ...interface{}) {
	if h.logger != nil {
		h.logger.Printf(format, v...)
	}
}
