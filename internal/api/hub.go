package api

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"
)

// Event names pushed to websocket subscribers.
const (
	EventLogger       = "logger"
	EventJobCancelled = "job-cancelled"
)

// Event is the envelope for every websocket message.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

const clientBuffer = 64

// Hub fans events out to connected websocket clients. A slow client drops
// events rather than stalling the broadcaster.
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn net.Conn
	send chan []byte
	once sync.Once
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{logger: logger, clients: make(map[*wsClient]struct{})}
}

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects. Incoming frames are read only to notice the disconnect.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	h.logger.Info("client connected", zap.String("remote", r.RemoteAddr))

	go h.writeLoop(c)

	for {
		if _, _, err := wsutil.ReadClientData(conn); err != nil {
			break
		}
	}
	h.unregister(c)
	h.logger.Info("client disconnected", zap.String("remote", r.RemoteAddr))
}

// Broadcast queues the event for every connected client.
func (h *Hub) Broadcast(name string, data any) {
	msg, err := json.Marshal(Event{Event: name, Data: data})
	if err != nil {
		h.logger.Error("failed to marshal event", zap.String("event", name), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("client too slow, dropping event", zap.String("event", name))
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.closed = true
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) writeLoop(c *wsClient) {
	for msg := range c.send {
		if err := wsutil.WriteServerText(c.conn, msg); err != nil {
			h.logger.Debug("websocket write failed", zap.Error(err))
			_ = c.conn.Close()
			return
		}
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}
