// Package monitor pushes registry snapshots to websocket clients.
package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"stream-registry/internal/registry"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 8
	writeTimeout = 5 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected websocket clients. Every client receives the current
// snapshot on connect and each published snapshot afterwards. Clients that
// fall behind are disconnected.
type Hub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger
	current  func() registry.Snapshot

	mu      sync.Mutex
	clients map[*client]struct{}
	origins map[string]struct{}
}

// NewHub returns a Hub. current supplies the snapshot sent to new clients.
func NewHub(log *slog.Logger, current func() registry.Snapshot) *Hub {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	h := &Hub{
		log:     log,
		current: current,
		clients: make(map[*client]struct{}),
		origins: make(map[string]struct{}),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// AllowOrigins permits browser connections from the given origins
// (scheme://host[:port]) in addition to same-origin ones. "*" allows any.
func (h *Hub) AllowOrigins(origins ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, o := range origins {
		o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
		if o != "" {
			h.origins[o] = struct{}{}
		}
	}
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients), same-origin requests and configured origins.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.origins["*"]; ok {
		return true
	}
	_, ok := h.origins[strings.ToLower(strings.TrimRight(origin, "/"))]
	if !ok {
		h.log.Info("ws origin rejected", slog.String("origin", origin))
	}
	return ok
}

// Publish implements registry.Broadcaster.
func (h *Hub) Publish(snap registry.Snapshot) {
	msg, err := json.Marshal(snap)
	if err != nil {
		h.log.Error("encode snapshot", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Info("dropping slow monitor client", slog.String("remote", c.conn.RemoteAddr().String()))
			h.removeLocked(c)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if err := h.register(c); err != nil {
		h.log.Error("encode snapshot", slog.String("error", err.Error()))
		conn.Close()
		return
	}
	go h.writePump(c)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("ws read", slog.String("error", err.Error()))
			}
			break
		}
	}

	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

// register adds c and queues the current snapshot ahead of any publish.
func (h *Hub) register(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	msg, err := json.Marshal(h.current())
	if err != nil {
		return err
	}
	h.clients[c] = struct{}{}
	c.send <- msg
	return nil
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Debug("ws write", slog.String("error", err.Error()))
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
}

// removeLocked drops c; its write pump then closes the connection.
// Caller must hold h.mu.
func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}
