package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/store"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadLimit    = 4 << 10
)

// wsClient pumps queued messages to one websocket connection.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu       sync.Mutex
	finished bool
	once     sync.Once
}

func newWSClient(conn *websocket.Conn, buffer int) *wsClient {
	return &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// enqueue drops the message when the buffer is full or the client is closing.
func (c *wsClient) enqueue(payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// finish queues a last message, blocking until there is room, then makes the
// writer close the connection once the queue is drained.
func (c *wsClient) finish(payload any) {
	data, err := json.Marshal(payload)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.finished = true
	if err == nil {
		select {
		case c.send <- data:
		case <-c.done:
		}
	}
	close(c.send)
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readLoop discards inbound messages and closes the client on any read
// error, which is how a disconnect is noticed.
func (c *wsClient) readLoop() {
	defer c.close()
	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writeLoop() {
	defer c.close()
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

type streamMessage struct {
	Type   string        `json:"type"`
	Record *store.Record `json:"record,omitempty"`
}

// resultHub fans stored records out to /api/results/stream subscribers.
type resultHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newResultHub() *resultHub {
	return &resultHub{clients: make(map[*wsClient]struct{})}
}

func (h *resultHub) Register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *resultHub) Unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *resultHub) Broadcast(msg streamMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.enqueue(msg)
	}
}

func (h *resultHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *resultHub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{CheckOrigin: s.originAllowed}
}

// originAllowed accepts requests without an Origin, any origin when CORS is
// open, the configured origin, and same-host pages.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := s.cfg.Server.CORSOrigin
	if allowed == "*" || strings.EqualFold(strings.TrimRight(origin, "/"), strings.TrimRight(allowed, "/")) {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}

func (s *Server) handleResultStream(w http.ResponseWriter, r *http.Request) {
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := newWSClient(conn, 32)
	s.hub.Register(client)
	s.metrics.IncWSClients()
	go func() {
		<-client.done
		s.hub.Unregister(client)
		s.metrics.DecWSClients()
	}()
	go client.readLoop()
	go client.writeLoop()
}
