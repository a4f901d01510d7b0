package api

import (
	"net/http"
	"sync"
	"time"

	"codeberg.org/mutker/svmetrics/internal/collector"
	"codeberg.org/mutker/svmetrics/internal/logger"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	dashboardRoom = "dashboard"
	sendBuffer    = 16
	writeTimeout  = 5 * time.Second
)

type refreshMessage struct {
	Type  string          `json:"type"`
	Room  string          `json:"room"`
	Event collector.Event `json:"event"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub pushes a refresh message to every connected dashboard on each
// collector event. It implements collector.Notifier.
type Hub struct {
	upgrader websocket.Upgrader
	log      logger.Logger

	mu      sync.Mutex
	clients map[string]*client
}

func NewHub(log logger.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log:     log.With("ws"),
		clients: make(map[string]*client),
	}
}

// Notify never blocks; a client whose buffer is full misses the message.
func (h *Hub) Notify(event collector.Event) {
	msg, err := json.Marshal(refreshMessage{Type: "refresh", Room: dashboardRoom, Event: event})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode refresh message")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Debug().Str("client", c.id).Msg("Dashboard client too slow, dropping refresh")
		}
	}
}

// Clients returns the number of connected dashboards.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	h.register(c)
	go c.writeLoop()

	// dashboards do not send anything; reading detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.unregister(c)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Debug().Str("client", c.id).Int("clients", n).Msg("Dashboard connected")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()

	c.conn.Close()
	h.log.Debug().Str("client", c.id).Msg("Dashboard disconnected")
}

func (c *client) writeLoop() {
	for msg := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
