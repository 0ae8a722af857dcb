// Package dashboard is the read-only operational feed for the gateway: a
// websocket hub broadcasting connection-state transitions, heartbeat
// misses, and Pending Registry statistics to connected operator consoles.
// Adapted from the teacher's consumer/websocket.go WebSocketHub — same
// register/unregister/broadcast event loop and ping/pong-keepalive client
// pumps, rebuilt to broadcast gateway Events instead of transaction/metrics
// messages.
package dashboard

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // operator console runs on a separate origin in dev
	},
}

// EventType discriminates the payload carried by an Event.
type EventType string

const (
	EventPairStateChange EventType = "pair_state_change"
	EventHeartbeatMiss   EventType = "heartbeat_miss"
	EventRegistryStats   EventType = "registry_stats"
)

// Event is one broadcast unit on the dashboard feed.
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// PairStateChangeData is the payload for EventPairStateChange.
type PairStateChangeData struct {
	State string `json:"state"`
}

// HeartbeatMissData is the payload for EventHeartbeatMiss.
type HeartbeatMissData struct {
	ChannelName string `json:"channelName"`
}

// RegistryStatsData is the payload for EventRegistryStats.
type RegistryStatsData struct {
	Registered     int64 `json:"registered"`
	Completed      int64 `json:"completed"`
	TimedOut       int64 `json:"timedOut"`
	Cancelled      int64 `json:"cancelled"`
	CurrentPending int64 `json:"currentPending"`
}

// client is one connected operator console.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	mu   sync.Mutex
}

// Hub manages connected dashboard clients and broadcasts Events to all of
// them.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	mu         sync.RWMutex
}

// NewHub builds an idle Hub; call Run in its own goroutine to start
// servicing it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
	}
}

// Run drains registrations, unregistrations, and broadcasts until ctx-like
// shutdown via Close is never needed: the Hub lives for the process.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			log.Printf("dashboard: client %s connected, total %d", c.id, len(h.clients))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			log.Printf("dashboard: client %s disconnected, total %d", c.id, len(h.clients))

		case message := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast marshals event to JSON and fans it out to every connected
// client. A full broadcast buffer drops the event rather than blocking the
// caller — this feed is best-effort, never a source of truth.
func (h *Hub) Broadcast(event Event) error {
	event.Timestamp = time.Now()
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
	default:
		log.Printf("dashboard: broadcast buffer full, dropping %s event", event.Type)
	}
	return nil
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.mu.Lock()
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.mu.Unlock()
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()

		case <-ticker.C:
			c.mu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Handler returns an http.Handler serving the websocket upgrade endpoint;
// mount it at whatever path the operator console expects (e.g. "/ws").
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("dashboard: upgrade error: %v", err)
			return
		}

		c := &client{
			id:   uuid.NewString(),
			conn: conn,
			send: make(chan []byte, 256),
			hub:  h,
		}
		h.register <- c

		go c.writePump()
		c.readPump()
	})
}
