// Package broadcast fans gateway events out to WebSocket subscribers, the
// way the corpus's hub/spoke fabrics push messages to connected clients.
package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/r3e-network/agent-gateway/internal/events"
	"github.com/r3e-network/agent-gateway/internal/obslog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans events read off a gateway's event bus out to every connected
// WebSocket client. It does not read anything back from clients beyond
// keepalive pongs.
type Hub struct {
	log *obslog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New builds a Hub. Pass nil for a default logger.
func New(log *obslog.Logger) *Hub {
	if log == nil {
		log = obslog.NewDefault("broadcast")
	}
	return &Hub{log: log, clients: make(map[*client]struct{})}
}

// Subscribe attaches the Hub to bus, forwarding every event it observes
// (including ones matching events.Wildcard) to all connected clients.
// Returns the unsubscribe func.
func (h *Hub) Subscribe(bus *events.Bus) func() {
	return bus.On(events.Wildcard, func(evt events.Event) {
		h.Publish(evt)
	})
}

// Publish encodes evt as JSON and pushes it to every connected client's
// send buffer. A client whose buffer is full is dropped rather than
// allowed to block the broadcast.
func (h *Hub) Publish(evt events.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		h.log.WithError(err).Warn("broadcast: failed to marshal event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.log.Warn("broadcast: dropping slow client")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// connection as a broadcast subscriber until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("broadcast: upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

// readPump drains (and discards) inbound frames purely to detect
// disconnects and service pong keepalives; subscribers are not expected to
// send the gateway anything.
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	c.conn.Close()
}

// ClientCount returns the number of currently connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
