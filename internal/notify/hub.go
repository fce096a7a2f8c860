package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"evcharge/internal/util"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 32
)

// Message is the frame pushed to websocket subscribers
type Message struct {
	Event string      `json:"event"`
	Group string      `json:"group"`
	Data  interface{} `json:"data"`
}

// Hub broadcasts events to websocket clients subscribed to groups
type Hub struct {
	mu           sync.RWMutex
	clients      map[*client]struct{}
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	logger       *zap.Logger
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	groups map[string]bool
	send   chan []byte
	once   sync.Once
}

// NewHub creates a new websocket hub
func NewHub(writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		writeTimeout: writeTimeout,
		logger:       util.GetLogger(),
	}
}

// ServeWS upgrades the request and subscribes the connection to groups
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, groups []string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{
		hub:    h,
		conn:   conn,
		groups: make(map[string]bool, len(groups)),
		send:   make(chan []byte, sendBuffer),
	}
	for _, g := range groups {
		c.groups[g] = true
	}

	h.register(c)
	go c.writePump()
	go c.readPump()
	return nil
}

// Publish sends the event to every client subscribed to group. Slow clients
// lose the frame instead of blocking the others.
func (h *Hub) Publish(ctx context.Context, group, eventName string, payload interface{}) error {
	frame, err := json.Marshal(Message{Event: eventName, Group: group, Data: payload})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.groups[group] {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("Dropping websocket frame, client buffer full", zap.String("group", group))
		}
	}
	return nil
}

// Subscribers returns the number of clients subscribed to group
func (h *Hub) Subscribers(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.groups[group] {
			n++
		}
	}
	return n
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	util.WebsocketConnections.Inc()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		util.WebsocketConnections.Dec()
	}
}

// close unregisters before closing the channel so Publish never sends on a closed channel
func (c *client) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		c.hub.mu.Lock()
		close(c.send)
		c.hub.mu.Unlock()
		_ = c.conn.Close()
	})
}

func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}
