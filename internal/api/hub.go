package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	compose "github.com/liuyuansharp/service-compose"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	clientBuffer   = 64
)

// Message types sent over the events socket
const (
	MessageTypeServiceEvent = "service_event"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
)

// Message is one websocket frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// EventData is the payload of a service_event message.
type EventData struct {
	Service      string    `json:"service"`
	State        string    `json:"state"`
	PID          int       `json:"pid,omitempty"`
	RestartCount int       `json:"restart_count"`
	ExitCode     int       `json:"exit_code,omitempty"`
	DelayMS      int64     `json:"delay_ms,omitempty"`
	Time         time.Time `json:"time"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans supervisor events out to websocket clients. A client that
// cannot keep up is disconnected rather than slowing the others.
type Hub struct {
	log zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub returns an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{log: log, clients: make(map[*client]struct{})}
}

// Publish sends ev to every connected client.
func (h *Hub) Publish(ev compose.Event) {
	h.Broadcast(Message{Type: MessageTypeServiceEvent, Data: EventData{
		Service:      ev.Service,
		State:        ev.State.String(),
		PID:          ev.PID,
		RestartCount: ev.RestartCount,
		ExitCode:     ev.ExitCode,
		DelayMS:      ev.Delay.Milliseconds(),
		Time:         ev.Time,
	}})
}

// Broadcast sends msg to every connected client.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn().Str("remote", c.remote).Msg("websocket client too slow, disconnecting")
			h.removeLocked(c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Serve blocks until ctx is done, then disconnects every client.
func (h *Hub) Serve(ctx context.Context) error {
	<-ctx.Done()
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.clients)
	for c := range h.clients {
		h.removeLocked(c)
	}
	h.closed = true
	h.log.Info().Int("clients_closed", n).Msg("websocket hub stopped")
	return nil
}

// String names the hub in supervision trees.
func (h *Hub) String() string {
	return "websocket-hub"
}

// ServeWS upgrades the request and streams events until either side hangs up.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan Message, clientBuffer), remote: r.RemoteAddr}
	if !h.add(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.log.Debug().Str("remote", c.remote).Int("total_clients", h.ClientCount()).Msg("websocket client connected")

	go c.writePump()
	c.readPump()
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan Message
	remote string
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}
		if msg.Type == MessageTypePing {
			c.hub.mu.Lock()
			if _, ok := c.hub.clients[c]; ok {
				select {
				case c.send <- Message{Type: MessageTypePong}:
				default:
				}
			}
			c.hub.mu.Unlock()
		}
	}
}

func (c *client) writePump() {
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
			if err := c.conn.WriteJSON(msg); err != nil {
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
