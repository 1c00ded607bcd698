// groundlink/hub.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package groundlink relays ground-link text messages and status
// snapshots to WebSocket clients and serves a small status page.
package groundlink

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fireeye-uav/engout/log"
	"github.com/fireeye-uav/engout/vehicle"

	"github.com/gorilla/websocket"
)

const (
	// Number of recent messages replayed to a client when it connects.
	historyLength = 32
	// Messages buffered per client before it is considered stuck and dropped.
	sendQueueLength = 64
	writeTimeout    = 5 * time.Second
)

var ErrHubClosed = errors.New("ground link hub closed")

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageStatus MessageType = "status"
)

// Message is the JSON frame sent to clients.
type Message struct {
	Type     MessageType `json:"type"`
	Time     time.Time   `json:"time"`
	Severity string      `json:"severity,omitempty"`
	Text     string      `json:"text,omitempty"`
	Status   any         `json:"status,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub fans messages out to every connected client. It satisfies
// sched.Reporter so scheduler faults reach the ground link too.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	history [][]byte
	closed  bool

	// Now stamps text messages; it defaults to time.Now and is replaced
	// with the simulation clock by the CLI.
	Now func() time.Time

	start   time.Time
	txBytes atomic.Int64
	dropped atomic.Int64
	lg      *log.Logger
}

func NewHub(lg *log.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		Now:     time.Now,
		start:   time.Now(),
		lg:      lg,
	}
}

func (h *Hub) SendText(sev vehicle.Severity, text string) {
	h.Publish(Message{
		Type:     MessageText,
		Time:     h.Now(),
		Severity: sev.String(),
		Text:     text,
	})
}

func (h *Hub) PublishStatus(t time.Time, status any) {
	h.Publish(Message{Type: MessageStatus, Time: t, Status: status})
}

// Publish encodes msg and queues it for every client. Text messages are
// kept in the replay history; status messages are not.
func (h *Hub) Publish(msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		h.lg.Error("ground link encode", slog.Any("error", err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	if msg.Type == MessageText {
		h.history = append(h.history, b)
		if n := len(h.history); n > historyLength {
			h.history = h.history[n-historyLength:]
		}
	}
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.lg.Warn("dropping slow ground link client", slog.String("addr", c.conn.RemoteAddr().String()))
			h.dropped.Add(1)
			delete(h.clients, c)
			c.close()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// History returns the most recent text frames, oldest first.
func (h *Hub) History() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	msgs := make([]Message, 0, len(h.history))
	for _, b := range h.history {
		var m Message
		if err := json.Unmarshal(b, &m); err == nil {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

// Close disconnects all clients; later Publish calls are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (h *Hub) register(conn *websocket.Conn) (*client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	c := &client{conn: conn, send: make(chan []byte, sendQueueLength+historyLength)}
	for _, b := range h.history {
		c.send <- b
	}
	h.clients[c] = struct{}{}
	return c, nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
}

// ServeWS upgrades the request and streams messages to the client until
// either side closes the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{EnableCompression: false}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.lg.Errorf("Unable to upgrade ground link websocket: %v", err)
		return
	}

	c, err := h.register(conn)
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()))
		conn.Close()
		return
	}
	h.lg.Info("ground link client connected", slog.String("addr", conn.RemoteAddr().String()))

	go h.writer(c)
	go h.reader(c)
}

func (h *Hub) writer(c *client) {
	defer c.conn.Close()

	for b := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			h.lg.Warnf("ground link write: %v", err)
			h.unregister(c)
			// Drain so Publish never blocks on a dead client.
			for range c.send {
			}
			return
		}
		h.txBytes.Add(int64(len(b)))
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Clients never send anything meaningful; reading is only needed to
// process control frames and notice disconnects.
func (h *Hub) reader(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			var cerr *websocket.CloseError
			if !errors.As(err, &cerr) {
				h.lg.Debug("ground link read", slog.Any("error", err))
			}
			h.unregister(c)
			return
		}
	}
}
