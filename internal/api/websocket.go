package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"stocksim/internal/engine"
	"stocksim/internal/notify"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	clientBuffer = 64
)

// Compile-time interface check.
var _ notify.Notifier = (*Hub)(nil)

// Message types pushed to websocket clients.
const (
	MessageStatus       = "status"
	MessageNotification = "notification"
)

// Message is one frame pushed to websocket clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Client represents a single WebSocket connection managed by a Hub.
type Client struct {
	send chan Message
}

// Hub manages a set of WebSocket clients and broadcasts messages to all
// connected clients. A client whose buffer is full misses the message.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu         sync.Mutex
	clients    map[*Client]struct{}
	lastStatus *Message

	dropped atomic.Uint64

	quit      chan struct{}
	closeOnce sync.Once
}

// NewHub creates a Hub with no clients.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log: log.With("component", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		clients: make(map[*Client]struct{}),
		quit:    make(chan struct{}),
	}
}

// Close disconnects every client. Hijacked connections are not tracked by
// http.Server.Shutdown, so the server calls this on shutdown.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
}

// Broadcast queues msg on every client without blocking.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if msg.Type == MessageStatus {
		m := msg
		h.lastStatus = &m
	}
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

// PublishStatus broadcasts a session status. New clients receive the most
// recent one on connect.
func (h *Hub) PublishStatus(st engine.Status) {
	h.Broadcast(Message{Type: MessageStatus, Data: st})
}

// Notify broadcasts a notification, so a Hub can be used as a
// notify.Notifier.
func (h *Hub) Notify(n notify.Notification) {
	h.Broadcast(Message{Type: MessageNotification, Data: n})
}

// Forward broadcasts notifications from ch until ctx is done or ch closes.
func (h *Hub) Forward(ctx context.Context, ch <-chan notify.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			h.Notify(n)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many messages were skipped for slow clients.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) register() *Client {
	c := &Client{send: make(chan Message, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.lastStatus != nil {
		c.send <- *h.lastStatus
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("websocket client connected", "clients", n)
	return c
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("websocket client disconnected", "clients", n)
}

// ServeHTTP upgrades the connection and pushes messages until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := h.register()
	defer h.unregister(c)

	// Inbound frames are ignored; reading is how a close is noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.log.Debug("websocket read failed", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-h.quit:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					h.log.Warn("websocket write failed", "error", err)
				}
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
