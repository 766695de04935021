// Package notify carries operator-facing notifications (failed submissions,
// failed resets, dropped orders) from the components that detect them to
// whoever is watching: the log and any connected websocket clients.
package notify

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notification is one message for the operator.
type Notification struct {
	Level   Level     `json:"level"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
	Time    time.Time `json:"time"`
}

// Notifier receives notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// Func adapts a function to Notifier.
type Func func(Notification)

// Notify calls f(n).
func (f Func) Notify(n Notification) { f(n) }

// messager is implemented by remote errors that carry a server-provided
// message, such as the {"message": ...} payload of the simulation API.
type messager interface {
	ServerMessage() string
}

// Error reports err on n under source. A nil n or nil err is a no-op.
// When err carries a server message, that message is surfaced and the full
// error goes into Detail.
func Error(n Notifier, source string, err error) {
	if n == nil || err == nil {
		return
	}
	msg := err.Error()
	detail := ""
	var m messager
	if errors.As(err, &m) && m.ServerMessage() != "" {
		msg = m.ServerMessage()
		detail = err.Error()
	}
	n.Notify(Notification{Level: LevelError, Source: source, Message: msg, Detail: detail, Time: time.Now()})
}

// Warn reports a warning on n. A nil n is a no-op.
func Warn(n Notifier, source, msg string) {
	if n == nil {
		return
	}
	n.Notify(Notification{Level: LevelWarn, Source: source, Message: msg, Time: time.Now()})
}

// Info reports an informational message on n. A nil n is a no-op.
func Info(n Notifier, source, msg string) {
	if n == nil {
		return
	}
	n.Notify(Notification{Level: LevelInfo, Source: source, Message: msg, Time: time.Now()})
}

// Hub logs every notification and fans it out to subscribers.
type Hub struct {
	log *slog.Logger

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan Notification
}

// NewHub creates a Hub that logs through log.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:  log.With("component", "notify"),
		subs: make(map[int]chan Notification),
	}
}

// Notify logs n and broadcasts it to subscribers without blocking.
func (h *Hub) Notify(n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	attrs := []any{"source", n.Source}
	if n.Detail != "" {
		attrs = append(attrs, "detail", n.Detail)
	}
	switch n.Level {
	case LevelError:
		h.log.Error(n.Message, attrs...)
	case LevelWarn:
		h.log.Warn(n.Message, attrs...)
	default:
		h.log.Info(n.Message, attrs...)
	}

	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
			// Slow consumer, drop.
		}
	}
}

// Subscribe returns a channel that receives notifications. bufSize controls
// the channel buffer; slow consumers have notifications dropped.
func (h *Hub) Subscribe(bufSize int) (int, <-chan Notification) {
	ch := make(chan Notification, bufSize)
	h.subsMu.Lock()
	id := h.nextSubID
	h.nextSubID++
	h.subs[id] = ch
	h.subsMu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.subsMu.Lock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
	h.subsMu.Unlock()
}
