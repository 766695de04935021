// Package store defines storage interfaces for persisting and retrieving
// replay data: archived order events, playback sessions, and the audit log
// of dispatched orders.
package store

import (
	"context"
	"time"

	"stocksim/internal/domain"
)

// OrderEventStore archives historical order events by stock and day.
type OrderEventStore interface {
	// WriteOrderEvents persists a batch of events, merging by event ID with
	// anything already stored for the same stock and day.
	WriteOrderEvents(ctx context.Context, events []domain.OrderEvent) error

	// ReadOrderEvents returns events for stockID within [start, end], ordered
	// by creation time. ok is false when no archive covers the range.
	ReadOrderEvents(ctx context.Context, stockID string, start, end time.Time) (events []domain.OrderEvent, ok bool, err error)
}

// FetchCoverage remembers which time windows of a stock were fetched in full
// from an upstream source, so a cache can tell a complete archive from a
// partial one.
type FetchCoverage interface {
	// RecordFetch marks [start, end] as fetched, merging it with any
	// overlapping or adjacent window already recorded.
	RecordFetch(ctx context.Context, source, stockID string, start, end time.Time) error

	// Covered reports whether [start, end] lies inside one recorded window.
	Covered(ctx context.Context, source, stockID string, start, end time.Time) (bool, error)
}

// Session describes one prepared playback.
type Session struct {
	ID             string    `json:"id"`
	StockID        string    `json:"stockId"`
	DisplayStockID string    `json:"displayStockId,omitempty"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Replay         bool      `json:"replay"`
	Events         int       `json:"events"`
	Source         string    `json:"source"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SessionStore persists prepared sessions.
type SessionStore interface {
	// SaveSession inserts or replaces a session.
	SaveSession(ctx context.Context, s *Session) error

	// ListSessions returns the most recent sessions, newest first, up to limit.
	ListSessions(ctx context.Context, limit int) ([]Session, error)
}

// DispatchStatus is the outcome of one dispatch attempt.
type DispatchStatus string

const (
	DispatchSucceeded DispatchStatus = "succeeded"
	DispatchFailed    DispatchStatus = "failed"
	DispatchRejected  DispatchStatus = "rejected"
	DispatchDropped   DispatchStatus = "dropped"
)

// DispatchRecord is one row of the dispatch audit log.
type DispatchRecord struct {
	SessionID string         `json:"sessionId"`
	OrderID   string         `json:"orderId"`
	StockID   string         `json:"stockId"`
	Broker    string         `json:"broker"`
	Status    DispatchStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
	At        time.Time      `json:"at"`
	Latency   time.Duration  `json:"latency"`
}

// DispatchLog records the outcome of every dispatched order.
type DispatchLog interface {
	// RecordDispatch appends one outcome.
	RecordDispatch(ctx context.Context, rec DispatchRecord) error

	// ListDispatches returns the outcomes of a session in insertion order.
	ListDispatches(ctx context.Context, sessionID string) ([]DispatchRecord, error)
}
