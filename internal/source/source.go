// Package source fetches the historical order sequences that get replayed.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"stocksim/internal/domain"
)

// Query selects the orders of one instrument within a closed time window.
type Query struct {
	StockID string
	Start   time.Time
	End     time.Time
}

// Source returns historical order sequences ordered by creation time.
type Source interface {
	// Name returns the source identifier (e.g. "stockdata", "alpaca").
	Name() string

	// FetchOrders returns the orders matching q.
	FetchOrders(ctx context.Context, q Query) ([]domain.OrderEvent, error)
}

// DateLister reports the days with data for an instrument in one month.
type DateLister interface {
	// AvailableDates returns YYYY-MM-DD dates; yearMonth is YYYY-MM.
	AvailableDates(ctx context.Context, stockID, yearMonth string) ([]string, error)
}

// HTTPError is a non-2xx response from a data API.
type HTTPError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("source: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("source: HTTP %d", e.StatusCode)
}

// ServerMessage returns the "message" field of the error payload.
func (e *HTTPError) ServerMessage() string { return e.Message }

// checkOrdering logs the first place where creation time goes backwards.
// Playback tolerates it through the delay floor, so the sequence is not
// re-sorted.
func checkOrdering(log *slog.Logger, events []domain.OrderEvent) {
	for i := 1; i < len(events); i++ {
		if events[i].CreatedTime.Before(events[i-1].CreatedTime) {
			log.Warn("order sequence not time-ordered",
				"index", i,
				"id", events[i].ID,
				"prev", events[i-1].CreatedTime,
				"at", events[i].CreatedTime,
			)
			return
		}
	}
}
