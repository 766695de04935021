// Package httpapi provides the REST API for controlling a replay session:
// preparing the order sequence, driving playback, and reading the loaded
// orders back as pages, CSV, chart series and summary figures.
package httpapi

import (
	"stocksim/internal/dashboard"
	"stocksim/internal/domain"
	"stocksim/internal/store"
)

// SeekRequest is the body of POST /api/session/seek.
type SeekRequest struct {
	Index int `json:"index"`
}

// SpeedRequest is the body of POST /api/session/speed.
type SpeedRequest struct {
	Multiplier float64 `json:"multiplier"`
}

// DatesResponse lists the days with data for one stock and month.
type DatesResponse struct {
	StockID string   `json:"stockId"`
	Month   string   `json:"month"`
	Dates   []string `json:"dates"`
}

// OrdersResponse is one page of loaded orders.
type OrdersResponse struct {
	Offset int                 `json:"offset"`
	Total  int                 `json:"total"`
	Orders []domain.OrderEvent `json:"orders"`
}

// SessionsResponse lists recently prepared sessions.
type SessionsResponse struct {
	Sessions []store.Session `json:"sessions"`
}

// SummaryResponse pairs the session id with the aggregate figures.
type SummaryResponse struct {
	SessionID string            `json:"sessionId"`
	Summary   dashboard.Summary `json:"summary"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}
