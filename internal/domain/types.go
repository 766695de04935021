// Package domain defines the core types shared by the replay service: the
// historical order events that are played back and the enums describing them.
package domain

import (
	"strings"
	"time"
)

// OrderSide is the buy/sell indicator of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// ParseOrderSide normalises the side codes used by the data sources.
// The stock data API uses "B"/"S"; the simulation API uses "buy"/"sell"
// or the booleans true (buy) / false (sell).
func ParseOrderSide(s string) (OrderSide, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "b", "buy", "true", "1":
		return OrderSideBuy, true
	case "s", "sell", "false", "0":
		return OrderSideSell, true
	}
	return "", false
}

// OrderEvent is one historical order record to be replayed.
type OrderEvent struct {
	ID          string    `json:"id"`
	StockID     string    `json:"stockId"`
	CreatedTime time.Time `json:"createdTime"`
	Side        OrderSide `json:"side"`
	Price       float64   `json:"price"`
	Volume      float64   `json:"volume"`

	// Raw is the record exactly as the source returned it. It is what gets
	// exported to CSV and forwarded on submission.
	Raw Record `json:"raw,omitempty"`
}

// Notional returns price times volume.
func (e OrderEvent) Notional() float64 {
	return e.Price * e.Volume
}

// ResetOptions mirrors the flags of the remote reset call.
type ResetOptions struct {
	IsReset       bool `json:"isReset"`
	IsAutoDisplay bool `json:"isAutoDisplay"`
}

// ResetResult is what a remote reset reports back. DisplayStockID is set in
// replay mode, where the backend allocates a display instrument to replay
// into.
type ResetResult struct {
	DisplayStockID string `json:"displayStockId,omitempty"`
}

// TimeRange is a closed interval [Start, End].
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}
