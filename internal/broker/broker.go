// Package broker defines the Broker interface and provides implementations
// that submit replayed orders and reset instruments on a remote trading
// backend.
package broker

import (
	"context"

	"stocksim/internal/domain"
)

// Broker abstracts the remote side of a replay: order submission and
// per-instrument reset.
type Broker interface {
	// Name returns the broker identifier (e.g. "simapi", "alpaca", "simulator").
	Name() string

	// SubmitOrder sends one replayed order to the backend.
	SubmitOrder(ctx context.Context, ev *domain.OrderEvent) error

	// ResetStock clears the backend's simulated state for stockID.
	ResetStock(ctx context.Context, stockID string, opts domain.ResetOptions) (*domain.ResetResult, error)
}
