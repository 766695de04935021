package engine

import (
	"context"
	"errors"
	"fmt"

	"stocksim/internal/dispatch"
	"stocksim/internal/domain"
)

// Compile-time interface check.
var _ dispatch.Guard = (*RiskManager)(nil)

// ErrRiskLimit is wrapped by every rejection from CheckOrder.
var ErrRiskLimit = errors.New("risk limit exceeded")

// RiskManager enforces per-order limits before a replayed order reaches the
// broker.
type RiskManager struct {
	maxVolume   float64
	maxNotional float64
}

// NewRiskManager creates a RiskManager with the specified thresholds.
//
//   - maxVolume: largest volume allowed in a single order.
//   - maxNotional: largest price times volume allowed in a single order.
//
// A zero threshold disables that check.
func NewRiskManager(maxVolume, maxNotional float64) *RiskManager {
	return &RiskManager{
		maxVolume:   maxVolume,
		maxNotional: maxNotional,
	}
}

// CheckOrder rejects orders that are malformed or exceed the configured
// limits.
func (rm *RiskManager) CheckOrder(_ context.Context, ev *domain.OrderEvent) error {
	if ev.Volume <= 0 {
		return fmt.Errorf("order %s: volume %v is not positive", ev.ID, ev.Volume)
	}
	if ev.Price < 0 {
		return fmt.Errorf("order %s: price %v is negative", ev.ID, ev.Price)
	}
	if rm.maxVolume > 0 && ev.Volume > rm.maxVolume {
		return fmt.Errorf("%w: order %s volume %v above %v", ErrRiskLimit, ev.ID, ev.Volume, rm.maxVolume)
	}
	if rm.maxNotional > 0 && ev.Notional() > rm.maxNotional {
		return fmt.Errorf("%w: order %s notional %.2f above %.2f", ErrRiskLimit, ev.ID, ev.Notional(), rm.maxNotional)
	}
	return nil
}
