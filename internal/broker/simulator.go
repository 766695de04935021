package broker

import (
	"context"
	"sync"

	"stocksim/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements the Broker interface for dry runs. It records
// submissions in memory without making external API calls.
type SimulatorBroker struct {
	mu     sync.Mutex
	orders map[string][]domain.OrderEvent
	resets []string

	// Err, when set, is returned by every SubmitOrder call.
	Err error
}

// NewSimulatorBroker creates a new SimulatorBroker with no recorded orders.
func NewSimulatorBroker() *SimulatorBroker {
	return &SimulatorBroker{
		orders: make(map[string][]domain.OrderEvent),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SubmitOrder records the order under its stock.
func (b *SimulatorBroker) SubmitOrder(_ context.Context, ev *domain.OrderEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.orders[ev.StockID] = append(b.orders[ev.StockID], *ev)
	return nil
}

// ResetStock discards the recorded orders of stockID.
func (b *SimulatorBroker) ResetStock(_ context.Context, stockID string, _ domain.ResetOptions) (*domain.ResetResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.orders, stockID)
	b.resets = append(b.resets, stockID)
	return &domain.ResetResult{}, nil
}

// Orders returns a copy of the orders recorded for stockID.
func (b *SimulatorBroker) Orders(stockID string) []domain.OrderEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.OrderEvent(nil), b.orders[stockID]...)
}

// Resets returns the stock ids reset so far, in call order.
func (b *SimulatorBroker) Resets() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.resets...)
}
