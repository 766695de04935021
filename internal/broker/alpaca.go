package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"stocksim/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker replays orders into an Alpaca (paper) trading account as
// limit DAY orders.
type AlpacaBroker struct {
	client *alpaca.Client
	log    *slog.Logger
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string, log *slog.Logger) *AlpacaBroker {
	if log == nil {
		log = slog.Default()
	}
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		log: log.With("component", "broker", "broker", "alpaca"),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// SubmitOrder places a limit DAY order mirroring ev.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, ev *domain.OrderEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req, err := placeOrderRequest(ev)
	if err != nil {
		return err
	}
	order, err := b.client.PlaceOrder(req)
	if err != nil {
		return fmt.Errorf("placing order %s: %w", ev.ID, err)
	}
	b.log.Debug("order placed", "id", ev.ID, "alpaca_id", order.ID, "symbol", req.Symbol)
	return nil
}

func placeOrderRequest(ev *domain.OrderEvent) (alpaca.PlaceOrderRequest, error) {
	if ev.Volume <= 0 {
		return alpaca.PlaceOrderRequest{}, fmt.Errorf("order %s: non-positive volume %v", ev.ID, ev.Volume)
	}
	side := alpaca.Buy
	if ev.Side == domain.OrderSideSell {
		side = alpaca.Sell
	}
	qty := decimal.NewFromFloat(ev.Volume)
	price := decimal.NewFromFloat(ev.Price).Round(2)
	return alpaca.PlaceOrderRequest{
		Symbol:        strings.ToUpper(ev.StockID),
		Qty:           &qty,
		Side:          side,
		Type:          alpaca.Limit,
		TimeInForce:   alpaca.Day,
		LimitPrice:    &price,
		ClientOrderID: ev.ID,
	}, nil
}

// ResetStock cancels every open order for the symbol. Alpaca has no notion
// of a display instrument, so the result is always empty.
func (b *AlpacaBroker) ResetStock(ctx context.Context, stockID string, _ domain.ResetOptions) (*domain.ResetResult, error) {
	symbol := strings.ToUpper(stockID)
	orders, err := b.client.GetOrders(alpaca.GetOrdersRequest{
		Status:  "open",
		Symbols: []string{symbol},
	})
	if err != nil {
		return nil, fmt.Errorf("listing open orders for %s: %w", symbol, err)
	}
	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := b.client.CancelOrder(o.ID); err != nil {
			return nil, fmt.Errorf("cancelling order %s: %w", o.ID, err)
		}
	}
	b.log.Info("stock reset", "symbol", symbol, "cancelled", len(orders))
	return &domain.ResetResult{}, nil
}
