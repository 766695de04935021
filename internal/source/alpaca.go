package source

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"stocksim/internal/domain"
)

// Compile-time interface check.
var _ Source = (*AlpacaSource)(nil)

// AlpacaSource turns historical Alpaca trades into an order sequence. Trades
// carry no side, so it is inferred by the tick test.
type AlpacaSource struct {
	client *marketdata.Client
	feed   marketdata.Feed
	log    *slog.Logger
}

// NewAlpacaSource creates an AlpacaSource. An empty dataURL uses Alpaca's
// default market-data endpoint.
func NewAlpacaSource(apiKey, apiSecret, dataURL string, log *slog.Logger) *AlpacaSource {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	if log == nil {
		log = slog.Default()
	}
	return &AlpacaSource{
		client: marketdata.NewClient(opts),
		feed:   "sip",
		log:    log.With("component", "source", "source", "alpaca"),
	}
}

// Name returns "alpaca".
func (s *AlpacaSource) Name() string { return "alpaca" }

// FetchOrders returns one buy or sell order per trade in q's window.
func (s *AlpacaSource) FetchOrders(ctx context.Context, q Query) ([]domain.OrderEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	symbol := strings.ToUpper(q.StockID)
	trades, err := s.client.GetTrades(symbol, marketdata.GetTradesRequest{
		Start: q.Start,
		End:   q.End,
		Feed:  s.feed,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching trades for %s: %w", symbol, err)
	}
	events := tradesToEvents(symbol, trades)
	checkOrdering(s.log, events)
	s.log.Info("trades fetched", "symbol", symbol, "count", len(events))
	return events, nil
}

// tradesToEvents applies the tick test: an uptick is a buy, a downtick a
// sell, and an unchanged price repeats the previous side. The first trade
// counts as a buy.
func tradesToEvents(symbol string, trades []marketdata.Trade) []domain.OrderEvent {
	events := make([]domain.OrderEvent, 0, len(trades))
	side := domain.OrderSideBuy
	var prev float64
	for i, t := range trades {
		if i > 0 {
			switch {
			case t.Price > prev:
				side = domain.OrderSideBuy
			case t.Price < prev:
				side = domain.OrderSideSell
			}
		}
		prev = t.Price

		id := strconv.FormatInt(t.ID, 10)
		code := "B"
		if side == domain.OrderSideSell {
			code = "S"
		}
		raw := domain.NewRecord()
		_ = raw.Set("stockId", symbol)
		_ = raw.Set("id", id)
		_ = raw.Set("o_type", code)
		_ = raw.Set("odr_price", t.Price)
		_ = raw.Set("t_vol", t.Size)
		_ = raw.Set("o_datetime", t.Timestamp.Format(time.RFC3339Nano))
		_ = raw.Set("exchange", t.Exchange)

		events = append(events, domain.OrderEvent{
			ID:          id,
			StockID:     symbol,
			CreatedTime: t.Timestamp,
			Side:        side,
			Price:       t.Price,
			Volume:      float64(t.Size),
			Raw:         raw,
		})
	}
	return events
}
