package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"stocksim/internal/domain"
	"stocksim/internal/util"
)

// Compile-time interface checks.
var _ Source = (*StockDataClient)(nil)
var _ DateLister = (*StockDataClient)(nil)

// FieldMap names the record fields that carry the typed order attributes.
type FieldMap struct {
	ID     string
	Side   string
	Price  string
	Volume string
	Time   string
}

// DefaultFieldMap matches the stock data API's order records.
var DefaultFieldMap = FieldMap{
	ID:     "id",
	Side:   "o_type",
	Price:  "odr_price",
	Volume: "t_vol",
	Time:   "o_datetime",
}

func (m FieldMap) withDefaults() FieldMap {
	if m.ID == "" {
		m.ID = DefaultFieldMap.ID
	}
	if m.Side == "" {
		m.Side = DefaultFieldMap.Side
	}
	if m.Price == "" {
		m.Price = DefaultFieldMap.Price
	}
	if m.Volume == "" {
		m.Volume = DefaultFieldMap.Volume
	}
	if m.Time == "" {
		m.Time = DefaultFieldMap.Time
	}
	return m
}

// StockDataConfig configures a StockDataClient.
type StockDataConfig struct {
	URL      string
	Timeout  time.Duration
	Retries  int
	Fields   FieldMap
	Location *time.Location

	// OnUnauthorized is called whenever the API answers 401.
	OnUnauthorized func()
}

// StockDataClient reads historical orders from the stock data API.
type StockDataClient struct {
	cfg    StockDataConfig
	client *http.Client
	log    *slog.Logger
}

// NewStockDataClient creates a StockDataClient.
func NewStockDataClient(cfg StockDataConfig, log *slog.Logger) *StockDataClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	cfg.Fields = cfg.Fields.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &StockDataClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.With("component", "source", "source", "stockdata"),
	}
}

// Name returns "stockdata".
func (c *StockDataClient) Name() string { return "stockdata" }

// FetchOrders runs cmd=get_stock for q. The window bounds are sent as epoch
// microseconds.
func (c *StockDataClient) FetchOrders(ctx context.Context, q Query) ([]domain.OrderEvent, error) {
	params := url.Values{
		"cmd":        {"get_stock"},
		"s_code":     {q.StockID},
		"sc_type":    {"odr"},
		"start_time": {domain.EpochMicros(q.Start)},
		"end_time":   {domain.EpochMicros(q.End)},
	}
	var body struct {
		Data []domain.Record `json:"data"`
	}
	if err := c.get(ctx, params, &body); err != nil {
		return nil, fmt.Errorf("fetching orders for %s: %w", q.StockID, err)
	}

	events := make([]domain.OrderEvent, 0, len(body.Data))
	skipped := 0
	for _, rec := range body.Data {
		if _, ok := rec.Get("stockId"); !ok {
			_ = rec.SetFront("stockId", q.StockID)
		}
		ev, err := ToEvent(rec, c.cfg.Fields, c.cfg.Location)
		if err != nil {
			skipped++
			c.log.Warn("skipping order record", "stock", q.StockID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	checkOrdering(c.log, events)
	c.log.Info("orders fetched", "stock", q.StockID, "count", len(events), "skipped", skipped)
	return events, nil
}

// AvailableDates runs cmd=get_data_exist_date for one month.
func (c *StockDataClient) AvailableDates(ctx context.Context, stockID, yearMonth string) ([]string, error) {
	params := url.Values{
		"cmd":        {"get_data_exist_date"},
		"s_code":     {stockID},
		"sc_type":    {"dsp"},
		"year_month": {yearMonth},
	}
	var body struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := c.get(ctx, params, &body); err != nil {
		return nil, fmt.Errorf("listing dates for %s %s: %w", stockID, yearMonth, err)
	}
	dates := make([]string, 0, len(body.Data))
	for _, raw := range body.Data {
		if s := scalar(raw); s != "" {
			dates = append(dates, s)
		}
	}
	return dates, nil
}

// ToEvent maps a raw record to an OrderEvent using fields. The record is kept
// as the event's Raw. Only a missing or malformed timestamp is an error.
func ToEvent(rec domain.Record, fields FieldMap, loc *time.Location) (domain.OrderEvent, error) {
	ev := domain.OrderEvent{
		ID:      rec.String(fields.ID),
		StockID: rec.String("stockId"),
		Raw:     rec,
	}

	ts := rec.String(fields.Time)
	if ts == "" {
		return ev, fmt.Errorf("record %q: missing %s", ev.ID, fields.Time)
	}
	t, err := domain.ParseTimestamp(ts, loc)
	if err != nil {
		return ev, fmt.Errorf("record %q: %w", ev.ID, err)
	}
	ev.CreatedTime = t

	// Anything that is not a recognised code is a sell order.
	side, ok := domain.ParseOrderSide(rec.String(fields.Side))
	if !ok {
		side = domain.OrderSideSell
	}
	ev.Side = side

	ev.Price, _ = rec.Float(fields.Price)
	ev.Volume, _ = rec.Float(fields.Volume)
	return ev, nil
}

func (c *StockDataClient) get(ctx context.Context, params url.Values, out any) error {
	return util.Retry(ctx, c.cfg.Retries, 500*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"?"+params.Encode(), nil)
		if err != nil {
			return util.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			httpErr := &HTTPError{StatusCode: resp.StatusCode, Body: string(data)}
			var payload struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(data, &payload) == nil {
				httpErr.Message = payload.Message
			}
			if resp.StatusCode == http.StatusUnauthorized && c.cfg.OnUnauthorized != nil {
				c.cfg.OnUnauthorized()
			}
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return util.Permanent(httpErr)
			}
			return httpErr
		}
		if err := json.Unmarshal(data, out); err != nil {
			return util.Permanent(fmt.Errorf("decoding response: %w", err))
		}
		return nil
	})
}

// scalar renders a JSON string or number as text.
func scalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}
