package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"stocksim/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimAPIBroker)(nil)

// APIError is a non-2xx response from the simulation API.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("simapi: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("simapi: HTTP %d", e.StatusCode)
}

// ServerMessage returns the "message" field of the error payload.
func (e *APIError) ServerMessage() string { return e.Message }

// SimAPIConfig configures a SimAPIBroker.
type SimAPIConfig struct {
	BaseURL   string
	Token     string
	OrderPath string
	ResetPath string
	Timeout   time.Duration

	// OnUnauthorized is called whenever the API answers 401.
	OnUnauthorized func()
}

// SimAPIBroker submits orders to the stock simulation backend over its REST
// API.
type SimAPIBroker struct {
	cfg    SimAPIConfig
	client *http.Client
	log    *slog.Logger
}

// NewSimAPIBroker creates a SimAPIBroker. Empty paths default to "/order"
// and "/stock/reset".
func NewSimAPIBroker(cfg SimAPIConfig, log *slog.Logger) *SimAPIBroker {
	if cfg.OrderPath == "" {
		cfg.OrderPath = "/order"
	}
	if cfg.ResetPath == "" {
		cfg.ResetPath = "/stock/reset"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if log == nil {
		log = slog.Default()
	}
	return &SimAPIBroker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.With("component", "broker", "broker", "simapi"),
	}
}

// Name returns "simapi".
func (b *SimAPIBroker) Name() string {
	return "simapi"
}

// SubmitOrder posts the raw record of ev, minus its identifiers, with a null
// investorId.
func (b *SimAPIBroker) SubmitOrder(ctx context.Context, ev *domain.OrderEvent) error {
	body := orderPayload(ev)
	if err := b.post(ctx, b.cfg.OrderPath, body, nil); err != nil {
		return fmt.Errorf("submitting order %s: %w", ev.ID, err)
	}
	return nil
}

// orderPayload builds the submission body. Records without raw fields are
// rebuilt from the typed fields.
func orderPayload(ev *domain.OrderEvent) domain.Record {
	var rec domain.Record
	if ev.Raw.Len() > 0 {
		rec = ev.Raw.Clone()
	} else {
		rec = domain.NewRecord()
		_ = rec.Set("stockId", ev.StockID)
		_ = rec.Set("isBuy", ev.Side == domain.OrderSideBuy)
		_ = rec.Set("price", ev.Price)
		_ = rec.Set("quantity", ev.Volume)
		_ = rec.Set("createdTime", ev.CreatedTime)
	}
	rec.Delete("id")
	rec.Delete("realDataOrderId")
	_ = rec.Set("investorId", nil)
	return rec
}

type resetRequest struct {
	ID            string `json:"id"`
	IsReset       bool   `json:"isReset"`
	IsAutoDisplay bool   `json:"isAutoDisplay"`
}

type resetResponse struct {
	Display struct {
		StockID json.RawMessage `json:"stockId"`
	} `json:"display"`
}

// ResetStock posts a reset for stockID. In replay mode the backend answers
// with the display instrument that orders should be replayed into.
func (b *SimAPIBroker) ResetStock(ctx context.Context, stockID string, opts domain.ResetOptions) (*domain.ResetResult, error) {
	req := resetRequest{ID: stockID, IsReset: opts.IsReset, IsAutoDisplay: opts.IsAutoDisplay}
	var resp resetResponse
	if err := b.post(ctx, b.cfg.ResetPath, req, &resp); err != nil {
		return nil, fmt.Errorf("resetting stock %s: %w", stockID, err)
	}
	display := scalarString(resp.Display.StockID)
	b.log.Info("stock reset", "stock", stockID, "is_reset", opts.IsReset, "display", display)
	return &domain.ResetResult{DisplayStockID: display}, nil
}

// scalarString renders a JSON string or number as text; anything else is "".
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}

func (b *SimAPIBroker) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized && b.cfg.OnUnauthorized != nil {
			b.cfg.OnUnauthorized()
		}
		return decodeAPIError(resp.StatusCode, data)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(data)}
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil {
		apiErr.Message = payload.Message
	}
	return apiErr
}
