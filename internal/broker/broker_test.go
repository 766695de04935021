package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"stocksim/internal/domain"
)

func TestBrokerNames(t *testing.T) {
	tests := []struct {
		b    Broker
		want string
	}{
		{NewAlpacaBroker("key", "secret", "https://paper-api.alpaca.markets", nil), "alpaca"},
		{NewSimulatorBroker(), "simulator"},
		{NewSimAPIBroker(SimAPIConfig{BaseURL: "http://localhost"}, nil), "simapi"},
	}
	for _, tt := range tests {
		if got := tt.b.Name(); got != tt.want {
			t.Errorf("Name() = %q, want %q", got, tt.want)
		}
	}
}

func rawEvent(t *testing.T, raw string) *domain.OrderEvent {
	t.Helper()
	var rec domain.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("decoding record: %v", err)
	}
	return &domain.OrderEvent{ID: rec.String("id"), StockID: rec.String("stockId"), Raw: rec}
}

func TestSimAPISubmitOrderPayload(t *testing.T) {
	var gotPath, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	b := NewSimAPIBroker(SimAPIConfig{BaseURL: srv.URL + "/", Token: "tok"}, nil)
	ev := rawEvent(t, `{"stockId":"2330","id":"77","realDataOrderId":"r1","isBuy":true,"price":600.5,"quantity":3}`)

	if err := b.SubmitOrder(context.Background(), ev); err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if gotPath != "/order" {
		t.Errorf("path = %q, want %q", gotPath, "/order")
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer tok")
	}
	want := `{"stockId":"2330","isBuy":true,"price":600.5,"quantity":3,"investorId":null}`
	if gotBody != want {
		t.Errorf("body = %s, want %s", gotBody, want)
	}
	if ev.Raw.Len() != 6 {
		t.Errorf("submission mutated the source record: %d keys", ev.Raw.Len())
	}
}

func TestSimAPIResetStock(t *testing.T) {
	var got resetRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stock/reset" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/stock/reset")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"display":{"stockId":9001}}`))
	}))
	defer srv.Close()

	b := NewSimAPIBroker(SimAPIConfig{BaseURL: srv.URL}, nil)
	res, err := b.ResetStock(context.Background(), "2330", domain.ResetOptions{IsReset: false})
	if err != nil {
		t.Fatalf("ResetStock: %v", err)
	}
	if got.ID != "2330" || got.IsReset || got.IsAutoDisplay {
		t.Errorf("request = %+v, want id 2330 with both flags false", got)
	}
	if res.DisplayStockID != "9001" {
		t.Errorf("DisplayStockID = %q, want %q", res.DisplayStockID, "9001")
	}
}

func TestSimAPIErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"price out of range","code":12}`))
	}))
	defer srv.Close()

	b := NewSimAPIBroker(SimAPIConfig{BaseURL: srv.URL}, nil)
	err := b.SubmitOrder(context.Background(), rawEvent(t, `{"id":"1","stockId":"2330"}`))

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, http.StatusBadRequest)
	}
	if apiErr.ServerMessage() != "price out of range" {
		t.Errorf("ServerMessage() = %q, want %q", apiErr.ServerMessage(), "price out of range")
	}
}

func TestSimAPIUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	calls := 0
	b := NewSimAPIBroker(SimAPIConfig{BaseURL: srv.URL, OnUnauthorized: func() { calls++ }}, nil)
	if _, err := b.ResetStock(context.Background(), "2330", domain.ResetOptions{IsReset: true}); err == nil {
		t.Fatal("expected error on 401")
	}
	if calls != 1 {
		t.Errorf("OnUnauthorized calls = %d, want 1", calls)
	}
}

func TestSimAPITypedPayload(t *testing.T) {
	ev := &domain.OrderEvent{
		ID:          "5",
		StockID:     "2603",
		CreatedTime: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC),
		Side:        domain.OrderSideSell,
		Price:       150,
		Volume:      2,
	}
	rec := orderPayload(ev)
	want := []string{"stockId", "isBuy", "price", "quantity", "createdTime", "investorId"}
	keys := rec.Keys()
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
	if rec.String("isBuy") != "false" {
		t.Errorf("isBuy = %q, want %q", rec.String("isBuy"), "false")
	}
}

func TestAlpacaPlaceOrderRequest(t *testing.T) {
	ev := &domain.OrderEvent{ID: "o1", StockID: "aapl", Side: domain.OrderSideSell, Price: 185.257, Volume: 10}
	req, err := placeOrderRequest(ev)
	if err != nil {
		t.Fatalf("placeOrderRequest: %v", err)
	}
	if req.Symbol != "AAPL" {
		t.Errorf("Symbol = %q, want %q", req.Symbol, "AAPL")
	}
	if req.Side != alpaca.Sell {
		t.Errorf("Side = %q, want %q", req.Side, alpaca.Sell)
	}
	if req.Type != alpaca.Limit || req.TimeInForce != alpaca.Day {
		t.Errorf("Type/TIF = %q/%q, want limit/day", req.Type, req.TimeInForce)
	}
	if got := req.LimitPrice.String(); got != "185.26" {
		t.Errorf("LimitPrice = %s, want 185.26", got)
	}
	if got := req.Qty.String(); got != "10" {
		t.Errorf("Qty = %s, want 10", got)
	}

	if _, err := placeOrderRequest(&domain.OrderEvent{ID: "o2", Volume: 0}); err == nil {
		t.Error("expected error for zero volume")
	}
}

func TestSimulatorBroker(t *testing.T) {
	b := NewSimulatorBroker()
	ctx := context.Background()

	_ = b.SubmitOrder(ctx, &domain.OrderEvent{ID: "1", StockID: "2330"})
	_ = b.SubmitOrder(ctx, &domain.OrderEvent{ID: "2", StockID: "2330"})
	_ = b.SubmitOrder(ctx, &domain.OrderEvent{ID: "3", StockID: "2603"})

	if got := len(b.Orders("2330")); got != 2 {
		t.Errorf("len(Orders(2330)) = %d, want 2", got)
	}
	if _, err := b.ResetStock(ctx, "2330", domain.ResetOptions{IsReset: true}); err != nil {
		t.Fatalf("ResetStock: %v", err)
	}
	if got := len(b.Orders("2330")); got != 0 {
		t.Errorf("len(Orders(2330)) after reset = %d, want 0", got)
	}
	if got := len(b.Orders("2603")); got != 1 {
		t.Errorf("len(Orders(2603)) = %d, want 1", got)
	}
	if got := b.Resets(); len(got) != 1 || got[0] != "2330" {
		t.Errorf("Resets() = %v, want [2330]", got)
	}
}
