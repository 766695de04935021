package stocksim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:8080/")

	if c == nil {
		t.Fatal("expected non-nil client")
	}

	if c.baseURL != "http://localhost:8080" {
		t.Errorf("expected baseURL %q, got %q", "http://localhost:8080", c.baseURL)
	}

	if c.httpClient == nil {
		t.Fatal("expected non-nil httpClient")
	}
}

type recorded struct {
	method, path, query string
	body                []byte
}

func newServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method, rec.path, rec.query = r.Method, r.URL.Path, r.URL.RawQuery
		rec.body, _ = io.ReadAll(r.Body)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL), rec
}

func TestClientControl(t *testing.T) {
	c, rec := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"playback":{"len":10,"cursor":4,"running":false,"speed":2}}`))
	})
	ctx := context.Background()

	st, err := c.Seek(ctx, 4)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if rec.method != "POST" || rec.path != "/api/session/seek" || string(rec.body) != `{"index":4}` {
		t.Errorf("request = %s %s %s", rec.method, rec.path, rec.body)
	}
	if st.Playback.Cursor != 4 || st.Playback.Speed != 2 {
		t.Errorf("status = %+v", st.Playback)
	}

	if _, err := c.SetSpeed(ctx, 2); err != nil {
		t.Fatalf("SetSpeed: %v", err)
	}
	if rec.path != "/api/session/speed" || string(rec.body) != `{"multiplier":2}` {
		t.Errorf("request = %s %s", rec.path, rec.body)
	}

	if _, err := c.Prepare(ctx, PrepareRequest{StockID: "2330", Date: "2024-03-05", Start: "09:00", End: "13:30"}); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	var req PrepareRequest
	if err := json.Unmarshal(rec.body, &req); err != nil || req.StockID != "2330" {
		t.Errorf("prepare body = %s", rec.body)
	}

	if _, err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec.path != "/api/session/start" || len(rec.body) != 0 {
		t.Errorf("start request = %s %q", rec.path, rec.body)
	}
}

func TestClientQueries(t *testing.T) {
	c, rec := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/session/orders":
			_, _ = w.Write([]byte(`{"offset":5,"total":9,"orders":[{"id":"5","stockId":"2330"}]}`))
		case "/api/stocks/2330/dates":
			_, _ = w.Write([]byte(`{"stockId":"2330","month":"2024-03","dates":["2024-03-05"]}`))
		case "/api/session/series":
			_, _ = w.Write([]byte(`{"xAxis":["09:00"],"price":[600]}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	page, err := c.Orders(ctx, 5, 2)
	if err != nil {
		t.Fatalf("Orders: %v", err)
	}
	if rec.query != "limit=2&offset=5" {
		t.Errorf("query = %q", rec.query)
	}
	if page.Total != 9 || len(page.Orders) != 1 || page.Orders[0].ID != "5" {
		t.Errorf("page = %+v", page)
	}

	dates, err := c.Dates(ctx, "2330", "2024-03")
	if err != nil {
		t.Fatalf("Dates: %v", err)
	}
	if len(dates) != 1 || dates[0] != "2024-03-05" {
		t.Errorf("dates = %v", dates)
	}

	s, err := c.Series(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Series: %v", err)
	}
	if rec.query != "bucket=1m0s" {
		t.Errorf("series query = %q", rec.query)
	}
	if len(s.Price) != 1 || s.Price[0] != 600 {
		t.Errorf("series = %+v", s)
	}
}

func TestClientExportCSV(t *testing.T) {
	c, _ := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte("id\n1\n"))
	})
	var buf bytes.Buffer
	if err := c.ExportCSV(context.Background(), &buf); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	if buf.String() != "id\n1\n" {
		t.Errorf("export = %q", buf.String())
	}
}

func TestClientAPIError(t *testing.T) {
	c, _ := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"engine: no session prepared"}`))
	})

	_, err := c.Status(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Message != "engine: no session prepared" {
		t.Errorf("APIError = %+v", apiErr)
	}

	if err := c.ExportCSV(context.Background(), io.Discard); !errors.As(err, &apiErr) {
		t.Errorf("ExportCSV error = %v, want *APIError", err)
	}
}
