// Package stocksim is a Go client for the stocksim-server REST API.
package stocksim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"stocksim/internal/dashboard"
	"stocksim/internal/engine"
	"stocksim/internal/httpapi"
)

// Type aliases so callers need not import internal packages.
type (
	Status          = engine.Status
	PrepareRequest  = engine.PrepareRequest
	OrdersResponse  = httpapi.OrdersResponse
	DatesResponse   = httpapi.DatesResponse
	SummaryResponse = httpapi.SummaryResponse
	Series          = dashboard.Series
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stocksim: HTTP %d: %s", e.StatusCode, e.Message)
}

// Client provides a Go SDK for interacting with the stocksim-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new stocksim API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

// Status returns the current session status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/api/session", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Prepare loads a new session.
func (c *Client) Prepare(ctx context.Context, req PrepareRequest) (*Status, error) {
	return c.control(ctx, "/api/session", req)
}

// Start begins or resumes playback.
func (c *Client) Start(ctx context.Context) (*Status, error) {
	return c.control(ctx, "/api/session/start", nil)
}

// Stop pauses playback.
func (c *Client) Stop(ctx context.Context) (*Status, error) {
	return c.control(ctx, "/api/session/stop", nil)
}

// Seek moves the playback cursor.
func (c *Client) Seek(ctx context.Context, index int) (*Status, error) {
	return c.control(ctx, "/api/session/seek", httpapi.SeekRequest{Index: index})
}

// SetSpeed changes the playback multiplier. The server caps it to its
// configured range.
func (c *Client) SetSpeed(ctx context.Context, multiplier float64) (*Status, error) {
	return c.control(ctx, "/api/session/speed", httpapi.SpeedRequest{Multiplier: multiplier})
}

// Orders returns one page of the loaded orders.
func (c *Client) Orders(ctx context.Context, offset, limit int) (*OrdersResponse, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	var resp OrdersResponse
	if err := c.do(ctx, http.MethodGet, "/api/session/orders?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Dates lists the days with data for stockID in month (YYYY-MM).
func (c *Client) Dates(ctx context.Context, stockID, month string) ([]string, error) {
	path := "/api/stocks/" + url.PathEscape(stockID) + "/dates?month=" + url.QueryEscape(month)
	var resp DatesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Dates, nil
}

// Series returns the chart series at the given bucket width.
func (c *Client) Series(ctx context.Context, bucket time.Duration) (*Series, error) {
	var s Series
	if err := c.do(ctx, http.MethodGet, "/api/session/series?bucket="+url.QueryEscape(bucket.String()), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Summary returns the aggregate figures of the loaded orders.
func (c *Client) Summary(ctx context.Context) (*SummaryResponse, error) {
	var s SummaryResponse
	if err := c.do(ctx, http.MethodGet, "/api/session/summary", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ExportCSV streams the CSV export into w.
func (c *Client) ExportCSV(ctx context.Context, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/session/export.csv", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET export.csv: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("reading export: %w", err)
	}
	return nil
}

func (c *Client) control(ctx context.Context, path string, body any) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodPost, path, body, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e httpapi.ErrorResponse
	if err := json.Unmarshal(data, &e); err != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(data))
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
}
