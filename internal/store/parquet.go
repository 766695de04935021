package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"stocksim/internal/domain"
)

// Compile-time interface check.
var _ OrderEventStore = (*ParquetStore)(nil)

// ParquetStore implements OrderEventStore using Parquet files on disk.
type ParquetStore struct {
	DataDir string

	// Location decides which calendar day an event is filed under.
	Location *time.Location
}

// NewParquetStore creates a new ParquetStore rooted at the given data
// directory. A nil loc files events by UTC day.
func NewParquetStore(dataDir string, loc *time.Location) *ParquetStore {
	if loc == nil {
		loc = time.UTC
	}
	return &ParquetStore{DataDir: dataDir, Location: loc}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// OrderEventRecord is the Parquet schema for archived order events. Raw
// holds the source record as JSON with its key order intact.
type OrderEventRecord struct {
	ID          string  `parquet:"id"`
	StockID     string  `parquet:"stock_id"`
	CreatedTime int64   `parquet:"created_time,timestamp(microsecond)"` // Unix µs
	Side        string  `parquet:"side"`
	Price       float64 `parquet:"price"`
	Volume      float64 `parquet:"volume"`
	Raw         string  `parquet:"raw"`
}

func toRecord(ev domain.OrderEvent) (OrderEventRecord, error) {
	raw, err := json.Marshal(ev.Raw)
	if err != nil {
		return OrderEventRecord{}, fmt.Errorf("encoding raw record of %s: %w", ev.ID, err)
	}
	return OrderEventRecord{
		ID:          ev.ID,
		StockID:     ev.StockID,
		CreatedTime: ev.CreatedTime.UnixMicro(),
		Side:        string(ev.Side),
		Price:       ev.Price,
		Volume:      ev.Volume,
		Raw:         string(raw),
	}, nil
}

func fromRecord(r OrderEventRecord, loc *time.Location) (domain.OrderEvent, error) {
	ev := domain.OrderEvent{
		ID:          r.ID,
		StockID:     r.StockID,
		CreatedTime: time.UnixMicro(r.CreatedTime).In(loc),
		Side:        domain.OrderSide(r.Side),
		Price:       r.Price,
		Volume:      r.Volume,
	}
	if r.Raw != "" {
		if err := json.Unmarshal([]byte(r.Raw), &ev.Raw); err != nil {
			return ev, fmt.Errorf("decoding raw record of %s: %w", r.ID, err)
		}
	}
	return ev, nil
}

// ---------------------------------------------------------------------------
// OrderEventStore implementation
// ---------------------------------------------------------------------------

// WriteOrderEvents writes events to Parquet files organized by stock and
// day. Each stock+day combination produces a separate file at:
//
//	<DataDir>/orders/<STOCK>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) WriteOrderEvents(_ context.Context, events []domain.OrderEvent) error {
	if len(events) == 0 {
		return nil
	}

	type key struct {
		stock string
		date  string // YYYY-MM-DD
	}
	groups := make(map[key][]OrderEventRecord)
	var order []key
	for _, ev := range events {
		rec, err := toRecord(ev)
		if err != nil {
			return err
		}
		k := key{stock: strings.ToUpper(ev.StockID), date: ev.CreatedTime.In(s.Location).Format("2006-01-02")}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], rec)
	}

	for _, k := range order {
		path := filepath.Join(s.DataDir, "orders", k.stock, k.date+".parquet")

		existing, err := readParquetFile[OrderEventRecord](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		merged := mergeOrderEventRecords(existing, groups[k])

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing order events for %s/%s: %w", k.stock, k.date, err)
		}
	}
	return nil
}

// ReadOrderEvents reads events for stockID within [start, end] from the
// daily files covering the range.
func (s *ParquetStore) ReadOrderEvents(_ context.Context, stockID string, start, end time.Time) ([]domain.OrderEvent, bool, error) {
	if end.Before(start) {
		return nil, false, nil
	}
	window := domain.TimeRange{Start: start, End: end}

	var (
		events []domain.OrderEvent
		found  bool
	)
	first := dayStart(start.In(s.Location))
	for d := first; !d.After(end); d = d.AddDate(0, 0, 1) {
		path := s.orderPath(stockID, d)
		records, err := readParquetFile[OrderEventRecord](path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, false, fmt.Errorf("reading %s: %w", path, err)
		}
		found = true
		for _, r := range records {
			ev, err := fromRecord(r, s.Location)
			if err != nil {
				return nil, false, err
			}
			if window.Contains(ev.CreatedTime) {
				events = append(events, ev)
			}
		}
	}
	return events, found, nil
}

// ListDates returns the archived days for stockID in ascending order.
func (s *ParquetStore) ListDates(stockID string) ([]string, error) {
	dir := filepath.Join(s.DataDir, "orders", strings.ToUpper(stockID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".parquet") {
			continue
		}
		dates = append(dates, strings.TrimSuffix(name, ".parquet"))
	}
	sort.Strings(dates)
	return dates, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// orderPath returns the filesystem path for an order-event Parquet file.
// Layout: <dataDir>/orders/<STOCK>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) orderPath(stockID string, t time.Time) string {
	date := t.In(s.Location).Format("2006-01-02")
	return filepath.Join(s.DataDir, "orders", strings.ToUpper(stockID), date+".parquet")
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeOrderEventRecords deduplicates records by id, preferring incoming
// records over existing ones. Records without an id are never merged.
// Records keep their first-seen position before a stable sort by creation
// time, so equal timestamps stay in source order.
func mergeOrderEventRecords(existing, incoming []OrderEventRecord) []OrderEventRecord {
	index := make(map[string]int, len(existing)+len(incoming))
	merged := make([]OrderEventRecord, 0, len(existing)+len(incoming))
	for _, batch := range [][]OrderEventRecord{existing, incoming} {
		for _, r := range batch {
			if r.ID == "" {
				merged = append(merged, r)
				continue
			}
			if i, ok := index[r.ID]; ok {
				merged[i] = r
				continue
			}
			index[r.ID] = len(merged)
			merged = append(merged, r)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedTime < merged[j].CreatedTime
	})
	return merged
}
