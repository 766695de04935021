package source

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"

	"stocksim/internal/domain"
	"stocksim/internal/store"
)

// Compile-time interface check.
var _ Source = (*CachedSource)(nil)

// CachedSource serves orders from the local archive and falls back to an
// upstream source, archiving what it fetches. A query is served from the
// archive only when a recorded fetch window of the same upstream covers it.
type CachedSource struct {
	upstream Source
	archive  store.OrderEventStore
	coverage store.FetchCoverage
	log      *slog.Logger
}

// NewCachedSource wraps upstream with archive. Fetched windows are recorded
// in coverage; with a nil coverage every query goes upstream and the archive
// is only written.
func NewCachedSource(upstream Source, archive store.OrderEventStore, coverage store.FetchCoverage, log *slog.Logger) *CachedSource {
	if log == nil {
		log = slog.Default()
	}
	return &CachedSource{
		upstream: upstream,
		archive:  archive,
		coverage: coverage,
		log:      log.With("component", "source", "source", "cached"),
	}
}

// Name returns "cached:" followed by the upstream name.
func (c *CachedSource) Name() string { return "cached:" + c.upstream.Name() }

// FetchOrders returns archived orders when an earlier fetch covered all of
// q, and otherwise fetches from upstream, archives the result and records
// the window. Archive failures are logged; they never fail the fetch.
func (c *CachedSource) FetchOrders(ctx context.Context, q Query) ([]domain.OrderEvent, error) {
	if c.covered(ctx, q) {
		events, _, err := c.archive.ReadOrderEvents(ctx, q.StockID, q.Start, q.End)
		if err == nil {
			c.log.Info("orders served from archive", "stock", q.StockID, "count", len(events))
			return events, nil
		}
		c.log.Warn("archive read failed", "stock", q.StockID, "error", err)
	}

	events, err := c.upstream.FetchOrders(ctx, q)
	if err != nil {
		return nil, err
	}
	assignFallbackIDs(events)
	if err := c.archive.WriteOrderEvents(ctx, events); err != nil {
		c.log.Warn("archive write failed", "stock", q.StockID, "error", err)
		return events, nil
	}
	if c.coverage != nil {
		if err := c.coverage.RecordFetch(ctx, c.upstream.Name(), q.StockID, q.Start, q.End); err != nil {
			c.log.Warn("recording fetch window failed", "stock", q.StockID, "error", err)
		}
	}
	return events, nil
}

func (c *CachedSource) covered(ctx context.Context, q Query) bool {
	if c.coverage == nil {
		return false
	}
	ok, err := c.coverage.Covered(ctx, c.upstream.Name(), q.StockID, q.Start, q.End)
	if err != nil {
		c.log.Warn("fetch coverage lookup failed", "stock", q.StockID, "error", err)
		return false
	}
	return ok
}

// AvailableDates delegates to upstream when it can list dates.
func (c *CachedSource) AvailableDates(ctx context.Context, stockID, yearMonth string) ([]string, error) {
	if dl, ok := c.upstream.(DateLister); ok {
		return dl.AvailableDates(ctx, stockID, yearMonth)
	}
	return nil, nil
}

// assignFallbackIDs gives every event without an ID one derived from its
// stock, time and raw record, so the same upstream record gets the same ID
// on every fetch. Identical records within a batch get a "-n" suffix.
func assignFallbackIDs(events []domain.OrderEvent) {
	seen := make(map[string]int)
	for i := range events {
		if events[i].ID != "" {
			continue
		}
		h := fnv.New64a()
		h.Write([]byte(strings.ToUpper(events[i].StockID)))
		h.Write([]byte(strconv.FormatInt(events[i].CreatedTime.UnixNano(), 10)))
		if raw, err := json.Marshal(events[i].Raw); err == nil {
			h.Write(raw)
		}
		id := "h" + strconv.FormatUint(h.Sum64(), 16)
		if n := seen[id]; n > 0 {
			seen[id] = n + 1
			id += "-" + strconv.Itoa(n)
		} else {
			seen[id] = 1
		}
		events[i].ID = id
	}
}
