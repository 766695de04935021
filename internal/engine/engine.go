// Package engine coordinates one simulator session: preparing the remote
// instrument, fetching the historical order sequence, and driving its
// playback through the scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stocksim/internal/broker"
	"stocksim/internal/dashboard"
	"stocksim/internal/dispatch"
	"stocksim/internal/domain"
	"stocksim/internal/export"
	"stocksim/internal/notify"
	"stocksim/internal/playback"
	"stocksim/internal/source"
	"stocksim/internal/store"
	"stocksim/internal/util"
)

var (
	// ErrNoSession is returned by playback operations before Prepare.
	ErrNoSession = errors.New("engine: no session prepared")

	// ErrInvalidRequest wraps malformed Prepare requests.
	ErrInvalidRequest = errors.New("engine: invalid request")
)

// SessionTagger receives the id of each prepared session. The dispatcher
// implements it to tag its audit log.
type SessionTagger interface {
	SetSession(id string)
}

// StatsReporter exposes dispatch counters.
type StatsReporter interface {
	Stats() dispatch.Stats
}

// DateArchive lists the days held in the local order archive.
type DateArchive interface {
	ListDates(stockID string) ([]string, error)
}

// Options configures an Engine.
type Options struct {
	Source     source.Source
	Broker     broker.Broker
	Dispatcher playback.Dispatcher
	Sessions   store.SessionStore
	Archive    DateArchive
	Notifier   notify.Notifier
	Location   *time.Location

	// Playback seeds the scheduler. Resetter, Notifier, OnChange and Logger
	// are set by the engine.
	Playback playback.Options
	MaxSpeed float64

	// OnChange receives a status snapshot after every playback transition.
	OnChange func(Status)

	Logger *slog.Logger
}

// PrepareRequest selects the orders of one stock over one time window.
// Start and End are clock times on Date in the engine's location, or full
// RFC3339 timestamps.
type PrepareRequest struct {
	StockID string `json:"stockId"`
	Date    string `json:"date"`
	Start   string `json:"start"`
	End     string `json:"end"`
	Replay  bool   `json:"replay"`
}

// Status combines the session, playback and dispatch state.
type Status struct {
	Session  *store.Session  `json:"session,omitempty"`
	Playback playback.Status `json:"playback"`
	Dispatch *dispatch.Stats `json:"dispatch,omitempty"`
}

// Engine owns the single active session.
type Engine struct {
	opts  Options
	log   *slog.Logger
	sched *playback.Scheduler

	prepare sync.Mutex

	mu      sync.RWMutex
	session *store.Session
}

// New creates an Engine with an empty scheduler.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MaxSpeed <= 0 {
		opts.MaxSpeed = 10
	}
	e := &Engine{
		opts: opts,
		log:  opts.Logger.With("component", "engine"),
	}

	po := opts.Playback
	po.Notifier = opts.Notifier
	po.Logger = opts.Logger
	po.OnChange = e.changed
	if opts.Broker != nil {
		po.Resetter = playback.ResetFunc(e.seekReset)
	}
	e.sched = playback.NewScheduler(opts.Dispatcher, po)
	return e
}

// MaxSpeed returns the configured upper bound for the speed multiplier.
func (e *Engine) MaxSpeed() float64 { return e.opts.MaxSpeed }

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

// Prepare stops any running playback, resets the remote instrument, fetches
// the requested orders and loads them for playback. A failed reset is
// notified but does not prevent the session from loading.
func (e *Engine) Prepare(ctx context.Context, req PrepareRequest) (*store.Session, error) {
	stockID := strings.TrimSpace(req.StockID)
	if stockID == "" {
		return nil, fmt.Errorf("%w: stock id is required", ErrInvalidRequest)
	}
	start, end, err := util.SessionBounds(req.Date, req.Start, req.End, e.opts.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	e.prepare.Lock()
	defer e.prepare.Unlock()

	e.sched.Stop()

	displayID := e.resetForPrepare(ctx, stockID, req.Replay)

	events, err := e.opts.Source.FetchOrders(ctx, source.Query{StockID: stockID, Start: start, End: end})
	if err != nil {
		notify.Error(e.opts.Notifier, "source", err)
		return nil, fmt.Errorf("fetching orders: %w", err)
	}
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = strconv.Itoa(i)
		}
		if events[i].StockID == "" {
			events[i].StockID = stockID
		}
		if displayID != "" {
			stampDisplay(&events[i], displayID)
		}
	}

	sess := &store.Session{
		ID:             uuid.NewString(),
		StockID:        stockID,
		DisplayStockID: displayID,
		Start:          start,
		End:            end,
		Replay:         req.Replay,
		Events:         len(events),
		Source:         e.opts.Source.Name(),
		CreatedAt:      time.Now(),
	}
	if e.opts.Sessions != nil {
		if err := e.opts.Sessions.SaveSession(ctx, sess); err != nil {
			e.log.Warn("saving session failed", "session", sess.ID, "error", err)
		}
	}
	if t, ok := e.opts.Dispatcher.(SessionTagger); ok {
		t.SetSession(sess.ID)
	}

	e.mu.Lock()
	e.session = sess
	e.mu.Unlock()

	e.sched.Load(events)

	e.log.Info("session prepared",
		"session", sess.ID,
		"stock", stockID,
		"display", displayID,
		"events", len(events),
		"start", start,
		"end", end,
	)
	if len(events) == 0 {
		notify.Warn(e.opts.Notifier, "source", fmt.Sprintf("no orders for %s in the selected range", stockID))
	}
	cp := *sess
	return &cp, nil
}

// resetForPrepare resets stockID on the broker. In replay mode the backend
// keeps the source instrument and reports the display instrument replayed
// orders go to.
func (e *Engine) resetForPrepare(ctx context.Context, stockID string, replay bool) string {
	if e.opts.Broker == nil {
		return ""
	}
	opts := domain.ResetOptions{IsReset: true}
	if replay {
		opts = domain.ResetOptions{IsReset: false}
	}
	res, err := e.opts.Broker.ResetStock(ctx, stockID, opts)
	if err != nil {
		e.log.Warn("prepare reset failed", "stock", stockID, "error", err)
		notify.Error(e.opts.Notifier, "reset", err)
		return ""
	}
	if replay && res != nil {
		return res.DisplayStockID
	}
	return ""
}

// stampDisplay redirects an event to the display instrument.
func stampDisplay(ev *domain.OrderEvent, displayID string) {
	ev.StockID = displayID
	raw := ev.Raw.Clone()
	_ = raw.SetFront("stockId", displayID)
	ev.Raw = raw
}

func (e *Engine) seekReset(ctx context.Context, stockID string) error {
	_, err := e.opts.Broker.ResetStock(ctx, stockID, domain.ResetOptions{IsReset: true})
	return err
}

// ---------------------------------------------------------------------------
// Playback control
// ---------------------------------------------------------------------------

func (e *Engine) requireSession() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return ErrNoSession
	}
	return nil
}

// Start begins or resumes playback.
func (e *Engine) Start() error {
	if err := e.requireSession(); err != nil {
		return err
	}
	e.sched.Start()
	return nil
}

// Stop pauses playback.
func (e *Engine) Stop() error {
	if err := e.requireSession(); err != nil {
		return err
	}
	e.sched.Stop()
	return nil
}

// Seek moves the cursor to index and schedules a debounced reset.
func (e *Engine) Seek(index int) error {
	if err := e.requireSession(); err != nil {
		return err
	}
	return e.sched.Seek(index)
}

// SetSpeed changes the playback multiplier.
func (e *Engine) SetSpeed(multiplier float64) error {
	if err := e.requireSession(); err != nil {
		return err
	}
	return e.sched.SetSpeed(multiplier)
}

// Status returns the current snapshot.
func (e *Engine) Status() Status {
	return e.status(e.sched.Status())
}

func (e *Engine) status(pb playback.Status) Status {
	st := Status{Playback: pb}
	e.mu.RLock()
	if e.session != nil {
		cp := *e.session
		st.Session = &cp
	}
	e.mu.RUnlock()
	if r, ok := e.opts.Dispatcher.(StatsReporter); ok {
		stats := r.Stats()
		st.Dispatch = &stats
	}
	return st
}

func (e *Engine) changed(pb playback.Status) {
	if e.opts.OnChange != nil {
		e.opts.OnChange(e.status(pb))
	}
}

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

// Orders returns up to limit loaded orders starting at offset, with limit
// zero meaning all.
func (e *Engine) Orders(offset, limit int) ([]domain.OrderEvent, error) {
	if err := e.requireSession(); err != nil {
		return nil, err
	}
	return e.sched.Events(offset, limit), nil
}

// ExportCSV writes the loaded orders as CSV.
func (e *Engine) ExportCSV(w io.Writer, opts export.Options) error {
	events, err := e.Orders(0, 0)
	if err != nil {
		return err
	}
	return export.WriteCSV(w, events, opts)
}

// Series buckets the loaded orders for charting.
func (e *Engine) Series(bucket time.Duration) (dashboard.Series, error) {
	events, err := e.Orders(0, 0)
	if err != nil {
		return dashboard.Series{}, err
	}
	return dashboard.BuildSeries(events, bucket), nil
}

// Summary aggregates the loaded orders.
func (e *Engine) Summary() (dashboard.Summary, error) {
	events, err := e.Orders(0, 0)
	if err != nil {
		return dashboard.Summary{}, err
	}
	return dashboard.Summarize(events), nil
}

// AvailableDates returns the days with data for stockID in yearMonth. The
// source is asked first. When it lists no dates or fails, the local archive
// is used; a source error is returned only when there is no archive.
func (e *Engine) AvailableDates(ctx context.Context, stockID, yearMonth string) ([]string, error) {
	ym, err := util.YearMonth(yearMonth)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	var srcErr error
	if dl, ok := e.opts.Source.(source.DateLister); ok {
		dates, err := dl.AvailableDates(ctx, stockID, ym)
		switch {
		case err != nil:
			srcErr = err
			e.log.Warn("listing dates from source failed", "stock", stockID, "month", ym, "error", err)
			notify.Error(e.opts.Notifier, "source", err)
		case len(dates) > 0:
			return dates, nil
		}
	}
	if e.opts.Archive == nil {
		if srcErr != nil {
			return nil, srcErr
		}
		return []string{}, nil
	}
	all, err := e.opts.Archive.ListDates(stockID)
	if err != nil {
		return nil, fmt.Errorf("listing archive: %w", err)
	}
	dates := []string{}
	for _, d := range all {
		if strings.HasPrefix(d, ym+"-") {
			dates = append(dates, d)
		}
	}
	return dates, nil
}

// Sessions lists recently prepared sessions, newest first.
func (e *Engine) Sessions(ctx context.Context, limit int) ([]store.Session, error) {
	if e.opts.Sessions == nil {
		return []store.Session{}, nil
	}
	return e.opts.Sessions.ListSessions(ctx, limit)
}

// Close stops playback and releases the scheduler.
func (e *Engine) Close() {
	e.sched.Close()
}
