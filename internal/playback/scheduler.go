// Package playback replays a fixed sequence of historical order events in
// real time. A Scheduler walks a cursor through the sequence, dispatching
// each event as it is reached and sleeping for the original gap to the next
// event divided by a speed multiplier.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"stocksim/internal/domain"
	"stocksim/internal/notify"
)

const (
	// DefaultMinimumDelay is the floor applied to every computed delay so
	// that identical or out-of-order timestamps still make progress.
	DefaultMinimumDelay = 50 * time.Millisecond

	// DefaultResetDebounce is how long seeks must pause before the remote
	// instrument is reset.
	DefaultResetDebounce = time.Second

	resetTaskKey = "seek-reset"
)

var (
	// ErrIndexOutOfRange is returned by Seek for an index outside the sequence.
	ErrIndexOutOfRange = errors.New("playback: index out of range")

	// ErrInvalidSpeed is returned by SetSpeed for a non-positive multiplier.
	ErrInvalidSpeed = errors.New("playback: speed multiplier must be positive")
)

// Dispatcher submits an event for remote execution. Dispatch is called with
// the scheduler's lock held, so it must return promptly and must not call
// back into the Scheduler.
type Dispatcher interface {
	Dispatch(ev domain.OrderEvent)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(domain.OrderEvent)

// Dispatch calls f(ev).
func (f DispatchFunc) Dispatch(ev domain.OrderEvent) { f(ev) }

// Resetter resets the simulated state of one instrument on the remote side.
type Resetter interface {
	ResetStock(ctx context.Context, stockID string) error
}

// ResetFunc adapts a function to Resetter.
type ResetFunc func(ctx context.Context, stockID string) error

// ResetStock calls f(ctx, stockID).
func (f ResetFunc) ResetStock(ctx context.Context, stockID string) error { return f(ctx, stockID) }

// Options configures a Scheduler. Zero values select defaults.
type Options struct {
	Clock         Clock
	MinimumDelay  time.Duration
	ResetDebounce time.Duration
	Speed         float64

	// RescaleOnSpeedChange makes SetSpeed rescale the outstanding wake-up.
	// When false a speed change only affects the next computed delay.
	RescaleOnSpeedChange bool

	Resetter Resetter
	Notifier notify.Notifier

	// OnReset runs when a debounced seek reset fires, before the remote call.
	OnReset func()

	// OnChange receives a snapshot after every state transition. It is
	// called without the scheduler lock held.
	OnChange func(Status)

	Logger *slog.Logger
}

// Status is a point-in-time snapshot of a Scheduler.
type Status struct {
	Len        int                `json:"len"`
	Cursor     int                `json:"cursor"`
	Running    bool               `json:"running"`
	Finished   bool               `json:"finished"`
	Speed      float64            `json:"speed"`
	Dispatched uint64             `json:"dispatched"`
	NextDelay  time.Duration      `json:"nextDelay"`
	Current    *domain.OrderEvent `json:"current,omitempty"`
}

// Scheduler drives playback of one event sequence.
//
// All mutable state is guarded by mu. Every wake-up carries the generation
// number current when it was scheduled; cancelling bumps the generation, so
// a callback that lost the race with Stop/Seek/Load sees a stale number and
// returns without touching state. At most one wake-up is ever live.
type Scheduler struct {
	dispatcher Dispatcher
	clock      Clock
	minDelay   time.Duration
	debounce   time.Duration
	rescale    bool
	resetter   Resetter
	notifier   notify.Notifier
	onReset    func()
	onChange   func(Status)
	log        *slog.Logger
	debouncer  *Debouncer

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	seq        []domain.OrderEvent
	cursor     int
	running    bool
	finished   bool
	speed      float64
	pending    Timer
	gen        uint64
	deadline   time.Time
	nextDelay  time.Duration
	dispatched uint64
	closed     bool
}

// NewScheduler creates an idle Scheduler with an empty sequence.
func NewScheduler(d Dispatcher, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.MinimumDelay <= 0 {
		opts.MinimumDelay = DefaultMinimumDelay
	}
	if opts.ResetDebounce <= 0 {
		opts.ResetDebounce = DefaultResetDebounce
	}
	if !(opts.Speed > 0) || math.IsInf(opts.Speed, 0) {
		opts.Speed = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		dispatcher: d,
		clock:      opts.Clock,
		minDelay:   opts.MinimumDelay,
		debounce:   opts.ResetDebounce,
		rescale:    opts.RescaleOnSpeedChange,
		resetter:   opts.Resetter,
		notifier:   opts.Notifier,
		onReset:    opts.OnReset,
		onChange:   opts.OnChange,
		log:        opts.Logger.With("component", "playback"),
		debouncer:  NewDebouncer(opts.Clock),
		ctx:        ctx,
		cancel:     cancel,
		speed:      opts.Speed,
	}
}

// Delay is the wait between dispatching cur and advancing to next: the
// timestamp gap divided by speed, never less than floor.
func Delay(cur, next domain.OrderEvent, speed float64, floor time.Duration) time.Duration {
	gap := next.CreatedTime.Sub(cur.CreatedTime)
	d := gap
	if speed > 0 {
		d = time.Duration(float64(gap) / speed)
	}
	if d < floor {
		d = floor
	}
	return d
}

// Load replaces the sequence. Any pending wake-up and any pending seek reset
// are cancelled, the cursor returns to 0 and the scheduler is idle. Nothing
// is dispatched. The slice is copied.
func (s *Scheduler) Load(seq []domain.OrderEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.cancelLocked()
	s.debouncer.Cancel(resetTaskKey)
	s.seq = append([]domain.OrderEvent(nil), seq...)
	s.cursor = 0
	s.running = false
	s.finished = false
	st := s.statusLocked()
	s.mu.Unlock()

	s.log.Debug("sequence loaded", "events", len(seq))
	s.changed(st)
}

// Start dispatches the event at the cursor and schedules the advance to the
// next one. It is a no-op when the sequence is empty, when already running,
// or when playback has already run to completion.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.closed || len(s.seq) == 0 || s.running || s.finished {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.dispatchLocked()
	st := s.statusLocked()
	s.mu.Unlock()

	s.changed(st)
}

// Stop halts playback and cancels the pending wake-up. The cursor stays
// where it is, so a later Start re-dispatches the current event.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.cancelLocked()
	st := s.statusLocked()
	s.mu.Unlock()

	if wasRunning {
		s.changed(st)
	}
}

// Seek moves the cursor to index and stops playback. The remote instrument
// of the target event is reset once seeking pauses for the debounce period.
func (s *Scheduler) Seek(index int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if index < 0 || index >= len(s.seq) {
		s.mu.Unlock()
		return ErrIndexOutOfRange
	}
	s.cancelLocked()
	s.cursor = index
	s.running = false
	s.finished = false
	stockID := s.seq[index].StockID
	s.debouncer.Schedule(resetTaskKey, s.debounce, func() { s.runReset(stockID) })
	st := s.statusLocked()
	s.mu.Unlock()

	s.changed(st)
	return nil
}

// SetSpeed sets the multiplier used for subsequent delay computations.
func (s *Scheduler) SetSpeed(multiplier float64) error {
	if !(multiplier > 0) || math.IsInf(multiplier, 0) {
		return ErrInvalidSpeed
	}

	s.mu.Lock()
	old := s.speed
	s.speed = multiplier
	if s.rescale && s.pending != nil && s.running {
		remaining := s.deadline.Sub(s.clock.Now())
		if remaining < 0 {
			remaining = 0
		}
		d := time.Duration(float64(remaining) * old / multiplier)
		if d < s.minDelay {
			d = s.minDelay
		}
		s.scheduleLocked(d)
	}
	st := s.statusLocked()
	s.mu.Unlock()

	s.changed(st)
	return nil
}

// Status returns a snapshot of the current state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Events returns a copy of up to limit events starting at offset.
func (s *Scheduler) Events(offset, limit int) []domain.OrderEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.seq) {
		return nil
	}
	end := len(s.seq)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]domain.OrderEvent(nil), s.seq[offset:end]...)
}

// Close stops playback and releases every timer. The scheduler ignores all
// operations afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.running = false
	s.cancelLocked()
	s.mu.Unlock()

	s.debouncer.Stop()
	s.cancel()
}

// dispatchLocked dispatches the current event and either schedules the
// advance or, at the end of the sequence, completes playback.
func (s *Scheduler) dispatchLocked() {
	cur := s.seq[s.cursor]
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(cur)
	}
	s.dispatched++

	if s.cursor+1 >= len(s.seq) {
		s.running = false
		s.finished = true
		s.log.Info("playback completed", "events", len(s.seq))
		return
	}
	s.scheduleLocked(Delay(cur, s.seq[s.cursor+1], s.speed, s.minDelay))
}

// scheduleLocked replaces any pending wake-up with one after d.
func (s *Scheduler) scheduleLocked(d time.Duration) {
	s.cancelLocked()
	gen := s.gen
	s.nextDelay = d
	s.deadline = s.clock.Now().Add(d)
	s.pending = s.clock.AfterFunc(d, func() { s.advance(gen) })
}

// cancelLocked stops the pending wake-up and invalidates its callback.
func (s *Scheduler) cancelLocked() {
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.nextDelay = 0
	s.gen++
}

func (s *Scheduler) advance(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.running || s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.nextDelay = 0
	s.cursor++
	s.dispatchLocked()
	st := s.statusLocked()
	s.mu.Unlock()

	s.changed(st)
}

func (s *Scheduler) runReset(stockID string) {
	if s.onReset != nil {
		s.onReset()
	}
	if s.resetter == nil || stockID == "" {
		return
	}
	if err := s.resetter.ResetStock(s.ctx, stockID); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn("seek reset failed", "stock", stockID, "error", err)
		notify.Error(s.notifier, "reset", err)
	}
}

func (s *Scheduler) statusLocked() Status {
	st := Status{
		Len:        len(s.seq),
		Cursor:     s.cursor,
		Running:    s.running,
		Finished:   s.finished,
		Speed:      s.speed,
		Dispatched: s.dispatched,
		NextDelay:  s.nextDelay,
	}
	if len(s.seq) > 0 {
		cur := s.seq[s.cursor]
		st.Current = &cur
	}
	return st
}

func (s *Scheduler) changed(st Status) {
	if s.onChange != nil {
		s.onChange(st)
	}
}
