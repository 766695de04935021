// Package dispatch submits replayed orders to a broker without blocking
// playback. Orders are queued in a bounded buffer and drained by a pool of
// workers; when the buffer is full an overflow policy decides which order is
// dropped.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"stocksim/internal/broker"
	"stocksim/internal/domain"
	"stocksim/internal/notify"
	"stocksim/internal/store"
	"stocksim/internal/util"
)

// ErrQueueFull is reported when an order is dropped on overflow.
var ErrQueueFull = errors.New("dispatch: queue full")

// Overflow selects which order is dropped when the queue is full.
type Overflow string

const (
	DropNewest Overflow = "drop_newest"
	DropOldest Overflow = "drop_oldest"
)

// ParseOverflow maps a config value to an Overflow, defaulting to DropNewest.
func ParseOverflow(s string) Overflow {
	if Overflow(s) == DropOldest {
		return DropOldest
	}
	return DropNewest
}

// Guard is a pre-submission check. A non-nil error rejects the order.
type Guard interface {
	CheckOrder(ctx context.Context, ev *domain.OrderEvent) error
}

// Options configures a Dispatcher. Zero values select defaults.
type Options struct {
	Workers   int
	QueueSize int
	Overflow  Overflow
	Timeout   time.Duration

	RateLimiter *util.RateLimiter
	Guard       Guard
	Log         store.DispatchLog
	Notifier    notify.Notifier
	Logger      *slog.Logger
}

// Stats are cumulative dispatch counters.
type Stats struct {
	Accepted  uint64 `json:"accepted"`
	Dropped   uint64 `json:"dropped"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
	Queued    int    `json:"queued"`

	// AuditLost counts drop records that did not fit the audit buffer.
	AuditLost uint64 `json:"auditLost"`
}

// Dispatcher queues orders and submits them through a broker.
type Dispatcher struct {
	broker  broker.Broker
	opts    Options
	log     *slog.Logger
	queue   chan domain.OrderEvent
	audit   chan store.DispatchRecord
	enqueue sync.Mutex
	session atomic.Value // string
	stats   struct{ accepted, dropped, succeeded, failed, rejected, auditLost atomic.Uint64 }
}

// New creates a Dispatcher. Orders can be queued immediately; they are
// submitted once Run is called.
func New(b broker.Broker, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Overflow == "" {
		opts.Overflow = DropNewest
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Dispatcher{
		broker: b,
		opts:   opts,
		log:    opts.Logger.With("component", "dispatch", "broker", b.Name()),
		queue:  make(chan domain.OrderEvent, opts.QueueSize),
		audit:  make(chan store.DispatchRecord, opts.QueueSize),
	}
	d.session.Store("")
	return d
}

// SetSession tags subsequent dispatch log entries with id.
func (d *Dispatcher) SetSession(id string) {
	d.session.Store(id)
}

// Dispatch queues ev for submission. It never blocks.
func (d *Dispatcher) Dispatch(ev domain.OrderEvent) {
	d.enqueue.Lock()
	defer d.enqueue.Unlock()

	select {
	case d.queue <- ev:
		d.stats.accepted.Add(1)
		return
	default:
	}

	if d.opts.Overflow == DropOldest {
		select {
		case oldest := <-d.queue:
			d.drop(oldest)
		default:
		}
		select {
		case d.queue <- ev:
			d.stats.accepted.Add(1)
			return
		default:
		}
	}
	d.drop(ev)
}

func (d *Dispatcher) drop(ev domain.OrderEvent) {
	d.stats.dropped.Add(1)
	d.log.Warn("order dropped", "id", ev.ID, "stock", ev.StockID, "policy", string(d.opts.Overflow))
	// Dispatch runs under the playback lock; the audit worker does the write.
	if d.opts.Log != nil {
		select {
		case d.audit <- d.newRecord(ev, store.DispatchDropped, ErrQueueFull, 0):
		default:
			d.stats.auditLost.Add(1)
		}
	}
	notify.Error(d.opts.Notifier, "dispatch", fmt.Errorf("order %s: %w", ev.ID, ErrQueueFull))
}

// Run starts the workers and blocks until ctx is cancelled and in-flight
// submissions have finished. Orders still queued at that point are left
// unsent.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started", "workers", d.opts.Workers, "queue", d.opts.QueueSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.auditWorker(ctx)
	}()
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	wg.Wait()
	d.log.Info("dispatcher stopped", "queued", len(d.queue))
	return nil
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			if err := d.opts.RateLimiter.Wait(ctx); err != nil {
				return
			}
			d.submit(ctx, ev)
		}
	}
}

// auditWorker writes drop records until ctx is done, then flushes whatever
// is still buffered.
func (d *Dispatcher) auditWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case rec := <-d.audit:
					d.writeRecord(context.Background(), rec)
				default:
					return
				}
			}
		case rec := <-d.audit:
			d.writeRecord(ctx, rec)
		}
	}
}

func (d *Dispatcher) submit(ctx context.Context, ev domain.OrderEvent) {
	if d.opts.Guard != nil {
		if err := d.opts.Guard.CheckOrder(ctx, &ev); err != nil {
			d.stats.rejected.Add(1)
			d.log.Warn("order rejected", "id", ev.ID, "stock", ev.StockID, "error", err)
			d.record(ctx, ev, store.DispatchRejected, err, 0)
			notify.Error(d.opts.Notifier, "risk", err)
			return
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	start := time.Now()
	err := d.broker.SubmitOrder(reqCtx, &ev)
	latency := time.Since(start)
	cancel()

	if err != nil {
		d.stats.failed.Add(1)
		d.log.Error("order submission failed", "id", ev.ID, "stock", ev.StockID, "error", err)
		d.record(ctx, ev, store.DispatchFailed, err, latency)
		notify.Error(d.opts.Notifier, "order", err)
		return
	}
	d.stats.succeeded.Add(1)
	d.log.Debug("order submitted", "id", ev.ID, "stock", ev.StockID, "latency", latency)
	d.record(ctx, ev, store.DispatchSucceeded, nil, latency)
}

func (d *Dispatcher) record(ctx context.Context, ev domain.OrderEvent, status store.DispatchStatus, err error, latency time.Duration) {
	if d.opts.Log == nil {
		return
	}
	d.writeRecord(ctx, d.newRecord(ev, status, err, latency))
}

func (d *Dispatcher) newRecord(ev domain.OrderEvent, status store.DispatchStatus, err error, latency time.Duration) store.DispatchRecord {
	rec := store.DispatchRecord{
		SessionID: d.session.Load().(string),
		OrderID:   ev.ID,
		StockID:   ev.StockID,
		Broker:    d.broker.Name(),
		Status:    status,
		At:        time.Now(),
		Latency:   latency,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

func (d *Dispatcher) writeRecord(ctx context.Context, rec store.DispatchRecord) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := d.opts.Log.RecordDispatch(ctx, rec); err != nil {
		d.log.Warn("recording dispatch failed", "id", rec.OrderID, "error", err)
	}
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Accepted:  d.stats.accepted.Load(),
		Dropped:   d.stats.dropped.Load(),
		Succeeded: d.stats.succeeded.Load(),
		Failed:    d.stats.failed.Load(),
		Rejected:  d.stats.rejected.Load(),
		Queued:    len(d.queue),
		AuditLost: d.stats.auditLost.Load(),
	}
}
