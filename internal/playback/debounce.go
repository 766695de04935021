package playback

import (
	"sync"
	"time"
)

// Debouncer runs side effects after a quiet period. Each task is keyed; a
// new Schedule for the same key cancels the previous one, so a burst of
// calls produces a single run after the last call.
type Debouncer struct {
	clock Clock

	mu    sync.Mutex
	tasks map[string]*debounced
	seq   uint64
}

type debounced struct {
	timer Timer
	id    uint64
}

// NewDebouncer returns a Debouncer using clock (RealClock if nil).
func NewDebouncer(clock Clock) *Debouncer {
	if clock == nil {
		clock = RealClock{}
	}
	return &Debouncer{clock: clock, tasks: make(map[string]*debounced)}
}

// Schedule arranges for fn to run after delay unless key is rescheduled or
// cancelled first.
func (d *Debouncer) Schedule(key string, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.tasks[key]; ok {
		prev.timer.Stop()
	}
	d.seq++
	id := d.seq
	task := &debounced{id: id}
	d.tasks[key] = task
	task.timer = d.clock.AfterFunc(delay, func() { d.fire(key, id, fn) })
}

func (d *Debouncer) fire(key string, id uint64, fn func()) {
	d.mu.Lock()
	task, ok := d.tasks[key]
	if !ok || task.id != id {
		// Superseded or cancelled after the timer had already fired.
		d.mu.Unlock()
		return
	}
	delete(d.tasks, key)
	d.mu.Unlock()

	fn()
}

// Cancel drops the pending task for key. It reports whether one existed.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	task, ok := d.tasks[key]
	if !ok {
		return false
	}
	task.timer.Stop()
	delete(d.tasks, key)
	return true
}

// Pending reports whether a task is scheduled for key.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tasks[key]
	return ok
}

// Stop cancels every pending task.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, task := range d.tasks {
		task.timer.Stop()
		delete(d.tasks, key)
	}
}
