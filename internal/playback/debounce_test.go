package playback

import (
	"testing"
	"slices"
	"time"
)

func TestDebouncerCoalescesBursts(t *testing.T) {
	clock := newFakeClock()
	d := NewDebouncer(clock)

	runs := 0
	for i := 0; i < 5; i++ {
		d.Schedule("k", time.Second, func() { runs++ })
		clock.Advance(300 * time.Millisecond)
	}
	if runs != 0 || !d.Pending("k") {
		t.Fatalf("runs = %d, pending = %v during burst, want 0 and true", runs, d.Pending("k"))
	}

	clock.Advance(700 * time.Millisecond)
	if runs != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}
	if d.Pending("k") {
		t.Error("Pending = true after fire")
	}
	if n := clock.Active(); n != 0 {
		t.Errorf("timers = %d, want 0", n)
	}
}

func TestDebouncerKeysAreIndependent(t *testing.T) {
	clock := newFakeClock()
	d := NewDebouncer(clock)

	var fired []string
	d.Schedule("a", 100*time.Millisecond, func() { fired = append(fired, "a") })
	d.Schedule("b", 50*time.Millisecond, func() { fired = append(fired, "b") })

	clock.Advance(time.Second)
	if want := []string{"b", "a"}; !slices.Equal(fired, want) {
		t.Errorf("fired = %v, want %v", fired, want)
	}
}

func TestDebouncerCancel(t *testing.T) {
	clock := newFakeClock()
	d := NewDebouncer(clock)

	runs := 0
	d.Schedule("k", time.Second, func() { runs++ })
	if !d.Cancel("k") {
		t.Error("Cancel = false for a pending task")
	}
	if d.Cancel("k") {
		t.Error("Cancel = true for a cancelled task")
	}

	clock.Advance(2 * time.Second)
	if runs != 0 {
		t.Errorf("runs = %d, want 0", runs)
	}
}

func TestDebouncerStop(t *testing.T) {
	clock := newFakeClock()
	d := NewDebouncer(clock)

	runs := 0
	d.Schedule("a", time.Second, func() { runs++ })
	d.Schedule("b", time.Second, func() { runs++ })
	d.Stop()

	clock.Advance(2 * time.Second)
	if runs != 0 {
		t.Errorf("runs = %d, want 0", runs)
	}
	if n := clock.Active(); n != 0 {
		t.Errorf("timers = %d, want 0", n)
	}
}

func TestDebouncerIgnoresStaleFire(t *testing.T) {
	clock := newFakeClock()
	d := NewDebouncer(clock)

	runs := 0
	d.Schedule("k", time.Second, func() { runs += 10 })
	// Simulate a timer that fired concurrently with a reschedule: the old
	// callback runs after the task map already holds the new id.
	d.mu.Lock()
	staleID := d.tasks["k"].id
	d.mu.Unlock()
	d.Schedule("k", time.Second, func() { runs++ })

	d.fire("k", staleID, func() { runs += 100 })
	if runs != 0 {
		t.Fatalf("runs = %d after stale fire, want 0", runs)
	}

	clock.Advance(time.Second)
	if runs != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}
}
