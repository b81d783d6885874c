package call

import (
	"sync"
	"time"
)

// TimerSet tracks every deferred-cleanup timer in the process so shutdown
// can drain them deterministically. Without it, ended calls would keep the
// process alive for the whole garbage-collection delay.
type TimerSet struct {
	mu     sync.Mutex
	timers map[int64]*time.Timer
	nextID int64
	closed bool
}

// NewTimerSet creates an empty TimerSet.
func NewTimerSet() *TimerSet {
	return &TimerSet{timers: make(map[int64]*time.Timer)}
}

// AfterFunc schedules fn after d and returns a cancel function. The timer is
// removed from the set when it fires, is cancelled, or the set is stopped.
// After Stop, AfterFunc is a no-op returning a no-op cancel.
func (ts *TimerSet) AfterFunc(d time.Duration, fn func()) (cancel func()) {
	ts.mu.Lock()
	if ts.closed {
		ts.mu.Unlock()
		return func() {}
	}
	id := ts.nextID
	ts.nextID++

	t := time.AfterFunc(d, func() {
		ts.mu.Lock()
		_, live := ts.timers[id]
		delete(ts.timers, id)
		closed := ts.closed
		ts.mu.Unlock()
		if live && !closed {
			fn()
		}
	})
	ts.timers[id] = t
	ts.mu.Unlock()

	return func() {
		ts.mu.Lock()
		if tt, ok := ts.timers[id]; ok {
			tt.Stop()
			delete(ts.timers, id)
		}
		ts.mu.Unlock()
	}
}

// Stop cancels every pending timer. Callbacks that have not started will
// never run.
func (ts *TimerSet) Stop() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.closed = true
	for id, t := range ts.timers {
		t.Stop()
		delete(ts.timers, id)
	}
}

// Pending returns the number of scheduled timers, for tests and health
// reporting.
func (ts *TimerSet) Pending() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.timers)
}
