package call

import (
	"testing"
	"time"
)

func TestAfterFuncFires(t *testing.T) {
	ts := NewTimerSet()
	defer ts.Stop()

	fired := make(chan struct{})
	ts.AfterFunc(5*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("callback never fired")
	}

	deadline := time.After(time.Second)
	for ts.Pending() != 0 {
		select {
		case <-deadline:
			t.Fatalf("Pending = %d after fire", ts.Pending())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestCancelPreventsCallback(t *testing.T) {
	ts := NewTimerSet()
	defer ts.Stop()

	fired := make(chan struct{}, 1)
	cancel := ts.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
	cancel()
	cancel() // idempotent

	if ts.Pending() != 0 {
		t.Errorf("Pending = %d after cancel", ts.Pending())
	}

	select {
	case <-fired:
		t.Error("cancelled callback fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStopCancelsEverything(t *testing.T) {
	ts := NewTimerSet()

	fired := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		ts.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
	}
	if ts.Pending() != 3 {
		t.Fatalf("Pending = %d, want 3", ts.Pending())
	}

	ts.Stop()

	if ts.Pending() != 0 {
		t.Errorf("Pending = %d after Stop", ts.Pending())
	}
	select {
	case <-fired:
		t.Error("callback fired after Stop")
	case <-time.After(100 * time.Millisecond):
	}

	// Scheduling after Stop is a no-op.
	cancel := ts.AfterFunc(time.Millisecond, func() { fired <- struct{}{} })
	cancel()
	select {
	case <-fired:
		t.Error("callback scheduled after Stop fired")
	case <-time.After(50 * time.Millisecond):
	}
}
