// Package resilience guards calls to upstream HTTP services (speech
// synthesis, webhooks) with a three-state breaker: once an upstream fails
// repeatedly, further calls are rejected immediately instead of each one
// burning a full timeout inside a live call.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] when the breaker is suspended and the
// cooldown has not yet elapsed.
var ErrOpen = errors.New("breaker open")

// State is the breaker's operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the cooldown elapses.
	StateOpen

	// StateHalfOpen admits a limited number of probe calls after the
	// cooldown; their outcome decides whether the breaker closes or reopens.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Settings tunes a [Breaker]. The zero value of each field takes a default.
type Settings struct {
	// Name labels the breaker in log lines.
	Name string

	// TripAfter is the consecutive-failure count that opens the breaker.
	// Default: 5.
	TripAfter int

	// Cooldown is how long the breaker stays open before admitting probe
	// calls. Default: 30s.
	Cooldown time.Duration

	// ProbeCount is how many half-open calls must succeed to close the
	// breaker; it also caps how many run concurrently. Default: 3.
	ProbeCount int

	// IsFailure decides whether an error from the wrapped call counts
	// against the breaker. Errors it rejects (a caller hanging up
	// mid-synthesis, say) neither trip the breaker nor close it. Nil counts
	// every error.
	IsFailure func(error) bool
}

// Breaker wraps calls to one upstream. Safe for concurrent use.
type Breaker struct {
	name      string
	tripAfter int
	cooldown  time.Duration
	probeMax  int
	isFailure func(error) bool

	mu       sync.Mutex
	state    State
	streak   int // consecutive failures while closed
	openedAt time.Time
	probes   int // half-open calls admitted
	passed   int // half-open calls succeeded
}

// NewBreaker builds a [Breaker] from s, filling zero fields with defaults.
func NewBreaker(s Settings) *Breaker {
	if s.TripAfter <= 0 {
		s.TripAfter = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	if s.ProbeCount <= 0 {
		s.ProbeCount = 3
	}
	return &Breaker{
		name:      s.Name,
		tripAfter: s.TripAfter,
		cooldown:  s.Cooldown,
		probeMax:  s.ProbeCount,
		isFailure: s.IsFailure,
	}
}

// Do runs fn unless the breaker is open, in which case it returns [ErrOpen]
// without calling fn. fn's error is returned as-is either way.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and reports whether it runs as a
// half-open probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return false, ErrOpen
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.passed = 0
		slog.Info("breaker admitting probe calls", "name", b.name)
		fallthrough
	case StateHalfOpen:
		if b.probes >= b.probeMax {
			return false, ErrOpen
		}
		b.probes++
		return true, nil
	}
	return false, nil
}

// settle records the outcome of an admitted call.
func (b *Breaker) settle(probe bool, err error) {
	failed := err != nil && (b.isFailure == nil || b.isFailure(err))

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && !failed {
		// Neutral outcome: the upstream was never really exercised.
		if probe && b.state == StateHalfOpen {
			b.probes--
		}
		return
	}

	if failed {
		if probe {
			// One bad probe is enough evidence the upstream is still down.
			if b.state == StateHalfOpen {
				b.reopen()
			}
			return
		}
		if b.state == StateClosed {
			b.streak++
			if b.streak >= b.tripAfter {
				b.trip()
			}
		}
		return
	}

	if probe {
		if b.state == StateHalfOpen {
			b.passed++
			if b.passed >= b.probeMax {
				b.close()
			}
		}
		return
	}
	b.streak = 0
}

// trip and reopen must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = time.Now()
	slog.Warn("breaker opened", "name", b.name, "consecutive_failures", b.streak)
}

func (b *Breaker) reopen() {
	b.state = StateOpen
	b.openedAt = time.Now()
	slog.Warn("breaker reopened after failed probe", "name", b.name)
}

func (b *Breaker) close() {
	b.state = StateClosed
	b.streak = 0
	slog.Info("breaker closed after successful probes", "name", b.name)
}

// State reports the breaker's mode. An open breaker past its cooldown
// reports [StateHalfOpen]; the transition itself happens on the next [Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}
