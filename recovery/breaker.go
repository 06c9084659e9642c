// Package recovery layers the ordered recovery strategies, retry with
// backoff, per-(player, operation) circuit breakers and graceful
// degradation over the persistence stack.
package recovery

import (
	"sync"
	"time"

	"github.com/macaw2000/taskforge/observability"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerHalfOpen                     // probing recovery
	BreakerOpen                         // failing fast
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker defaults.
const (
	breakerThreshold   = 5
	breakerTimeout     = 60 * time.Second
	breakerHalfOpenMax = 3
)

// Breaker is one circuit: it opens after a run of consecutive
// failures, fails fast while open, and probes with a bounded number of
// trial calls once the cooldown elapses.
type Breaker struct {
	mu sync.Mutex

	name  string
	clock func() time.Time

	state       BreakerState
	failures    int
	openedAt    time.Time
	trialsUsed  int
	threshold   int
	timeout     time.Duration
	halfOpenMax int
}

// NewBreaker builds a closed breaker with the production defaults.
func NewBreaker(name string, clock func() time.Time) *Breaker {
	if clock == nil {
		clock = time.Now
	}
	return &Breaker{
		name:        name,
		clock:       clock,
		state:       BreakerClosed,
		threshold:   breakerThreshold,
		timeout:     breakerTimeout,
		halfOpenMax: breakerHalfOpenMax,
	}
}

// Allow reports whether a call may proceed. When the circuit is open
// it returns false and the time remaining until the next probe window.
func (b *Breaker) Allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		elapsed := b.clock().Sub(b.openedAt)
		if elapsed < b.timeout {
			return false, b.timeout - elapsed
		}
		b.setState(BreakerHalfOpen)
		b.trialsUsed = 0
	}

	if b.state == BreakerHalfOpen {
		if b.trialsUsed >= b.halfOpenMax {
			return false, 0
		}
		b.trialsUsed++
		return true, 0
	}
	return true, 0
}

// RecordSuccess closes the circuit from half-open and clears the
// failure run.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.setState(BreakerClosed)
	}
}

// RecordFailure counts a consecutive failure. The circuit opens at the
// threshold, and any half-open failure reopens it with a fresh timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.setState(BreakerOpen)
		b.openedAt = b.clock()
		b.trialsUsed = 0
		return
	}

	b.failures++
	if b.state == BreakerClosed && b.failures >= b.threshold {
		b.setState(BreakerOpen)
		b.openedAt = b.clock()
	}
}

// State returns the current state, accounting for an elapsed cooldown.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.clock().Sub(b.openedAt) >= b.timeout {
		return BreakerHalfOpen
	}
	return b.state
}

// TimeUntilRetry returns how long callers must wait while the circuit
// is open, or zero.
func (b *Breaker) TimeUntilRetry() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return 0
	}
	remaining := b.timeout - b.clock().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *Breaker) setState(s BreakerState) {
	b.state = s
	observability.CircuitState.WithLabelValues(b.name).Set(float64(s))
}
