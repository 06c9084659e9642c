package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/macaw2000/taskforge/taskerr"
)

// RetryController executes operations with jittered exponential
// backoff behind a per-(player, operation) circuit breaker.
type RetryController struct {
	mu       sync.Mutex
	breakers map[string]*Breaker

	log   *logrus.Entry
	clock func() time.Time

	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
}

// NewRetryController builds a controller with the production defaults.
func NewRetryController(log *logrus.Entry) *RetryController {
	return &RetryController{
		breakers:    make(map[string]*Breaker),
		log:         log,
		clock:       time.Now,
		baseDelay:   100 * time.Millisecond,
		maxDelay:    30 * time.Second,
		maxAttempts: 3,
	}
}

// SetClock overrides the wall clock on the controller and every
// breaker minted afterwards (tests).
func (r *RetryController) SetClock(clock func() time.Time) { r.clock = clock }

// SetRetryBudget overrides the attempt budget and delays.
func (r *RetryController) SetRetryBudget(attempts int, base, max time.Duration) {
	r.maxAttempts = attempts
	r.baseDelay = base
	r.maxDelay = max
}

// Breaker returns the circuit for a (player, operation) pair, minting
// a closed one on first use.
func (r *RetryController) Breaker(playerID, operation string) *Breaker {
	key := playerID + "|" + operation
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = NewBreaker(operation, r.clock)
		r.breakers[key] = b
	}
	return b
}

// Execute runs fn with retries. The circuit is consulted up front,
// where an open breaker fails fast with RES_CIRCUIT_OPEN, and again
// before each retry, where an open breaker ends the loop. Each
// attempt's outcome feeds the breaker; non-retryable errors stop the
// loop immediately.
//
// delay = base · 2^(attempt−1) capped at max, jittered ±20%.
func (r *RetryController) Execute(ctx context.Context, playerID, operation string, fn func(ctx context.Context) error) error {
	breaker := r.Breaker(playerID, operation)
	if ok, wait := breaker.Allow(); !ok {
		return taskerr.New(taskerr.CodeResCircuitOpen,
			fmt.Sprintf("%s circuit open for %s; retry in %s", operation, playerID, wait.Round(time.Second)))
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.baseDelay
	bo.MaxInterval = r.maxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0

	var err error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			breaker.RecordSuccess()
			return nil
		}
		breaker.RecordFailure()

		if !retryRecommended(err) {
			return err
		}
		if attempt == r.maxAttempts {
			break
		}
		// Re-check the circuit between attempts: the failure we just
		// recorded may have tripped it.
		if ok, _ := breaker.Allow(); !ok {
			break
		}

		select {
		case <-ctx.Done():
			return taskerr.Wrap(taskerr.CodeTimDeadline, operation+" cancelled", ctx.Err())
		case <-time.After(bo.NextBackOff()):
		}
	}

	r.log.WithError(err).WithFields(logrus.Fields{
		"player_id": playerID,
		"operation": operation,
		"attempts":  r.maxAttempts,
	}).Warn("operation failed after retries")
	return err
}

// TimeUntilRetry reports how long a (player, operation) pair must wait
// before its circuit allows traffic again.
func (r *RetryController) TimeUntilRetry(playerID, operation string) time.Duration {
	return r.Breaker(playerID, operation).TimeUntilRetry()
}

func retryRecommended(err error) bool {
	var te *taskerr.Error
	if errors.As(err, &te) {
		return te.RetryRecommended
	}
	// Unclassified failures get one retry cycle.
	return true
}
