// Package breaker wraps per-bucket origin calls with a circuit breaker and a
// jittered-backoff retry policy.
//
// The gobreaker.CircuitBreaker wraps an arbitrary function call rather than
// an http.Handler: origin fetches go through internal/origin.ObjectStore,
// not through a middleware chain, so the breaker sits directly around that
// call.
package breaker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Config controls one bucket's circuit breaker.
type Config struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
	// IsSuccessful classifies a call's error for trip accounting; nil means
	// any non-nil error counts as a failure. Callers use this to keep
	// authoritative origin answers (404, 304) from tripping the breaker.
	IsSuccessful func(error) bool
}

// DefaultConfig returns reasonable breaker settings for one bucket.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         10 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      3,
	}
}

// Breaker wraps calls to one bucket's origin/replica with trip-on-failure-
// ratio circuit breaking.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// New builds a Breaker from cfg. logger may be nil, in which case state
// changes are not logged.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: cfg.IsSuccessful, // nil keeps gobreaker's err == nil default
	})
	return &Breaker{cb: cb, logger: logger}
}

// ErrOpen is gobreaker's own sentinel, returned when the breaker is open.
// Callers should fail fast -- no origin I/O is attempted. A half-open
// breaker that has already admitted MaxRequests returns
// gobreaker.ErrTooManyRequests instead.
var ErrOpen = gobreaker.ErrOpenState

// IsOpen reports whether the breaker is currently rejecting calls without
// attempting them, for admission checks that want to skip a doomed replica.
func (b *Breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// Execute runs fn through the circuit breaker, recording its success or
// failure against the trip threshold.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}

// RetryPolicy controls exponential backoff with full jitter between retry
// attempts, and which errors are worth retrying at all.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(error) bool
}

// DefaultRetryPolicy retries transport-level errors (anything not
// classified as non-retryable) up to 3 attempts with backoff capped at 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Retryable:   func(error) bool { return true },
	}
}

// Do runs fn, retrying per p's policy with full-jitter exponential backoff
// between attempts, until fn succeeds, ctx is done, an error is classified
// non-retryable, or attempts are exhausted.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = func(error) bool { return true }
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := fullJitterBackoff(p.BaseDelay, p.MaxDelay, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// fullJitterBackoff returns a random duration in [0, min(max, base*2^(attempt-1))),
// the "full jitter" strategy: spreads retries to avoid synchronized retry
// storms across many clients hitting the same failing bucket at once.
func fullJitterBackoff(base, max time.Duration, attempt int) time.Duration {
	backoff := base << uint(attempt-1)
	if backoff <= 0 || backoff > max {
		backoff = max
	}
	if backoff <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(backoff)))
}
