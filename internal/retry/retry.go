// Package retry implements the exponential-backoff policy used for
// transient external-call failures (posting fetches, withdrawal calls).
// The lock-acquire loop has its own tighter backoff and never goes
// through this package.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/anchapin/ai-freelance-platform-sub002/internal/obs"
)

// Backoff maps an attempt number to a wait duration:
// min(base * 2^attempt, max).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = 500 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	return b
}

// Wait returns the delay before retrying after the given zero-based
// failed attempt.
func (b Backoff) Wait(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base << uint(attempt)
	if d <= 0 || d > b.Max {
		return b.Max
	}
	return d
}

// ExhaustedError is the terminal error after all retries failed, tagged
// with the total attempt count.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Retrier runs operations with bounded retries. An explicit loop, not
// recursion: stack depth and cancellation stay predictable.
type Retrier struct {
	Backoff    Backoff
	MaxRetries int // retries after the first attempt; default 3

	Logger  *obs.Logger
	Metrics *obs.Metrics
}

// Do invokes fn, retrying per the backoff schedule on failure. The final
// failure is wrapped in ExhaustedError. ctx cancellation cuts the wait
// short and is returned as-is.
func (r Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	maxRetries := r.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++
		if r.Metrics != nil {
			r.Metrics.RetryAttempts.WithLabelValues(op).Inc()
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == maxRetries {
			break
		}

		wait := r.Backoff.Wait(attempt)
		if r.Logger != nil {
			r.Logger.Warn(map[string]interface{}{
				"op":      op,
				"attempt": attempts,
				"wait_ms": wait.Milliseconds(),
				"error":   lastErr.Error(),
			})
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return &ExhaustedError{Op: op, Attempts: attempts, Err: lastErr}
}
