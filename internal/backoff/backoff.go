// Package backoff implements the reconnect delay schedule and bounded exponential retry.
package backoff

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Schedule is a monotonically increasing list of delays. Indexes past the end clamp to the last element.
type Schedule []time.Duration

// Delay returns the delay of the i-th retry (0-based).
func (s Schedule) Delay(i int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	if i < 0 {
		i = 0
	}
	if i >= len(s) {
		i = len(s) - 1
	}
	return s[i]
}

// Tracker counts consecutive connection failures against a schedule.
type Tracker struct {
	mu          sync.Mutex
	schedule    Schedule
	maxAttempts int // 0 = unlimited
	fails       int
}

// NewTracker constructs a tracker; maxAttempts <= 0 means unlimited.
func NewTracker(schedule Schedule, maxAttempts int) *Tracker {
	return &Tracker{schedule: schedule, maxAttempts: maxAttempts}
}

// Failure records a failure and returns the delay before the next attempt.
// exhausted is true once maxAttempts consecutive failures have been recorded.
func (t *Tracker) Failure() (delay time.Duration, exhausted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fails++
	if t.maxAttempts > 0 && t.fails > t.maxAttempts {
		return 0, true
	}
	return t.schedule.Delay(t.fails - 1), false
}

// Success resets the failure counter.
func (t *Tracker) Success() {
	t.mu.Lock()
	t.fails = 0
	t.mu.Unlock()
}

// Failures returns the number of consecutive failures.
func (t *Tracker) Failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fails
}

// Retry calls fn up to retries+1 times, sleeping base, 2*base, 4*base... between attempts.
// Errors for which permanent returns true are returned without further attempts.
// It respects context cancellation.
func Retry(ctx context.Context, retries int, base time.Duration, permanent func(error) bool, fn func(context.Context) error) error {
	var lastErr error
	for i := 0; i <= retries; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if permanent != nil && permanent(err) {
			return err
		}
		if i == retries {
			break
		}

		timer := time.NewTimer(base << i)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("after %d attempts: %w", retries+1, lastErr)
}
