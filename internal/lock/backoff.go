package lock

import (
	"context"
	"time"
)

// DefaultBackoffStep is the step of the default linear backoff schedule.
const DefaultBackoffStep = 100 * time.Millisecond

// BackoffFunc maps a 1-indexed attempt number to the wait before the next attempt.
type BackoffFunc func(attempt int) time.Duration

// LinearBackoff waits attempt*step.
func LinearBackoff(step time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return time.Duration(attempt) * step
	}
}

// ConstantBackoff always waits d.
func ConstantBackoff(d time.Duration) BackoffFunc {
	return func(int) time.Duration {
		return d
	}
}

// ExponentialBackoff doubles the wait every attempt starting at initial,
// capped at ceiling.
func ExponentialBackoff(initial, ceiling time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if initial <= 0 {
			return 0
		}
		d := initial
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= ceiling || d <= 0 {
				return ceiling
			}
		}
		if d > ceiling {
			return ceiling
		}
		return d
	}
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
