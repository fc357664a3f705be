package lock

import (
	"context"
	"errors"
	"time"

	"github.com/kneutral-org/lockcoord/internal/metrics"
)

const (
	modeTry      = "try"
	modeBlocking = "blocking"
)

// AcquireLock obtains the lock.
//
// Attempts 1..maxRetries-1 are non-blocking tries separated by the backoff
// schedule; the last attempt blocks until the backend grants the lock or ctx is
// done. maxRetries <= 1 means a single blocking attempt with no backoff.
//
// Once held, the lock is released automatically when ctx is done. A release
// still in flight is waited for. Errors are *ConfigurationError,
// *AcquisitionTimeoutError, *AcquisitionExhaustedError or ErrNotIdle.
func (h *Handle) AcquireLock(ctx context.Context, maxRetries int) error {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		metrics.RecordAcquireDuration("timeout", time.Since(start).Seconds())
		return &AcquisitionTimeoutError{Name: h.name, Cause: err}
	}

	h.mu.Lock()
	for h.state == Releasing {
		released := h.released
		h.mu.Unlock()
		select {
		case <-released:
		case <-ctx.Done():
			metrics.RecordAcquireDuration("timeout", time.Since(start).Seconds())
			return &AcquisitionTimeoutError{Name: h.name, Cause: ctx.Err()}
		}
		h.mu.Lock()
	}
	if h.state != Idle {
		h.mu.Unlock()
		return ErrNotIdle
	}
	h.state = Acquiring
	h.cycle++
	cycle := h.cycle
	pending := h.pending
	backoff := h.backoff
	health := h.health
	h.mu.Unlock()

	err := h.acquire(ctx, cycle, maxRetries, pending, backoff, health)

	result := "acquired"
	var (
		timeoutErr   *AcquisitionTimeoutError
		exhaustedErr *AcquisitionExhaustedError
	)
	switch {
	case err == nil:
	case errors.As(err, &timeoutErr):
		result = "timeout"
	case errors.As(err, &exhaustedErr):
		result = "exhausted"
	default:
		result = "error"
	}
	metrics.RecordAcquireDuration(result, time.Since(start).Seconds())
	return err
}

func (h *Handle) acquire(ctx context.Context, cycle uint64, maxRetries int, pending <-chan struct{}, backoff BackoffFunc, health *HealthConfig) error {
	// A blocking attempt abandoned by a previous cycle may still own a
	// connection; never hold two at once.
	if pending != nil {
		select {
		case <-pending:
		case <-ctx.Done():
			h.resetIdle(cycle)
			return &AcquisitionTimeoutError{Name: h.name, Cause: ctx.Err()}
		}
	}

	attempts := maxRetries
	if attempts < 1 {
		attempts = 1
	}

	var (
		conn Conn
		errs []error
	)
	fail := func(err error) error {
		h.giveBack(conn, false)
		h.resetIdle(cycle)
		return err
	}

	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return fail(&AcquisitionTimeoutError{Name: h.name, Cause: err, Attempts: errs})
		}

		blocking := i == attempts
		if conn == nil {
			c, err := h.lease(ctx)
			if isConfigurationError(err) {
				return fail(err)
			}
			if err != nil {
				errs = append(errs, &attemptError{attempt: i, blocking: blocking, err: err})
			}
			conn = c
		}

		if conn != nil {
			acquired, abandoned, err := h.attempt(ctx, conn, blocking)
			if abandoned {
				conn = nil
			}
			if acquired {
				h.hold(ctx, cycle, conn, health)
				return nil
			}
			if err != nil && !errors.Is(err, ErrLockBusy) && conn != nil {
				// The session may be broken; start over on a fresh one.
				h.giveBack(conn, true)
				conn = nil
			}
			errs = append(errs, &attemptError{attempt: i, blocking: blocking, err: err})
		}

		if blocking {
			break
		}
		if err := sleep(ctx, backoff(i)); err != nil {
			return fail(&AcquisitionTimeoutError{Name: h.name, Cause: err, Attempts: errs})
		}
	}

	if err := ctx.Err(); err != nil {
		return fail(&AcquisitionTimeoutError{Name: h.name, Cause: err, Attempts: errs})
	}
	return fail(&AcquisitionExhaustedError{Name: h.name, Attempts: errs})
}

// attempt runs one try or blocking acquisition on conn. abandoned reports that
// conn was handed to a background cleanup and must not be used again.
func (h *Handle) attempt(ctx context.Context, conn Conn, blocking bool) (acquired, abandoned bool, err error) {
	if !blocking {
		ok, err := conn.TryAcquire(ctx, h.key)
		switch {
		case err != nil:
			metrics.RecordAcquireAttempt(modeTry, "error")
			return false, false, err
		case !ok:
			metrics.RecordAcquireAttempt(modeTry, "busy")
			return false, false, ErrLockBusy
		}
		metrics.RecordAcquireAttempt(modeTry, "acquired")
		return true, false, nil
	}

	result := make(chan error, 1)
	go func() {
		result <- conn.Acquire(ctx, h.key)
	}()

	select {
	case err := <-result:
		if err != nil {
			metrics.RecordAcquireAttempt(modeBlocking, "error")
			return false, false, err
		}
		metrics.RecordAcquireAttempt(modeBlocking, "acquired")
		return true, false, nil
	case <-ctx.Done():
		metrics.RecordAcquireAttempt(modeBlocking, "cancelled")
		h.abandon(conn, result)
		return false, true, ctx.Err()
	}
}

// abandon waits in the background for a blocking acquire the caller stopped
// waiting for, drops the lock if it was granted anyway and destroys the
// session.
func (h *Handle) abandon(conn Conn, result <-chan error) {
	done := make(chan struct{})

	h.mu.Lock()
	h.pending = done
	timeout := h.releaseTimeout
	h.mu.Unlock()

	logger := h.log()

	go func() {
		defer close(done)

		if err := <-result; err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := conn.Release(ctx, h.key); err != nil {
				logger.Warn().Err(err).Msg("failed to release lock granted after cancellation")
			}
			cancel()
		}
		h.giveBack(conn, true)

		h.mu.Lock()
		if h.pending == done {
			h.pending = nil
		}
		h.mu.Unlock()
	}()
}

// hold records a granted lock, arms the cancellation-triggered release and
// starts the health monitor.
func (h *Handle) hold(ctx context.Context, cycle uint64, conn Conn, health *HealthConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = Held
	h.conn = conn
	h.released = make(chan struct{})
	h.stopBinder = context.AfterFunc(ctx, func() {
		h.autoRelease(cycle, triggerCancel)
	})
	if health.enabled() {
		h.monitor = startMonitor(h, cycle, *health, h.logger)
	}
	metrics.IncLocksHeld()
}

func (h *Handle) resetIdle(cycle uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cycle == cycle && h.state == Acquiring {
		h.state = Idle
		h.conn = nil
	}
}
