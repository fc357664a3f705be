package lock

import (
	"context"
	"errors"
)

// WithLock acquires h, runs fn and releases h. The context passed to fn is
// cancelled if the lock is lost while fn runs.
func WithLock(ctx context.Context, h *Handle, maxRetries int, fn func(ctx context.Context) error) (err error) {
	if err := h.AcquireLock(ctx, maxRetries); err != nil {
		return err
	}

	lockCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lost := h.Done()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-lost:
			cancel()
		case <-stop:
		}
	}()

	defer func() {
		err = errors.Join(err, h.ReleaseLock(context.WithoutCancel(ctx)))
	}()

	return fn(lockCtx)
}
