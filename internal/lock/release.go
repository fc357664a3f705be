package lock

import (
	"context"

	"github.com/kneutral-org/lockcoord/internal/metrics"
)

const (
	triggerExplicit = "explicit"
	triggerCancel   = "cancel"
	triggerHealth   = "health"
)

// ReleaseLock releases the lock if it is held. Calling it on a handle that
// does not hold the lock returns nil without contacting the backend.
//
// A failed backend release is returned as *ReleaseError; the handle is idle
// regardless and the connection is destroyed, which ends any session-scoped
// lock still registered on it.
func (h *Handle) ReleaseLock(ctx context.Context) error {
	return h.release(ctx, 0, triggerExplicit)
}

// release moves a held lock back to idle. A non-zero cycle restricts the
// release to that acquisition cycle so stale callbacks are no-ops.
func (h *Handle) release(ctx context.Context, cycle uint64, trigger string) error {
	h.mu.Lock()
	if h.state != Held || (cycle != 0 && h.cycle != cycle) {
		h.mu.Unlock()
		return nil
	}
	h.state = Releasing
	conn := h.conn
	stopBinder := h.stopBinder
	mon := h.monitor
	h.stopBinder = nil
	h.monitor = nil
	h.mu.Unlock()

	if stopBinder != nil {
		stopBinder()
	}
	if mon != nil {
		mon.stop()
	}

	h.connMu.Lock()
	err := conn.Release(ctx, h.key)
	h.giveBack(conn, err != nil)
	h.connMu.Unlock()

	if mon != nil {
		mon.wait()
	}

	h.mu.Lock()
	h.state = Idle
	h.conn = nil
	released := h.released
	h.released = nil
	h.mu.Unlock()
	close(released)
	metrics.DecLocksHeld()

	if err != nil {
		metrics.RecordRelease(trigger, "error")
		return &ReleaseError{Name: h.name, Err: err}
	}
	metrics.RecordRelease(trigger, "success")
	return nil
}

// autoRelease runs a release of cycle bounded by the release timeout. It is
// used by the cancellation binding and by fatal health probes; failures are
// logged, never returned.
func (h *Handle) autoRelease(cycle uint64, trigger string) {
	h.mu.Lock()
	timeout := h.releaseTimeout
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger := h.log()
	if err := h.release(ctx, cycle, trigger); err != nil {
		logger.Error().Err(err).Str("trigger", trigger).Dur("timeout", timeout).
			Msg("automatic lock release failed, backend lock may still be held")
		return
	}
	logger.Debug().Str("trigger", trigger).Msg("lock released automatically")
}
