package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/lockcoord/internal/metrics"
)

// ElectionLock is the lock a LeaderElector campaigns for. *Handle implements it.
type ElectionLock interface {
	Locker

	// Name identifies the lock in logs and metrics.
	Name() string

	// Done is closed when the current hold of the lock ends.
	Done() <-chan struct{}
}

var _ ElectionLock = (*Handle)(nil)

// LeaderElector manages leader election using a distributed lock.
// It continuously tries to acquire and keep the lock until stopped.
type LeaderElector struct {
	lock   ElectionLock
	logger zerolog.Logger

	isLeader     atomic.Bool
	maxRetries   int
	retryBackoff time.Duration

	onBecomeLeader func()
	onLoseLeader   func()

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// LeaderElectorOption configures a LeaderElector.
type LeaderElectorOption func(*LeaderElector)

// WithMaxRetries sets the retry budget of each campaign.
func WithMaxRetries(n int) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.maxRetries = n
	}
}

// WithRetryBackoff sets how long to wait before campaigning again after a
// failed campaign or a lost lock.
func WithRetryBackoff(d time.Duration) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.retryBackoff = d
	}
}

// WithOnBecomeLeader sets a callback that's called when this instance becomes leader.
func WithOnBecomeLeader(fn func()) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.onBecomeLeader = fn
	}
}

// WithOnLoseLeader sets a callback that's called when this instance loses leadership.
func WithOnLoseLeader(fn func()) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.onLoseLeader = fn
	}
}

// NewLeaderElector creates a new leader elector with the given lock.
func NewLeaderElector(lock ElectionLock, logger zerolog.Logger, opts ...LeaderElectorOption) *LeaderElector {
	e := &LeaderElector{
		lock:         lock,
		logger:       logger.With().Str("component", "leader-elector").Str("lockName", lock.Name()).Logger(),
		maxRetries:   5,
		retryBackoff: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins the election loop. The lock is held under a context derived
// from ctx, so cancelling ctx also gives up leadership.
func (e *LeaderElector) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(runCtx)
}

// Stop stops the election loop and releases leadership if held.
func (e *LeaderElector) Stop(ctx context.Context) {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	if err := e.lock.ReleaseLock(ctx); err != nil {
		e.logger.Error().Err(err).Msg("failed to release lock on shutdown")
	}

	select {
	case <-e.lock.Done():
	case <-ctx.Done():
		e.logger.Warn().Err(ctx.Err()).Msg("gave up waiting for lock release on shutdown")
	}

	if e.setLeader(false) {
		e.logger.Info().Msg("released leadership on shutdown")
	}
}

// Resign gives up leadership if held. The election loop campaigns again
// after the retry backoff.
func (e *LeaderElector) Resign(ctx context.Context) error {
	if !e.IsLeader() {
		return ErrNotLeader
	}
	e.logger.Info().Msg("resigning leadership")
	return e.lock.ReleaseLock(ctx)
}

// IsLeader returns true if this instance is currently the leader.
func (e *LeaderElector) IsLeader() bool {
	return e.isLeader.Load()
}

func (e *LeaderElector) run(ctx context.Context) {
	defer e.wg.Done()

	for {
		err := e.lock.AcquireLock(ctx, e.maxRetries)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var exhausted *AcquisitionExhaustedError
			if errors.As(err, &exhausted) {
				e.logger.Debug().Err(err).Msg("another instance is leader")
			} else {
				e.logger.Error().Err(err).Msg("failed to acquire leadership")
			}
			if !e.wait(ctx) {
				return
			}
			continue
		}

		e.logger.Info().Msg("acquired leadership")
		e.setLeader(true)

		select {
		case <-e.lock.Done():
			e.logger.Warn().Msg("lost leadership")
			e.setLeader(false)
			if !e.wait(ctx) {
				return
			}
		case <-ctx.Done():
			// The lock releases itself once ctx is done.
			<-e.lock.Done()
			e.setLeader(false)
			return
		}
	}
}

// setLeader records a leadership change and reports whether it changed.
func (e *LeaderElector) setLeader(leader bool) bool {
	if e.isLeader.Swap(leader) == leader {
		return false
	}
	metrics.SetLeader(e.lock.Name(), leader)
	if leader && e.onBecomeLeader != nil {
		e.onBecomeLeader()
	}
	if !leader && e.onLoseLeader != nil {
		e.onLoseLeader()
	}
	return true
}

func (e *LeaderElector) wait(ctx context.Context) bool {
	return sleep(ctx, e.retryBackoff) == nil
}
