// Package lock provides distributed locking for coordinating work across
// multiple service instances. Mutual exclusion is delegated to a shared
// backend's advisory locking facility; this package adds bounded retry with
// backoff, cooperative cancellation, automatic release on cancellation,
// connection lifecycle safety and background liveness probes.
package lock

import (
	"context"
)

// Locker is the caller-facing surface of a named lock.
// Implementations must be safe for concurrent use.
type Locker interface {
	// AcquireLock obtains the lock, retrying up to maxRetries times.
	// The lock is released automatically when ctx is done.
	AcquireLock(ctx context.Context, maxRetries int) error

	// ReleaseLock releases the lock if it is held.
	// It's safe to call ReleaseLock even if the lock is not held.
	ReleaseLock(ctx context.Context) error

	// IsLocked returns true if this handle currently holds the lock.
	IsLocked() bool
}

// Source hands out dedicated backend sessions.
type Source interface {
	// Lease returns a connection owned exclusively by the caller until it is
	// closed or discarded.
	Lease(ctx context.Context) (Conn, error)
}

// Conn is a single backend session able to take advisory locks.
//
// TryAcquire, Acquire and Release form a matched set chosen by the
// implementation: a lock obtained with either acquire call is released by
// Release. Conns are not safe for concurrent use.
type Conn interface {
	// TryAcquire attempts to take the lock without waiting.
	TryAcquire(ctx context.Context, key uint64) (bool, error)

	// Acquire waits until the lock is granted, ctx is done or the session fails.
	Acquire(ctx context.Context, key uint64) error

	// Release drops a lock taken on this session.
	Release(ctx context.Context, key uint64) error

	// Probe performs a trivial round trip to check the session is alive.
	Probe(ctx context.Context) error

	// Close returns the session to its pool.
	Close() error

	// Discard destroys the session. Session-scoped locks die with it.
	Discard() error
}

var _ Locker = (*Handle)(nil)
