package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var errLockTimeout = errors.New("lock timeout")

// fakeBackend is an in-memory advisory lock server for tests. Locks are
// exclusive per key across all connections leased from it.
type fakeBackend struct {
	mu      sync.Mutex
	owners  map[uint64]*fakeConn
	changed chan struct{}

	// busyTries forces the first N TryAcquire calls to report busy.
	busyTries atomic.Int32
	// failBlocking makes Acquire return errLockTimeout instead of waiting.
	failBlocking atomic.Bool
	tryErr       error
	leaseErr     error
	releaseErr   error
	// releaseGate, when set, makes Release wait for it to close or ctx to end.
	releaseGate chan struct{}
	probeErr     atomic.Pointer[error]

	leases       atomic.Int32
	tryCalls     atomic.Int32
	acquireCalls atomic.Int32
	releaseCalls atomic.Int32
	probeCalls   atomic.Int32
	closes       atomic.Int32
	discards     atomic.Int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		owners:  make(map[uint64]*fakeConn),
		changed: make(chan struct{}),
	}
}

func (b *fakeBackend) Lease(ctx context.Context) (Conn, error) {
	if b.leaseErr != nil {
		return nil, b.leaseErr
	}
	b.leases.Add(1)
	return &fakeConn{b: b}, nil
}

func (b *fakeBackend) setProbeErr(err error) {
	b.probeErr.Store(&err)
}

func (b *fakeBackend) held(key uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.owners[key]
	return ok
}

// take grants key to c if it is free. Must be called with b.mu held.
func (b *fakeBackend) take(key uint64, c *fakeConn) bool {
	if owner, ok := b.owners[key]; ok && owner != c {
		return false
	}
	b.owners[key] = c
	return true
}

// drop releases every lock of c. Must be called with b.mu held.
func (b *fakeBackend) drop(c *fakeConn, key uint64, all bool) bool {
	found := false
	for k, owner := range b.owners {
		if owner == c && (all || k == key) {
			delete(b.owners, k)
			found = true
		}
	}
	if found {
		close(b.changed)
		b.changed = make(chan struct{})
	}
	return found
}

type fakeConn struct {
	b      *fakeBackend
	closed atomic.Bool
}

func (c *fakeConn) TryAcquire(ctx context.Context, key uint64) (bool, error) {
	c.b.tryCalls.Add(1)
	if c.b.tryErr != nil {
		return false, c.b.tryErr
	}
	if c.b.busyTries.Load() > 0 {
		c.b.busyTries.Add(-1)
		return false, nil
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.b.take(key, c), nil
}

func (c *fakeConn) Acquire(ctx context.Context, key uint64) error {
	c.b.acquireCalls.Add(1)
	if c.b.failBlocking.Load() {
		return errLockTimeout
	}
	for {
		c.b.mu.Lock()
		if c.b.take(key, c) {
			c.b.mu.Unlock()
			return nil
		}
		changed := c.b.changed
		c.b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (c *fakeConn) Release(ctx context.Context, key uint64) error {
	c.b.releaseCalls.Add(1)
	if gate := c.b.releaseGate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.b.releaseErr != nil {
		return c.b.releaseErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if !c.b.drop(c, key, false) {
		return errors.New("lock not held by session")
	}
	return nil
}

func (c *fakeConn) Probe(ctx context.Context) error {
	c.b.probeCalls.Add(1)
	if p := c.b.probeErr.Load(); p != nil && *p != nil {
		return *p
	}
	return ctx.Err()
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	c.b.closes.Add(1)
	return nil
}

func (c *fakeConn) Discard() error {
	c.closed.Store(true)
	c.b.discards.Add(1)
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.drop(c, 0, true)
	return nil
}
