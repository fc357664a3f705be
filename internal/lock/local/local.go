// Package local implements lock.Source inside a single process. Handles
// built on the same Locks exclude each other; nothing is shared between
// processes.
package local

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kneutral-org/lockcoord/internal/lock"
)

// ErrNotHeld is returned by Release when the connection does not hold the key.
var ErrNotHeld = errors.New("local: lock not held by this connection")

// Locks is a set of per-key binary semaphores.
type Locks struct {
	mu    sync.Mutex
	locks map[uint64]*semaphore.Weighted
}

// NewLocks creates an empty set.
func NewLocks() *Locks {
	return &Locks{locks: make(map[uint64]*semaphore.Weighted)}
}

func (ll *Locks) get(key uint64) *semaphore.Weighted {
	ll.mu.Lock()
	defer ll.mu.Unlock()

	l, ok := ll.locks[key]
	if !ok {
		l = semaphore.NewWeighted(1)
		ll.locks[key] = l
	}
	return l
}

// Lease implements lock.Source.
func (ll *Locks) Lease(ctx context.Context) (lock.Conn, error) {
	if ll == nil {
		return nil, lock.NewConfigurationError(errors.New("local: locks is nil"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Conn{ll: ll, held: make(map[uint64]struct{})}, nil
}

// Conn plays the role of a session: discarding it drops its locks.
type Conn struct {
	ll *Locks

	mu   sync.Mutex
	held map[uint64]struct{}
}

func (c *Conn) hold(key uint64) {
	c.mu.Lock()
	c.held[key] = struct{}{}
	c.mu.Unlock()
}

// TryAcquire implements lock.Conn.
func (c *Conn) TryAcquire(ctx context.Context, key uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !c.ll.get(key).TryAcquire(1) {
		return false, nil
	}
	c.hold(key)
	return true, nil
}

// Acquire implements lock.Conn.
func (c *Conn) Acquire(ctx context.Context, key uint64) error {
	if err := c.ll.get(key).Acquire(ctx, 1); err != nil {
		return err
	}
	c.hold(key)
	return nil
}

// Release implements lock.Conn.
func (c *Conn) Release(ctx context.Context, key uint64) error {
	c.mu.Lock()
	_, ok := c.held[key]
	delete(c.held, key)
	c.mu.Unlock()

	if !ok {
		return ErrNotHeld
	}
	c.ll.get(key).Release(1)
	return nil
}

// Probe implements lock.Conn. An in-process session cannot fail.
func (c *Conn) Probe(ctx context.Context) error {
	return ctx.Err()
}

// Close implements lock.Conn.
func (c *Conn) Close() error {
	return nil
}

// Discard releases every key the connection still holds.
func (c *Conn) Discard() error {
	c.mu.Lock()
	keys := make([]uint64, 0, len(c.held))
	for key := range c.held {
		keys = append(keys, key)
	}
	clear(c.held)
	c.mu.Unlock()

	for _, key := range keys {
		c.ll.get(key).Release(1)
	}
	return nil
}
