// Package pgadvisory implements lock.Source on PostgreSQL session-level
// advisory locks using a pgx connection pool.
package pgadvisory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kneutral-org/lockcoord/internal/lock"
)

// discardTimeout bounds closing a hijacked connection.
const discardTimeout = 5 * time.Second

var (
	// ErrNilPool is wrapped in a lock.ConfigurationError when the source has no pool.
	ErrNilPool = errors.New("pgadvisory: pool is nil")

	// ErrNotHeld is returned by Release when the session does not hold the lock.
	ErrNotHeld = errors.New("pgadvisory: advisory lock not held by this session")
)

// queries is a matched set of advisory lock functions. A lock taken with
// either acquire query is only ever dropped by the unlock of the same set.
type queries struct {
	tryLock string
	lock    string
	unlock  string
}

var (
	exclusiveQueries = queries{
		tryLock: "SELECT pg_try_advisory_lock($1)",
		lock:    "SELECT pg_advisory_lock($1)",
		unlock:  "SELECT pg_advisory_unlock($1)",
	}
	sharedQueries = queries{
		tryLock: "SELECT pg_try_advisory_lock_shared($1)",
		lock:    "SELECT pg_advisory_lock_shared($1)",
		unlock:  "SELECT pg_advisory_unlock_shared($1)",
	}
)

// Source leases dedicated pool connections for advisory locking.
type Source struct {
	pool    *pgxpool.Pool
	queries queries
}

// Option configures a Source.
type Option func(*Source)

// WithShared takes shared instead of exclusive advisory locks. Shared holders
// only exclude exclusive holders of the same key.
func WithShared() Option {
	return func(s *Source) {
		s.queries = sharedQueries
	}
}

// NewSource creates a Source backed by pool. A nil pool is accepted and
// reported as a lock.ConfigurationError by Lease.
func NewSource(pool *pgxpool.Pool, opts ...Option) *Source {
	s := &Source{
		pool:    pool,
		queries: exclusiveQueries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lease implements lock.Source.
func (s *Source) Lease(ctx context.Context) (lock.Conn, error) {
	if s == nil || s.pool == nil {
		return nil, lock.NewConfigurationError(ErrNilPool)
	}
	c, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgadvisory: acquire connection: %w", err)
	}
	return &Conn{conn: c, queries: s.queries}, nil
}

// Conn is one pooled PostgreSQL session.
type Conn struct {
	conn    *pgxpool.Conn
	queries queries
}

// TryAcquire implements lock.Conn.
func (c *Conn) TryAcquire(ctx context.Context, key uint64) (bool, error) {
	var ok bool
	if err := c.conn.QueryRow(ctx, c.queries.tryLock, int64(key)).Scan(&ok); err != nil {
		return false, fmt.Errorf("pgadvisory: try lock: %w", err)
	}
	return ok, nil
}

// Acquire implements lock.Conn. pgx cancels the server-side wait when ctx is done.
func (c *Conn) Acquire(ctx context.Context, key uint64) error {
	if _, err := c.conn.Exec(ctx, c.queries.lock, int64(key)); err != nil {
		return fmt.Errorf("pgadvisory: lock: %w", err)
	}
	return nil
}

// Release implements lock.Conn.
func (c *Conn) Release(ctx context.Context, key uint64) error {
	var ok bool
	if err := c.conn.QueryRow(ctx, c.queries.unlock, int64(key)).Scan(&ok); err != nil {
		return fmt.Errorf("pgadvisory: unlock: %w", err)
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}

// Probe implements lock.Conn.
func (c *Conn) Probe(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close returns the session to the pool.
func (c *Conn) Close() error {
	if c.conn == nil {
		return nil
	}
	c.conn.Release()
	c.conn = nil
	return nil
}

// Discard takes the session out of the pool and closes it, which makes the
// server drop every advisory lock it still holds.
func (c *Conn) Discard() error {
	if c.conn == nil {
		return nil
	}
	pc := c.conn.Hijack()
	c.conn = nil

	ctx, cancel := context.WithTimeout(context.Background(), discardTimeout)
	defer cancel()
	return pc.Close(ctx)
}
