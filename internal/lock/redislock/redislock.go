// Package redislock implements lock.Source on Redis. Locks are keys set
// with SET NX PX holding a token unique to the lease; release and renewal
// are atomic check-and-act Lua scripts so a holder never touches a key it
// no longer owns. A held key is renewed in the background until it is
// released, so holding a lock never depends on health probes.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kneutral-org/lockcoord/internal/lock"
)

const (
	// DefaultTTL is the key expiration used when none is configured.
	DefaultTTL = 30 * time.Second

	// DefaultPollInterval is how often a blocking acquire retries SET NX.
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultKeyPrefix namespaces lock keys.
	DefaultKeyPrefix = "lockcoord:lock:"

	discardTimeout = 2 * time.Second
)

var (
	// ErrNilClient is wrapped in a lock.ConfigurationError when the source has no client.
	ErrNilClient = errors.New("redislock: client is nil")

	// ErrLockNotHeld is returned when releasing or renewing a key this lease does not own.
	ErrLockNotHeld = errors.New("redislock: lock not held by this instance")
)

var (
	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)

	extendScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// Source hands out Redis-backed lock connections sharing one client.
type Source struct {
	client        redis.UniversalClient
	ttl           time.Duration
	renewInterval time.Duration
	pollInterval  time.Duration
	prefix        string
}

// Option configures a Source.
type Option func(*Source)

// WithTTL sets the key expiration.
func WithTTL(ttl time.Duration) Option {
	return func(s *Source) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithRenewInterval sets how often a held key has its TTL extended.
// Defaults to a third of the TTL.
func WithRenewInterval(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.renewInterval = d
		}
	}
}

// WithPollInterval sets the retry period of a blocking acquire.
func WithPollInterval(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithKeyPrefix sets the namespace for lock keys.
func WithKeyPrefix(prefix string) Option {
	return func(s *Source) {
		s.prefix = prefix
	}
}

// NewSource creates a Source. A nil client is reported by Lease.
func NewSource(client redis.UniversalClient, opts ...Option) *Source {
	s := &Source{
		client:       client,
		ttl:          DefaultTTL,
		pollInterval: DefaultPollInterval,
		prefix:       DefaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the key expiration.
func (s *Source) TTL() time.Duration {
	return s.ttl
}

// RenewInterval returns the period of background TTL renewal.
func (s *Source) RenewInterval() time.Duration {
	if s.renewInterval > 0 && s.renewInterval < s.ttl {
		return s.renewInterval
	}
	if d := s.ttl / 3; d > 0 {
		return d
	}
	return s.ttl
}

// KeyName returns the Redis key that stores the lock for key.
func (s *Source) KeyName(key uint64) string {
	return s.prefix + strconv.FormatUint(key, 10)
}

// Lease implements lock.Source. Each lease gets its own token.
func (s *Source) Lease(ctx context.Context) (lock.Conn, error) {
	if s == nil || s.client == nil {
		return nil, lock.NewConfigurationError(ErrNilClient)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Conn{src: s, token: uuid.NewString()}, nil
}

// Conn is one lease. It remembers the key it holds and keeps it alive
// until Release, Close or Discard.
type Conn struct {
	src   *Source
	token string

	mu        sync.Mutex
	held      string
	stopRenew context.CancelFunc
	renewDone chan struct{}
}

// Token returns the value written to held keys.
func (c *Conn) Token() string {
	return c.token
}

// TryAcquire implements lock.Conn.
func (c *Conn) TryAcquire(ctx context.Context, key uint64) (bool, error) {
	name := c.src.KeyName(key)
	ok, err := c.src.client.SetNX(ctx, name, c.token, c.src.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redislock: set nx: %w", err)
	}
	if ok {
		c.stopRenewal()
		c.mu.Lock()
		c.held = name
		c.startRenewal(name)
		c.mu.Unlock()
	}
	return ok, nil
}

// startRenewal must be called with c.mu held.
func (c *Conn) startRenewal(name string) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.stopRenew = cancel
	c.renewDone = done
	go c.renew(ctx, name, done)
}

// stopRenewal stops the renewal loop and waits for it to exit.
func (c *Conn) stopRenewal() {
	c.mu.Lock()
	cancel, done := c.stopRenew, c.renewDone
	c.stopRenew, c.renewDone = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// renew extends the TTL of name until ctx ends or the key is no longer
// owned by this lease. Transient errors are retried on the next tick.
func (c *Conn) renew(ctx context.Context, name string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.src.RenewInterval())
	defer ticker.Stop()

	ttl := c.src.ttl.Milliseconds()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		result, err := extendScript.Run(ctx, c.src.client, []string{name}, c.token, ttl).Int64()
		if err == nil && result == 0 {
			return
		}
	}
}

// Acquire implements lock.Conn by polling SET NX until it succeeds or ctx ends.
func (c *Conn) Acquire(ctx context.Context, key uint64) error {
	ticker := time.NewTicker(c.src.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := c.TryAcquire(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release implements lock.Conn.
func (c *Conn) Release(ctx context.Context, key uint64) error {
	c.stopRenewal()

	name := c.src.KeyName(key)
	result, err := releaseScript.Run(ctx, c.src.client, []string{name}, c.token).Int64()
	if err != nil {
		return fmt.Errorf("redislock: release: %w", err)
	}

	c.mu.Lock()
	if c.held == name {
		c.held = ""
	}
	c.mu.Unlock()

	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Probe implements lock.Conn. While a key is held it renews the TTL and
// fails if the key expired or changed owner; otherwise it pings.
func (c *Conn) Probe(ctx context.Context) error {
	c.mu.Lock()
	name := c.held
	c.mu.Unlock()

	if name == "" {
		return c.src.client.Ping(ctx).Err()
	}

	result, err := extendScript.Run(ctx, c.src.client, []string{name}, c.token, c.src.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redislock: extend: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Close implements lock.Conn. It stops renewal; the client is shared, so
// nothing is closed.
func (c *Conn) Close() error {
	c.stopRenewal()
	return nil
}

// Discard deletes the held key if this lease still owns it.
func (c *Conn) Discard() error {
	c.stopRenewal()

	c.mu.Lock()
	name := c.held
	c.held = ""
	c.mu.Unlock()

	if name == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), discardTimeout)
	defer cancel()
	return releaseScript.Run(ctx, c.src.client, []string{name}, c.token).Err()
}
