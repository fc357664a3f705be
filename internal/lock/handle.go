package lock

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/lockcoord/internal/logging"
)

// DefaultReleaseTimeout bounds a release triggered by context cancellation
// or a fatal health probe.
const DefaultReleaseTimeout = 5 * time.Second

// State is the lifecycle state of a Handle.
type State int32

const (
	Idle State = iota
	Acquiring
	Held
	Releasing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Acquiring:
		return "acquiring"
	case Held:
		return "held"
	case Releasing:
		return "releasing"
	default:
		return "unknown"
	}
}

// HealthConfig enables liveness probes of the connection holding the lock.
type HealthConfig struct {
	// Interval between probes. Probing is disabled when Interval <= 0.
	Interval time.Duration

	// Timeout of a single probe. Defaults to Interval.
	Timeout time.Duration

	// FailureIsFatal releases the lock after the first failed probe.
	FailureIsFatal bool

	// OnFailure is called from the monitor goroutine for every failed probe.
	OnFailure func(*HealthCheckFailure)
}

func (c *HealthConfig) enabled() bool {
	return c != nil && c.Interval > 0
}

// Handle is one named lock's acquisition/release lifecycle. It is safe for
// concurrent use; operations on one handle are serialised, handles never
// share state with each other.
type Handle struct {
	source Source
	name   string
	key    uint64

	// mu guards every field below.
	mu             sync.Mutex
	state          State
	conn           Conn
	cycle          uint64
	stopBinder     func() bool
	monitor        *monitor
	released       chan struct{}
	pending        chan struct{}
	backoff        BackoffFunc
	health         *HealthConfig
	releaseTimeout time.Duration
	logger         zerolog.Logger

	// connMu serialises backend calls on conn between release and probes.
	connMu sync.Mutex
}

// Option configures a Handle.
type Option func(*Handle)

// WithBackoff sets the wait schedule between acquisition attempts.
func WithBackoff(fn BackoffFunc) Option {
	return func(h *Handle) {
		if fn != nil {
			h.backoff = fn
		}
	}
}

// WithHealthConfig enables connection liveness probes while the lock is held.
func WithHealthConfig(cfg *HealthConfig) Option {
	return func(h *Handle) {
		h.health = copyHealthConfig(cfg)
	}
}

// WithReleaseTimeout bounds automatic releases.
func WithReleaseTimeout(d time.Duration) Option {
	return func(h *Handle) {
		if d > 0 {
			h.releaseTimeout = d
		}
	}
}

// WithLogger sets the logger used for background failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Handle) {
		h.logger = logger
	}
}

// NewLockHandle creates a handle for the lock called name. It never fails and
// never touches the backend; an unusable source is reported by the first
// AcquireLock call.
func NewLockHandle(source Source, name string, opts ...Option) *Handle {
	h := &Handle{
		source:         source,
		name:           name,
		key:            DeriveKey(name),
		backoff:        LinearBackoff(DefaultBackoffStep),
		releaseTimeout: DefaultReleaseTimeout,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name returns the lock name.
func (h *Handle) Name() string {
	return h.name
}

// Key returns the backend key derived from the lock name.
func (h *Handle) Key() uint64 {
	return h.key
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// IsLocked returns true if this handle currently holds the lock.
func (h *Handle) IsLocked() bool {
	return h.State() == Held
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done returns a channel closed when the current hold of the lock ends,
// whatever ends it. It is already closed when the handle is idle or still
// acquiring.
func (h *Handle) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released == nil {
		return closedCh
	}
	return h.released
}

// SetBackoff replaces the backoff schedule. A nil fn restores the default.
// Takes effect on the next acquisition.
func (h *Handle) SetBackoff(fn BackoffFunc) {
	if fn == nil {
		fn = LinearBackoff(DefaultBackoffStep)
	}
	h.mu.Lock()
	h.backoff = fn
	h.mu.Unlock()
}

// SetHealthConfig replaces the health probe configuration. A nil cfg
// disables probing. Takes effect on the next acquisition.
func (h *Handle) SetHealthConfig(cfg *HealthConfig) {
	cfg = copyHealthConfig(cfg)
	h.mu.Lock()
	h.health = cfg
	h.mu.Unlock()
}

// SetReleaseTimeout bounds automatic releases. Non-positive values restore
// DefaultReleaseTimeout.
func (h *Handle) SetReleaseTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultReleaseTimeout
	}
	h.mu.Lock()
	h.releaseTimeout = d
	h.mu.Unlock()
}

// SetLogger replaces the logger used for background failures.
func (h *Handle) SetLogger(logger zerolog.Logger) {
	h.mu.Lock()
	h.logger = logger
	h.mu.Unlock()
}

func (h *Handle) log() zerolog.Logger {
	h.mu.Lock()
	defer h.mu.Unlock()
	return logging.LockLogger(h.logger, h.name, h.key)
}

// heldConn returns the connection of acquisition cycle if it is still held.
func (h *Handle) heldConn(cycle uint64) (Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Held || h.cycle != cycle {
		return nil, false
	}
	return h.conn, true
}

func copyHealthConfig(cfg *HealthConfig) *HealthConfig {
	if cfg == nil {
		return nil
	}
	c := *cfg
	if c.Timeout <= 0 {
		c.Timeout = c.Interval
	}
	return &c
}
