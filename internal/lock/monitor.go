package lock

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/lockcoord/internal/logging"
	"github.com/kneutral-org/lockcoord/internal/metrics"
)

// monitor probes the connection of one acquisition cycle while it is held.
type monitor struct {
	h      *Handle
	cycle  uint64
	cfg    HealthConfig
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// startMonitor is called with h.mu held and must not take it.
func startMonitor(h *Handle, cycle uint64, cfg HealthConfig, logger zerolog.Logger) *monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &monitor{
		h:     h,
		cycle: cycle,
		cfg:   cfg,
		logger: logging.LockLogger(logger, h.name, h.key).With().
			Str("component", "lock-health").
			Logger(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *monitor) stop() {
	m.cancel()
}

func (m *monitor) wait() {
	<-m.done
}

func (m *monitor) run() {
	fatal := m.loop()
	m.cancel()
	close(m.done)

	if fatal {
		m.h.autoRelease(m.cycle, triggerHealth)
	}
}

// loop probes every interval until the cycle is no longer held. It returns
// true when a failed probe must release the lock.
func (m *monitor) loop() bool {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return false
		case <-ticker.C:
		}

		if _, held := m.h.heldConn(m.cycle); !held {
			return false
		}

		held, err := m.probe()
		if !held {
			return false
		}
		if err == nil {
			metrics.RecordHealthProbe("success")
			continue
		}

		metrics.RecordHealthProbe("failure")
		failure := &HealthCheckFailure{Name: m.h.name, Err: err}
		m.logger.Warn().Err(err).Bool("fatal", m.cfg.FailureIsFatal).Msg("lock connection health probe failed")
		if m.cfg.OnFailure != nil {
			m.cfg.OnFailure(failure)
		}
		if m.cfg.FailureIsFatal {
			return true
		}
	}
}

// probe runs one liveness check under the connection guard. held is false if
// the cycle ended while waiting for the guard or during the probe.
func (m *monitor) probe() (held bool, err error) {
	m.h.connMu.Lock()
	defer m.h.connMu.Unlock()

	conn, held := m.h.heldConn(m.cycle)
	if !held {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.Timeout)
	defer cancel()

	err = conn.Probe(ctx)
	if m.ctx.Err() != nil {
		return false, nil
	}
	return true, err
}
