package lock

import (
	"context"
	"errors"
)

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (Conn, error)

// Lease calls f(ctx).
func (f SourceFunc) Lease(ctx context.Context) (Conn, error) {
	if f == nil {
		return nil, NewConfigurationError(ErrNilSource)
	}
	return f(ctx)
}

var errNilConn = errors.New("connection source returned a nil connection")

// lease takes one dedicated connection for an acquisition cycle.
func (h *Handle) lease(ctx context.Context) (Conn, error) {
	if h.source == nil {
		return nil, NewConfigurationError(ErrNilSource)
	}
	conn, err := h.source.Lease(ctx)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, NewConfigurationError(errNilConn)
	}
	return conn, nil
}

// giveBack returns conn to its pool, or destroys it when the session may be
// left in an unknown state.
func (h *Handle) giveBack(conn Conn, discard bool) {
	if conn == nil {
		return
	}
	var err error
	if discard {
		err = conn.Discard()
	} else {
		err = conn.Close()
	}
	if err != nil {
		logger := h.log()
		logger.Warn().Err(err).Bool("discard", discard).Msg("failed to return lock connection")
	}
}

func isConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
