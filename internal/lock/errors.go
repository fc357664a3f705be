package lock

import (
	"errors"
	"fmt"
)

// Common errors for distributed locking operations.
var (
	// ErrLockBusy is reported by a non-blocking attempt when another session holds the lock.
	ErrLockBusy = errors.New("lock is held by another session")

	// ErrNilSource is wrapped by ConfigurationError when a handle has no connection source.
	ErrNilSource = errors.New("connection source is nil")

	// ErrNotIdle is returned when AcquireLock is called on a handle that is
	// already acquiring or holding its lock.
	ErrNotIdle = errors.New("lock handle is not idle")

	// ErrNotLeader is returned by Resign when the elector does not lead.
	ErrNotLeader = errors.New("not the leader")
)

// ConfigurationError reports an unusable connection source. It is returned
// from the first call that needs a connection.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("lock configuration: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError wraps err as a ConfigurationError.
func NewConfigurationError(err error) *ConfigurationError {
	return &ConfigurationError{Err: err}
}

// AcquisitionTimeoutError is returned when the caller's context was done
// before or during acquisition. Attempts holds the errors of the attempts that
// ran before the context ended.
type AcquisitionTimeoutError struct {
	Name     string
	Cause    error
	Attempts []error
}

func (e *AcquisitionTimeoutError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("acquire lock %q: %v", e.Name, e.Cause)
	}
	return fmt.Sprintf("acquire lock %q: %v after %d attempt(s): %v",
		e.Name, e.Cause, len(e.Attempts), errors.Join(e.Attempts...))
}

func (e *AcquisitionTimeoutError) Unwrap() []error {
	return append([]error{e.Cause}, e.Attempts...)
}

// AcquisitionExhaustedError is returned when every attempt failed. Attempts
// holds one error per attempt, in order.
type AcquisitionExhaustedError struct {
	Name     string
	Attempts []error
}

func (e *AcquisitionExhaustedError) Error() string {
	return fmt.Sprintf("acquire lock %q: %d attempt(s) failed: %v",
		e.Name, len(e.Attempts), errors.Join(e.Attempts...))
}

func (e *AcquisitionExhaustedError) Unwrap() []error {
	return e.Attempts
}

// ReleaseError reports a failed backend release. The handle is idle
// afterwards but the backend lock may still be held until its session ends.
type ReleaseError struct {
	Name string
	Err  error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("release lock %q: %v", e.Name, e.Err)
}

func (e *ReleaseError) Unwrap() error {
	return e.Err
}

// HealthCheckFailure reports a failed liveness probe on a held lock. It is
// only ever delivered asynchronously.
type HealthCheckFailure struct {
	Name string
	Err  error
}

func (e *HealthCheckFailure) Error() string {
	return fmt.Sprintf("health probe for lock %q: %v", e.Name, e.Err)
}

func (e *HealthCheckFailure) Unwrap() error {
	return e.Err
}

// attemptError tags an attempt's failure with its index and kind.
type attemptError struct {
	attempt  int
	blocking bool
	err      error
}

func (e *attemptError) Error() string {
	kind := "try"
	if e.blocking {
		kind = "blocking"
	}
	return fmt.Sprintf("attempt %d (%s): %v", e.attempt, kind, e.err)
}

func (e *attemptError) Unwrap() error {
	return e.err
}
