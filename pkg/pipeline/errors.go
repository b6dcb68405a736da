package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Begin when another attempt holds the
	// stage or the stage is already resolved. Duplicate queue deliveries
	// surface here and are dropped.
	ErrAlreadyRunning = errors.New("pipeline: stage already running or resolved")

	// ErrNotEligible is returned by Begin when the stage is not the run's
	// next eligible stage or its backoff window has not elapsed.
	ErrNotEligible = errors.New("pipeline: stage not eligible")

	// ErrRetryNotAllowed is returned by Retry for stages that are not
	// terminally failed.
	ErrRetryNotAllowed = errors.New("pipeline: retry only allowed for failed stages")

	// ErrLeaseExpired marks a stage failed by the scheduler because its
	// worker stopped heartbeating. Classified transient.
	ErrLeaseExpired = errors.New("pipeline: lease heartbeat expired")
)

// transientError and permanentError wrap a cause with its retry
// classification. Handlers return classified outcomes; the dispatcher is the
// only component that turns them into state transitions.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Transient marks an error as retryable infrastructure failure: timeouts,
// provisioning failures, upstream rate limiting.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Transientf is Transient over a formatted error.
func Transientf(format string, args ...any) error {
	return &transientError{err: fmt.Errorf(format, args...)}
}

// Permanent marks an error as a non-transient semantic failure: validation
// errors, illegal placements, malformed model responses. Never retried and
// never consumes retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf is Permanent over a formatted error.
func Permanentf(format string, args ...any) error {
	return &permanentError{err: fmt.Errorf(format, args...)}
}

// IsTransient classifies an error for retry purposes. Deadline expiry and
// unclassified errors count as transient; only explicit Permanent marks (at
// any depth of wrapping) are final.
func IsTransient(err error) bool {
	var perm *permanentError
	return !errors.As(err, &perm)
}
