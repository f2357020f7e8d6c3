package queue

import (
	"errors"
	"fmt"
)

// Error taxonomy. Sentinels are matched with errors.Is; the two
// wrapper types carry the underlying cause so %w chains stay intact.

var (
	// ErrConfigurationMissing is fatal at startup: a required config key
	// has neither override nor default.
	ErrConfigurationMissing = errors.New("configuration missing")

	// ErrPermanentDatabase names the permanent-database class of errors.
	// Nothing in this module returns it. The Retrying Executor does not
	// retry a permanent error, and the worker runtime buffers the outcome
	// in the local queue like any other failed write; the record is not
	// moved to failed and no operator alert is emitted.
	ErrPermanentDatabase = errors.New("permanent database error")

	// ErrLeaseLost means the heartbeat found this worker no longer owns
	// the record; the handler's cancellation token is cancelled and no
	// outcome is recorded (the reaper will restore the row).
	ErrLeaseLost = errors.New("lease lost")

	// ErrLocalQueueFull means an outcome could not be buffered locally.
	// The worker runtime logs it and drops that outcome; it keeps
	// claiming new records while the local queue is full.
	ErrLocalQueueFull = errors.New("local queue full")

	// ErrShutdown is the clean-exit sentinel used by the main loop's
	// cancellation path.
	ErrShutdown = errors.New("shutdown")
)

// TransientDatabaseError wraps a database error the Retrying Executor
// should retry (connection drop, lock timeout, serialization failure,
// pool-exhausted).
type TransientDatabaseError struct {
	Err error
}

func (e *TransientDatabaseError) Error() string { return fmt.Sprintf("transient database error: %v", e.Err) }
func (e *TransientDatabaseError) Unwrap() error  { return e.Err }

// Transient wraps err as a TransientDatabaseError, or returns nil if err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientDatabaseError{Err: err}
}

// IsTransient reports whether err (or something it wraps) is a
// TransientDatabaseError.
func IsTransient(err error) bool {
	var t *TransientDatabaseError
	return errors.As(err, &t)
}

// TransientExhaustedError wraps the last cause after the Retrying Executor
// gives up after db_retry_attempts.
type TransientExhaustedError struct {
	Err error
}

func (e *TransientExhaustedError) Error() string {
	return fmt.Sprintf("transient database error exhausted retries: %v", e.Err)
}
func (e *TransientExhaustedError) Unwrap() error { return e.Err }

// HandlerRetryableError is returned by a handler to request a retry subject
// to the backoff/attempt-exhaustion rules of the retry state machine.
type HandlerRetryableError struct {
	Err error
}

func (e *HandlerRetryableError) Error() string { return fmt.Sprintf("retryable: %v", e.Err) }
func (e *HandlerRetryableError) Unwrap() error  { return e.Err }

// Retryable wraps err as a HandlerRetryableError.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &HandlerRetryableError{Err: err}
}

// IsRetryable reports whether the state machine treats err as retryable:
// true for any non-nil error that does not wrap a HandlerNonRetryableError,
// so a HandlerRetryableError and an unwrapped error both count.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var nonRetryable *HandlerNonRetryableError
	if errors.As(err, &nonRetryable) {
		return false
	}
	return true
}

// HandlerNonRetryableError is returned by a handler (or classified by
// registry policy) when the error is permanent: the record goes straight
// to failed without consuming retry budget via backoff.
type HandlerNonRetryableError struct {
	Err error
}

func (e *HandlerNonRetryableError) Error() string { return fmt.Sprintf("non-retryable: %v", e.Err) }
func (e *HandlerNonRetryableError) Unwrap() error  { return e.Err }

// NonRetryable wraps err as a HandlerNonRetryableError.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &HandlerNonRetryableError{Err: err}
}

// PanicError captures a recovered handler panic, restated as an ordinary
// failure. Like any other unclassified error it defaults to retryable and
// feeds the same decision table, so repeated panics eventually dead-letter
// via attempt exhaustion rather than on the first occurrence.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// IsPanic reports whether err wraps a PanicError.
func IsPanic(err error) bool {
	var p *PanicError
	return errors.As(err, &p)
}

// CancelledError marks a handler outcome that was cancelled (lease lost or
// shutdown drain timeout); no database update is recorded for it.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string { return fmt.Sprintf("cancelled: %s", e.Reason) }

// IsCancelled reports whether err wraps a CancelledError.
func IsCancelled(err error) bool {
	var c *CancelledError
	return errors.As(err, &c)
}
