package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled    = errors.New("job engine disabled")
	ErrStopped     = errors.New("job engine stopped")
	ErrStopping    = errors.New("job engine stopping")
	ErrQueueFull   = errors.New("job engine queue full")
	ErrOverlapSkip = errors.New("job skipped: previous run still in flight")
	ErrJobDisabled = errors.New("job disabled")
	ErrNilWork     = errors.New("job has no work function")
)

// NoRetry marks an error as non-retryable.
//
// Work functions wrap validation errors or other permanent failures with
// NoRetry so the runner does not spend the retry budget on them.
//
//	return engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before the next attempt. The runner
// uses the hint instead of the job's retry delay when it is longer.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// Transient marks err as a retryable I/O failure (network, disk, upstream 5xx).
// Unclassified errors are retried as well; the marker exists for callers that
// branch on it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

func IsTransient(err error) bool {
	var e transientError
	return errors.As(err, &e)
}

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// QuotaExceeded marks err as an upstream quota signal. It feeds the fallback
// controller and is never retried by the runner.
func QuotaExceeded(err error) error {
	if err == nil {
		return nil
	}
	return NoRetry(quotaError{err: err})
}

// IsQuotaExceeded reports whether err carries a quota signal.
func IsQuotaExceeded(err error) bool {
	var e quotaError
	return errors.As(err, &e)
}

type quotaError struct{ err error }

func (e quotaError) Error() string { return "quota exceeded: " + e.err.Error() }
func (e quotaError) Unwrap() error { return e.err }

// ConfigurationError disables one job with a logged reason.
type ConfigurationError struct {
	Job string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("job %q misconfigured: %v", e.Job, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// PersistenceError is a storage failure the runner logs and continues past.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }
