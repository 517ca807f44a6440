package sched

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is rejecting calls.
// There is no retry behind it; the caller's own periodic cadence is the
// recovery path.
var ErrCircuitOpen = errors.New("call rejected: circuit breaker open")

// RetryExhaustedError reports that every attempt for one call failed.
// It wraps the last underlying provider error.
type RetryExhaustedError struct {
	Kind     Kind
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: retry budget exhausted after %d attempts: %v", e.Kind, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// BatchFailedError reports that every kind in a refresh cycle failed.
type BatchFailedError struct {
	Coordinator string
	Errs        map[Kind]error
}

func (e *BatchFailedError) Error() string {
	return fmt.Sprintf("%s: all %d calls in refresh cycle failed", e.Coordinator, len(e.Errs))
}

// RetryAfter provides a suggested delay before retrying.
//
// This is useful when the remote service returns a Retry-After value
// (e.g., HTTP 429). The retry engine will respect the hint (bounded by the
// backoff cap) instead of computing its own delay.
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
