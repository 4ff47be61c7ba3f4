package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrKindMissing = errors.New("job kind is required")
)

// NoRetry marks an error as permanent: the job fails without further attempts.
//
// Example:
//
//	return engine.NoRetry(fmt.Errorf("letter %s: %w", id, err))
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

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter overrides the policy backoff for the next attempt.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
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

// Postpone puts the job back to waiting for after without charging an
// attempt. It is for handlers that ran before their work was due; it never
// counts as a failure.
func Postpone(after time.Duration, reason error) error {
	return postponeError{reason: reason, after: max(after, 0)}
}

// IsPostponed reports the delay carried by a Postpone error.
func IsPostponed(err error) (time.Duration, bool) {
	var e postponeError
	if errors.As(err, &e) {
		return e.after, true
	}
	return 0, false
}

type postponeError struct {
	reason error
	after  time.Duration
}

func (e postponeError) Error() string {
	if e.reason == nil {
		return fmt.Sprintf("postponed %s", e.after)
	}
	return fmt.Sprintf("postponed %s: %v", e.after, e.reason)
}
func (e postponeError) Unwrap() error { return e.reason }
