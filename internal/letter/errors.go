package letter

import (
	"errors"
	"fmt"
)

// User-facing messages.
const (
	MsgGuestLimit           = "You have already sent a letter. Please sign up to send more letters."
	MsgUnauthorized         = "You are not authorized to access this letter"
	MsgNotDraft             = "You cannot update a letter that has already been sent. Only drafts can be updated."
	MsgDeleteBeforeDelivery = "You cannot delete this letter because the delivery date has not passed yet"
	MsgLockedPlaceholder    = "This letter is locked until its delivery date."
)

var (
	ErrNotFound             = errors.New("not found")
	ErrGuestLimit           = errors.New(MsgGuestLimit)
	ErrForbidden            = errors.New(MsgUnauthorized)
	ErrNotDraft             = errors.New(MsgNotDraft)
	ErrDeleteBeforeDelivery = errors.New(MsgDeleteBeforeDelivery)
	ErrPastDelivery         = errors.New("delivery date must be in the future")
	ErrInvalidDate          = errors.New("invalid delivery date")
	ErrInvalidInput         = errors.New("invalid letter")
	ErrStaleJob             = errors.New("stale job")
)

// NotFoundError reports a missing record. It matches ErrNotFound.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// StaleJobSkip is the no-op outcome of a job that no longer owns the letter.
// It matches ErrStaleJob.
type StaleJobSkip struct {
	LetterID string
	JobID    string
	Reason   string
}

func (e *StaleJobSkip) Error() string {
	return fmt.Sprintf("skip job %s for letter %s: %s", e.JobID, e.LetterID, e.Reason)
}

func (e *StaleJobSkip) Is(target error) bool { return target == ErrStaleJob }

// TransportError wraps a failed send. The delivery job is retried.
type TransportError struct {
	LetterID string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("deliver letter %s: %v", e.LetterID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
