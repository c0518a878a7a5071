package harvest

import (
	"errors"
	"fmt"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrStatusConflict signals that a conditional job update found the stored
// row in a different status than the caller expected. The write is not
// applied; the stored row is authoritative.
var ErrStatusConflict = errors.New("job status conflict")

// InvalidTransitionError reports an illegal job state machine call. The
// attempted transition fails; job state is not corrupted.
type InvalidTransitionError struct {
	JobID string
	From  JobStatus
	Op    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot %s from status %q", e.JobID, e.Op, e.From)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// ValidationError marks a malformed discovered record. The record is skipped
// and counted under errors; the job continues.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientError wraps a persistence failure worth retrying (timeouts,
// connection hiccups). Anything not wrapped is treated as fatal once the
// retry budget is spent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
