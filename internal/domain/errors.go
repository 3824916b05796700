// Package domain defines the core task lifecycle entities and errors.
package domain

import (
	"errors"
	"fmt"
)

// Common domain errors used across the engine.
var (
	// ErrValidation is returned when an input descriptor or entity fails
	// validation. Often wrapped with a more specific error.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned when a status transition is attempted from a
	// state that forbids it. The wrapped StateConflictError carries the
	// status the task actually had.
	ErrConflict = errors.New("status conflict")

	// ErrNotCancellable is returned when a cancel request targets a task
	// that is already terminal.
	ErrNotCancellable = fmt.Errorf("%w: task is not cancellable", ErrConflict)

	// ErrNotRetryable is returned when a retry request targets a task that
	// is not failed or has exhausted its attempt budget.
	ErrNotRetryable = fmt.Errorf("%w: task is not retryable", ErrConflict)

	// ErrProgressRegression is returned when a progress report carries a
	// value lower than the one already recorded. Stale samples redelivered
	// out of order are rejected this way.
	ErrProgressRegression = fmt.Errorf("%w: progress may not decrease", ErrConflict)
)

// Field-level validation errors for TaskRecord.
var (
	ErrEmptyTaskID       = fmt.Errorf("%w: task ID cannot be empty", ErrValidation)
	ErrInvalidTaskType   = fmt.Errorf("%w: unknown task type", ErrValidation)
	ErrInvalidTaskStatus = fmt.Errorf("%w: unknown task status", ErrValidation)
	ErrEmptyFilePath     = fmt.Errorf("%w: file path cannot be empty", ErrValidation)
	ErrInvalidFileSize   = fmt.Errorf("%w: file size cannot be negative", ErrValidation)
	ErrInvalidProgress   = fmt.Errorf("%w: progress must be between 0 and 100", ErrValidation)
	ErrInvalidRetryCount = fmt.Errorf("%w: retry counts cannot be negative", ErrValidation)
)

// StateConflictError reports a rejected transition together with the status
// the task held when the attempt was made, so callers can decide to poll,
// retry, or give up without guessing.
type StateConflictError struct {
	// Op is the rejected operation (e.g. "claim", "cancel", "retry").
	Op string
	// Current is the task status observed at rejection time.
	Current TaskStatus
	// Err is the sentinel this conflict specializes.
	Err error
}

// Error implements the error interface.
func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s rejected: task status is %q: %v", e.Op, e.Current, e.Err)
}

// Unwrap returns the sentinel so errors.Is works against ErrConflict,
// ErrNotCancellable and ErrNotRetryable.
func (e *StateConflictError) Unwrap() error {
	return e.Err
}

// NewStateConflictError builds a StateConflictError around the given
// sentinel. If sentinel is nil, ErrConflict is used.
func NewStateConflictError(op string, current TaskStatus, sentinel error) *StateConflictError {
	if sentinel == nil {
		sentinel = ErrConflict
	}
	return &StateConflictError{Op: op, Current: current, Err: sentinel}
}

// ConflictStatus extracts the observed status from a conflict error chain.
// The second return is false when the error carries no status.
func ConflictStatus(err error) (TaskStatus, bool) {
	var sc *StateConflictError
	if errors.As(err, &sc) {
		return sc.Current, true
	}
	return "", false
}
