package api

import (
	"errors"
	"net/http"

	"github.com/dkarimov/fileproc/internal/domain"
	"github.com/dkarimov/fileproc/internal/service"
	"github.com/dkarimov/fileproc/internal/store"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status
// codes based on the error type. This prevents leaking internal error types
// or messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Not found errors
	case errors.Is(err, service.ErrTaskNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	// Status conflicts: the transition was rejected because of the task's
	// current state, including rejected cancels and retries.
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	// Default: internal server error
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal
// details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, service.ErrTaskNotFound), errors.Is(err, store.ErrNotFound):
		return "Task not found"

	case errors.Is(err, domain.ErrNotCancellable):
		return "Task can no longer be cancelled"

	case errors.Is(err, domain.ErrNotRetryable):
		return "Task cannot be retried"

	case errors.Is(err, domain.ErrConflict):
		if status, ok := domain.ConflictStatus(err); ok {
			return "Operation conflicts with current task status: " + string(status)
		}
		return "Operation conflicts with current task status"

	case errors.Is(err, domain.ErrValidation):
		// Validation messages are written for clients; pass them through.
		return err.Error()

	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid task data"

	default:
		return "An unexpected error occurred"
	}
}
