// Package store provides abstractions for task persistence.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dkarimov/fileproc/internal/domain"
)

// TaskFilter narrows task list and count queries. Zero-valued fields are
// ignored.
type TaskFilter struct {
	Status   domain.TaskStatus
	TaskType domain.TaskType
	OwnerID  string
	// Tag matches tasks carrying the given tag (batch aggregation uses
	// this with the shared batch tag).
	Tag string
	// Search matches a substring of the file name or the queue task ID.
	Search string
	From   *time.Time
	To     *time.Time
}

// Page controls list pagination. Limit <= 0 falls back to a default.
type Page struct {
	Limit  int
	Offset int
}

// TaskStore is the single source of truth for task records, their progress
// history and their audit trail.
//
// Every status mutation is a conditional transition guarded on the current
// status (compare-and-set, never a blind overwrite), and is written
// atomically with its EventLogEntry: both succeed or neither does. Guard
// failures surface as *domain.StateConflictError carrying the status the
// task actually had.
//
// Version: 1.0
type TaskStore interface {
	// Create persists a new pending task together with its "created"
	// audit event.
	Create(ctx context.Context, rec *domain.TaskRecord) error

	// GetByID retrieves a task by its unique ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.TaskRecord, error)

	// List retrieves tasks matching the filter, newest first.
	List(ctx context.Context, filter TaskFilter, page Page) ([]*domain.TaskRecord, error)

	// CountByStatus returns the number of matching tasks per status.
	// The filter's Status field is ignored.
	CountByStatus(ctx context.Context, filter TaskFilter) (map[domain.TaskStatus]int, error)

	// SetQueueTaskID records the identifier the durable queue assigned to
	// the task's current work item.
	SetQueueTaskID(ctx context.Context, id uuid.UUID, queueTaskID string) error

	// Claim transitions pending -> processing and sets startedAt,
	// returning the claimed record. If a cancel request is pending, the
	// task is transitioned to cancelled instead and the returned conflict
	// carries status "cancelled". A claim of a non-pending task (queue
	// redelivery) fails the guard; the caller must perform no further
	// mutation.
	Claim(ctx context.Context, id uuid.UUID) (*domain.TaskRecord, error)

	// RecordProgress appends a ProgressEntry, updates the cached progress
	// on the record, and appends a "progress" audit event, all atomically.
	// Rejected with domain.ErrProgressRegression when the sample is lower
	// than the recorded progress, and with a conflict when the task is not
	// processing.
	RecordProgress(ctx context.Context, id uuid.UUID, progress int, message string, data map[string]any) error

	// Complete transitions processing -> completed, forces progress to
	// 100, sets the result payload and completedAt.
	Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error

	// Fail transitions processing -> failed and records the failure's
	// message and code.
	Fail(ctx context.Context, id uuid.UUID, errorMessage, errorCode string) error

	// Cancel transitions pending/processing -> cancelled and sets
	// cancelledAt. Used by workers observing an accepted cancel request.
	Cancel(ctx context.Context, id uuid.UUID, reason string) error

	// RequestCancel durably records a cancellation request. A pending task
	// is transitioned straight to cancelled; a processing task keeps
	// running until its worker observes the flag at a checkpoint.
	// Returns domain.ErrNotCancellable for terminal tasks.
	RequestCancel(ctx context.Context, id uuid.UUID, reason string) error

	// IsCancelRequested reports the durable cancellation flag. Workers
	// poll this at processor checkpoints.
	IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)

	// Retry transitions failed -> pending, increments retryCount, clears
	// the error fields and completedAt, and appends a "retried" event.
	// Returns domain.ErrNotRetryable when the attempt budget is exhausted
	// and force is false.
	Retry(ctx context.Context, id uuid.UUID, force bool) (*domain.TaskRecord, error)

	// FindStuckProcessing returns tasks that have been processing longer
	// than the given age. Used by the janitor; see RequeueOrphan.
	FindStuckProcessing(ctx context.Context, olderThan time.Duration) ([]*domain.TaskRecord, error)

	// RequeueOrphan resets a processing task back to pending after its
	// worker died. This is an operator-level recovery path, not part of
	// the client-facing transition table.
	RequeueOrphan(ctx context.Context, id uuid.UUID) error

	// ListEvents returns the task's audit trail, oldest first.
	ListEvents(ctx context.Context, id uuid.UUID) ([]*domain.EventLogEntry, error)

	// ListProgress returns the task's progress history, oldest first.
	ListProgress(ctx context.Context, id uuid.UUID) ([]*domain.ProgressEntry, error)

	// WithTx returns a TaskStore bound to the provided transaction. The
	// transaction is created and managed by the caller.
	WithTx(tx *sql.Tx) TaskStore
}
