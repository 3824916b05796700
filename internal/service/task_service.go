// Package service implements the task lifecycle engine's client-facing
// operations on top of the store and the queue router.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dkarimov/fileproc/internal/domain"
	"github.com/dkarimov/fileproc/internal/platform/logger"
	"github.com/dkarimov/fileproc/internal/store"
)

// Enqueuer places a work item for a persisted task record on its queue and
// returns the queue-assigned identifier.
type Enqueuer interface {
	Enqueue(ctx context.Context, rec *domain.TaskRecord, bulk bool) (string, error)
}

// SubmitRequest describes one file to process.
type SubmitRequest struct {
	TaskType domain.TaskType
	FilePath string
	FileSize int64
	OwnerID  string
	Tags     []string
	Metadata map[string]any
}

// BulkItem is one entry of a bulk submission.
type BulkItem struct {
	FilePath string
	FileSize int64
	Metadata map[string]any
}

// BulkSubmitRequest describes a batch of files sharing one task type.
// Bulk work items always land on the type's bulk queue so a large batch
// cannot starve interactive submissions. Parallel only relaxes the
// ordering expectation: sequential batches drain roughly in order at the
// bulk queue's low weight, parallel ones make no ordering promise.
type BulkSubmitRequest struct {
	TaskType domain.TaskType
	Items    []BulkItem
	OwnerID  string
	Parallel bool
}

// BulkItemError reports one item of a bulk submission that could not be
// accepted.
type BulkItemError struct {
	FilePath string `json:"file_path"`
	Error    string `json:"error"`
}

// BulkSubmitResult is the outcome of a bulk submission. Acceptance is per
// item: a batch can be partially submitted.
type BulkSubmitResult struct {
	BatchID   uuid.UUID            `json:"batch_id"`
	Submitted []*domain.TaskRecord `json:"submitted"`
	Failed    []BulkItemError      `json:"failed,omitempty"`
}

// TaskDetail is a task record together with its histories.
type TaskDetail struct {
	Record   *domain.TaskRecord
	Events   []*domain.EventLogEntry
	Progress []*domain.ProgressEntry
}

// ErrTaskNotFound indicates that the requested task does not exist.
var ErrTaskNotFound = errors.New("task not found")

// TaskService exposes the engine's client-facing operations.
type TaskService interface {
	// Submit persists a new task and enqueues its work item.
	Submit(ctx context.Context, req SubmitRequest) (*domain.TaskRecord, error)

	// BulkSubmit submits a batch of same-type tasks tagged with a shared
	// batch tag for later aggregation.
	BulkSubmit(ctx context.Context, req BulkSubmitRequest) (*BulkSubmitResult, error)

	// Get returns a task with its audit trail and progress history.
	Get(ctx context.Context, id uuid.UUID) (*TaskDetail, error)

	// List returns tasks matching the filter, newest first.
	List(ctx context.Context, filter store.TaskFilter, page store.Page) ([]*domain.TaskRecord, error)

	// ProgressSummary returns per-status task counts for the filter.
	ProgressSummary(ctx context.Context, filter store.TaskFilter) (map[domain.TaskStatus]int, error)

	// RequestCancel records a cancellation request. Pending tasks are
	// cancelled immediately; running ones stop at their next checkpoint.
	RequestCancel(ctx context.Context, id uuid.UUID, reason string) error

	// RequestRetry loops a failed task back to pending and enqueues a
	// fresh work item. Force overrides the attempt budget.
	RequestRetry(ctx context.Context, id uuid.UUID, force bool) (*domain.TaskRecord, error)
}

// TaskServiceError wraps errors from the task service with context.
type TaskServiceError struct {
	Operation string
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *TaskServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("task service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *TaskServiceError) Unwrap() error {
	return e.Err
}

// wrapError maps store sentinels to service ones and passes validation and
// conflict errors through untouched so callers can branch on them.
func wrapError(operation, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrTaskNotFound) {
		return ErrTaskNotFound
	}
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrConflict) {
		return err
	}
	return &TaskServiceError{Operation: operation, Message: message, Err: err}
}

// taskServiceImpl implements TaskService.
type taskServiceImpl struct {
	store    store.TaskStore
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewTaskService creates a TaskService. It returns an error if any of the
// required dependencies are nil.
func NewTaskService(taskStore store.TaskStore, enqueuer Enqueuer, log *slog.Logger) (TaskService, error) {
	if taskStore == nil {
		return nil, &TaskServiceError{Operation: "create_service", Message: "taskStore cannot be nil"}
	}
	if enqueuer == nil {
		return nil, &TaskServiceError{Operation: "create_service", Message: "enqueuer cannot be nil"}
	}
	if log == nil {
		log = slog.Default()
	}
	return &taskServiceImpl{
		store:    taskStore,
		enqueuer: enqueuer,
		logger:   log.With(slog.String("component", "task_service")),
	}, nil
}

// Submit implements TaskService.Submit.
func (s *taskServiceImpl) Submit(ctx context.Context, req SubmitRequest) (*domain.TaskRecord, error) {
	rec, err := s.submitOne(ctx, req, false)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// submitOne persists and enqueues one task. A record whose work item could
// not be placed stays pending without a queue task ID.
func (s *taskServiceImpl) submitOne(ctx context.Context, req SubmitRequest, bulk bool) (*domain.TaskRecord, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rec, err := domain.NewTaskRecord(req.TaskType, req.FilePath, req.FileSize,
		req.OwnerID, req.Tags, req.Metadata)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, rec); err != nil {
		return nil, wrapError("submit", "persist task", err)
	}

	queueTaskID, err := s.enqueuer.Enqueue(ctx, rec, bulk)
	if err != nil {
		log.Error("task persisted but not enqueued",
			slog.String("task_id", rec.ID.String()),
			slog.String("error", err.Error()))
		return nil, wrapError("submit", "enqueue work item", err)
	}
	if err := s.store.SetQueueTaskID(ctx, rec.ID, queueTaskID); err != nil {
		return nil, wrapError("submit", "record queue task ID", err)
	}
	rec.QueueTaskID = queueTaskID

	log.Info("task submitted",
		slog.String("task_id", rec.ID.String()),
		slog.String("task_type", string(rec.TaskType)))
	return rec, nil
}

// BulkSubmit implements TaskService.BulkSubmit.
func (s *taskServiceImpl) BulkSubmit(ctx context.Context, req BulkSubmitRequest) (*BulkSubmitResult, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: bulk submission needs at least one item", domain.ErrValidation)
	}
	if !domain.IsValidTaskType(req.TaskType) {
		return nil, domain.ErrInvalidTaskType
	}

	batchID := uuid.New()
	batchTag := "batch:" + batchID.String()
	result := &BulkSubmitResult{BatchID: batchID}

	for _, item := range req.Items {
		rec, err := s.submitOne(ctx, SubmitRequest{
			TaskType: req.TaskType,
			FilePath: item.FilePath,
			FileSize: item.FileSize,
			OwnerID:  req.OwnerID,
			Tags:     []string{batchTag},
			Metadata: item.Metadata,
		}, true)
		if err != nil {
			result.Failed = append(result.Failed, BulkItemError{
				FilePath: item.FilePath,
				Error:    err.Error(),
			})
			continue
		}
		result.Submitted = append(result.Submitted, rec)
	}

	log.Info("bulk submission processed",
		slog.String("batch_id", batchID.String()),
		slog.Bool("parallel", req.Parallel),
		slog.Int("submitted", len(result.Submitted)),
		slog.Int("failed", len(result.Failed)))
	return result, nil
}

// Get implements TaskService.Get.
func (s *taskServiceImpl) Get(ctx context.Context, id uuid.UUID) (*TaskDetail, error) {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, wrapError("get", "load task", err)
	}
	events, err := s.store.ListEvents(ctx, id)
	if err != nil {
		return nil, wrapError("get", "load events", err)
	}
	progress, err := s.store.ListProgress(ctx, id)
	if err != nil {
		return nil, wrapError("get", "load progress", err)
	}
	return &TaskDetail{Record: rec, Events: events, Progress: progress}, nil
}

// List implements TaskService.List.
func (s *taskServiceImpl) List(ctx context.Context, filter store.TaskFilter, page store.Page) ([]*domain.TaskRecord, error) {
	tasks, err := s.store.List(ctx, filter, page)
	if err != nil {
		return nil, wrapError("list", "query tasks", err)
	}
	return tasks, nil
}

// ProgressSummary implements TaskService.ProgressSummary.
func (s *taskServiceImpl) ProgressSummary(ctx context.Context, filter store.TaskFilter) (map[domain.TaskStatus]int, error) {
	counts, err := s.store.CountByStatus(ctx, filter)
	if err != nil {
		return nil, wrapError("progress_summary", "count tasks", err)
	}
	// Absent statuses count as zero so clients always see the full map.
	for _, status := range []domain.TaskStatus{
		domain.TaskStatusPending, domain.TaskStatusProcessing,
		domain.TaskStatusCompleted, domain.TaskStatusFailed,
		domain.TaskStatusCancelled,
	} {
		if _, ok := counts[status]; !ok {
			counts[status] = 0
		}
	}
	return counts, nil
}

// RequestCancel implements TaskService.RequestCancel.
func (s *taskServiceImpl) RequestCancel(ctx context.Context, id uuid.UUID, reason string) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := s.store.RequestCancel(ctx, id, reason); err != nil {
		return wrapError("cancel", "request cancellation", err)
	}
	log.Info("cancellation requested", slog.String("task_id", id.String()))
	return nil
}

// RequestRetry implements TaskService.RequestRetry.
func (s *taskServiceImpl) RequestRetry(ctx context.Context, id uuid.UUID, force bool) (*domain.TaskRecord, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rec, err := s.store.Retry(ctx, id, force)
	if err != nil {
		return nil, wrapError("retry", "loop task back to pending", err)
	}

	queueTaskID, err := s.enqueuer.Enqueue(ctx, rec, false)
	if err != nil {
		log.Error("retried task not enqueued",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		return nil, wrapError("retry", "enqueue work item", err)
	}
	if err := s.store.SetQueueTaskID(ctx, id, queueTaskID); err != nil {
		return nil, wrapError("retry", "record queue task ID", err)
	}
	rec.QueueTaskID = queueTaskID

	log.Info("task retried",
		slog.String("task_id", id.String()),
		slog.Int("retry_count", rec.RetryCount),
		slog.Bool("forced", force))
	return rec, nil
}
