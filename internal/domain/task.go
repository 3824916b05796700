package domain

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task record.
type TaskStatus string

// Task statuses. Completed, failed and cancelled are terminal; failed can be
// looped back to pending by a retry.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// TaskType selects the processor a task is routed to.
type TaskType string

// Supported task types, one per processor family.
const (
	TaskTypeImage    TaskType = "image"
	TaskTypeDocument TaskType = "document"
	TaskTypeVideo    TaskType = "video"
)

// DefaultMaxRetries is the attempt budget assigned to new tasks.
const DefaultMaxRetries = 3

// Stable error codes recorded on failed tasks. Clients branch on these, so
// they never change meaning.
const (
	ErrorCodeFileNotFound     = "FILE_NOT_FOUND"
	ErrorCodeInvalidFormat    = "INVALID_FORMAT"
	ErrorCodeProcessingError  = "PROCESSING_ERROR"
	ErrorCodeTimeout          = "TIMEOUT"
	ErrorCodeStorageError     = "STORAGE_ERROR"
	ErrorCodePermissionDenied = "PERMISSION_DENIED"
)

// TaskRecord is the persistent record of one asynchronous file-processing
// task. Status, progress and the timestamps are mutated only through the
// store's guarded transitions.
type TaskRecord struct {
	// ID is the stable public identifier, assigned at creation.
	ID uuid.UUID `json:"id"`
	// QueueTaskID is the identifier the durable queue assigned to the
	// task's current work item. Overwritten on re-enqueue.
	QueueTaskID string `json:"queue_task_id,omitempty"`

	TaskType TaskType   `json:"task_type"`
	Status   TaskStatus `json:"status"`
	Progress int        `json:"progress"`

	FilePath string `json:"file_path"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`

	// Result holds the processor's output document once completed.
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// CancelRequested is the durable cooperative-cancellation flag. Workers
	// poll it at processor checkpoints.
	CancelRequested bool `json:"cancel_requested"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	OwnerID  string         `json:"owner_id,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewTaskRecord builds a pending task for the given file. The file name is
// derived from the path. Returns a validation error for unknown task types,
// empty paths or negative sizes.
func NewTaskRecord(taskType TaskType, filePath string, fileSize int64, ownerID string, tags []string, metadata map[string]any) (*TaskRecord, error) {
	rec := &TaskRecord{
		ID:         uuid.New(),
		TaskType:   taskType,
		Status:     TaskStatusPending,
		Progress:   0,
		FilePath:   filePath,
		FileName:   filepath.Base(filePath),
		FileSize:   fileSize,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  time.Now().UTC(),
		OwnerID:    ownerID,
		Tags:       tags,
		Metadata:   metadata,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Validate checks the record's invariants.
func (t *TaskRecord) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}
	if !IsValidTaskType(t.TaskType) {
		return ErrInvalidTaskType
	}
	if !isValidStatus(t.Status) {
		return ErrInvalidTaskStatus
	}
	if t.FilePath == "" {
		return ErrEmptyFilePath
	}
	if t.FileSize < 0 {
		return ErrInvalidFileSize
	}
	if t.Progress < 0 || t.Progress > 100 {
		return ErrInvalidProgress
	}
	if t.RetryCount < 0 || t.MaxRetries < 0 {
		return ErrInvalidRetryCount
	}
	return nil
}

// IsTerminal reports whether the task has reached a final status.
func (t *TaskRecord) IsTerminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsCancellable reports whether a cancel request can be accepted: the
// lifecycle must still allow a move to cancelled.
func (t *TaskRecord) IsCancellable() bool {
	return ValidTransition(t.Status, TaskStatusCancelled)
}

// IsRetryable reports whether a non-forced retry would be accepted: the
// lifecycle must allow the loop back to pending and attempt budget must
// remain.
func (t *TaskRecord) IsRetryable() bool {
	return ValidTransition(t.Status, TaskStatusPending) && t.RetryCount < t.MaxRetries
}

// ElapsedSeconds returns the task's execution time in seconds: start to
// finish for finished tasks, start to now for running ones, zero before the
// task has started.
func (t *TaskRecord) ElapsedSeconds(now time.Time) float64 {
	if t.StartedAt == nil {
		return 0
	}
	end := now
	switch {
	case t.CompletedAt != nil:
		end = *t.CompletedAt
	case t.CancelledAt != nil:
		end = *t.CancelledAt
	}
	return end.Sub(*t.StartedAt).Seconds()
}

// ValidTransition reports whether the status transition from -> to is part
// of the lifecycle. Failed -> pending is the retry loop-back; no other edge
// leaves a terminal status.
func ValidTransition(from, to TaskStatus) bool {
	switch from {
	case TaskStatusPending:
		return to == TaskStatusProcessing || to == TaskStatusCancelled
	case TaskStatusProcessing:
		return to == TaskStatusCompleted || to == TaskStatusFailed || to == TaskStatusCancelled
	case TaskStatusFailed:
		return to == TaskStatusPending
	default:
		return false
	}
}

// IsValidTaskType checks membership in the task type enumeration.
func IsValidTaskType(t TaskType) bool {
	switch t {
	case TaskTypeImage, TaskTypeDocument, TaskTypeVideo:
		return true
	default:
		return false
	}
}

func isValidStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}
