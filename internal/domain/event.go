package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies entries in a task's audit trail.
type EventType string

// Event types, one per recordable lifecycle occurrence.
const (
	EventTypeCreated   EventType = "created"
	EventTypeStarted   EventType = "started"
	EventTypeProgress  EventType = "progress"
	EventTypeCompleted EventType = "completed"
	EventTypeFailed    EventType = "failed"
	EventTypeCancelled EventType = "cancelled"
	EventTypeRetried   EventType = "retried"

	// EventTypeCancelRequested records an accepted cancel request against a
	// task that is still running. The terminal "cancelled" event is written
	// later, by the transition itself, so a task's audit trail keeps exactly
	// one terminal event.
	EventTypeCancelRequested EventType = "cancel_requested"
)

// EventLogEntry is one immutable audit record tied to a task. The event log
// is the authoritative history; TaskRecord.Status is a projection of it.
// Entries are never mutated or deleted.
type EventLogEntry struct {
	ID        int64          `json:"id"`
	TaskID    uuid.UUID      `json:"task_id"`
	EventType EventType      `json:"event_type"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ProgressEntry is one immutable progress sample tied to a task, ordered by
// creation time. Entries are never mutated or deleted.
type ProgressEntry struct {
	ID        int64          `json:"id"`
	TaskID    uuid.UUID      `json:"task_id"`
	Progress  int            `json:"progress"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewEventLogEntry builds an audit entry for the given task. The ID is
// assigned by the store on append.
func NewEventLogEntry(taskID uuid.UUID, eventType EventType, message string, metadata map[string]any) *EventLogEntry {
	return &EventLogEntry{
		TaskID:    taskID,
		EventType: eventType,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
}

// NewProgressEntry builds a progress sample for the given task.
// Returns ErrInvalidProgress when the value is outside 0-100.
func NewProgressEntry(taskID uuid.UUID, progress int, message string, data map[string]any) (*ProgressEntry, error) {
	if progress < 0 || progress > 100 {
		return nil, ErrInvalidProgress
	}
	return &ProgressEntry{
		TaskID:    taskID,
		Progress:  progress,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// IsValidEventType checks membership in the event type enumeration.
func IsValidEventType(t EventType) bool {
	switch t {
	case EventTypeCreated, EventTypeStarted, EventTypeProgress,
		EventTypeCompleted, EventTypeFailed, EventTypeCancelled,
		EventTypeRetried, EventTypeCancelRequested:
		return true
	default:
		return false
	}
}
