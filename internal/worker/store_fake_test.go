package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dkarimov/fileproc/internal/domain"
	"github.com/dkarimov/fileproc/internal/store"
)

// fakeStore is a single-task in-memory TaskStore with the same guarded
// transition semantics as the real one.
type fakeStore struct {
	mu  sync.Mutex
	rec *domain.TaskRecord

	progress []int
	events   []domain.EventType

	// afterProgress runs after each accepted sample, outside the record
	// mutation. Tests use it to flip the cancel flag between checkpoints.
	afterProgress func(progress int)

	claimErr   error
	requeueErr error
	queueIDs   []string
}

var _ store.TaskStore = (*fakeStore)(nil)

func (f *fakeStore) conflict(op string, sentinel error) error {
	return domain.NewStateConflictError(op, f.rec.Status, sentinel)
}

func (f *fakeStore) Create(_ context.Context, rec *domain.TaskRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec = rec
	f.events = append(f.events, domain.EventTypeCreated)
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*domain.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil || f.rec.ID != id {
		return nil, store.ErrTaskNotFound
	}
	cp := *f.rec
	return &cp, nil
}

func (f *fakeStore) Claim(_ context.Context, id uuid.UUID) (*domain.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if f.rec == nil || f.rec.ID != id {
		return nil, store.ErrTaskNotFound
	}
	if f.rec.Status == domain.TaskStatusPending && f.rec.CancelRequested {
		f.rec.Status = domain.TaskStatusCancelled
		f.events = append(f.events, domain.EventTypeCancelled)
		return nil, f.conflict("claim", nil)
	}
	if f.rec.Status != domain.TaskStatusPending {
		return nil, f.conflict("claim", nil)
	}
	now := time.Now().UTC()
	f.rec.Status = domain.TaskStatusProcessing
	f.rec.StartedAt = &now
	f.events = append(f.events, domain.EventTypeStarted)
	cp := *f.rec
	return &cp, nil
}

func (f *fakeStore) RecordProgress(_ context.Context, id uuid.UUID, progress int, _ string, _ map[string]any) error {
	f.mu.Lock()
	if f.rec == nil || f.rec.ID != id {
		f.mu.Unlock()
		return store.ErrTaskNotFound
	}
	if f.rec.Status != domain.TaskStatusProcessing {
		err := f.conflict("progress", nil)
		f.mu.Unlock()
		return err
	}
	if progress < f.rec.Progress {
		err := f.conflict("progress", domain.ErrProgressRegression)
		f.mu.Unlock()
		return err
	}
	f.rec.Progress = progress
	f.progress = append(f.progress, progress)
	f.events = append(f.events, domain.EventTypeProgress)
	hook := f.afterProgress
	f.mu.Unlock()

	if hook != nil {
		hook(progress)
	}
	return nil
}

func (f *fakeStore) Complete(_ context.Context, id uuid.UUID, result json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec.Status != domain.TaskStatusProcessing {
		return f.conflict("complete", nil)
	}
	f.rec.Status = domain.TaskStatusCompleted
	f.rec.Progress = 100
	f.rec.Result = result
	f.events = append(f.events, domain.EventTypeCompleted)
	return nil
}

func (f *fakeStore) Fail(_ context.Context, id uuid.UUID, errorMessage, errorCode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec.Status != domain.TaskStatusProcessing {
		return f.conflict("fail", nil)
	}
	f.rec.Status = domain.TaskStatusFailed
	f.rec.ErrorMessage = errorMessage
	f.rec.ErrorCode = errorCode
	f.events = append(f.events, domain.EventTypeFailed)
	return nil
}

func (f *fakeStore) Cancel(_ context.Context, id uuid.UUID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.rec.IsCancellable() {
		return f.conflict("cancel", domain.ErrNotCancellable)
	}
	f.rec.Status = domain.TaskStatusCancelled
	f.events = append(f.events, domain.EventTypeCancelled)
	return nil
}

func (f *fakeStore) RequestCancel(_ context.Context, id uuid.UUID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.rec.Status {
	case domain.TaskStatusPending:
		f.rec.Status = domain.TaskStatusCancelled
		f.events = append(f.events, domain.EventTypeCancelled)
		return nil
	case domain.TaskStatusProcessing:
		f.rec.CancelRequested = true
		f.events = append(f.events, domain.EventTypeCancelRequested)
		return nil
	default:
		return f.conflict("cancel", domain.ErrNotCancellable)
	}
}

func (f *fakeStore) IsCancelRequested(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil || f.rec.ID != id {
		return false, store.ErrTaskNotFound
	}
	return f.rec.CancelRequested, nil
}

func (f *fakeStore) Retry(_ context.Context, id uuid.UUID, force bool) (*domain.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec.Status != domain.TaskStatusFailed || (!force && f.rec.RetryCount >= f.rec.MaxRetries) {
		return nil, f.conflict("retry", domain.ErrNotRetryable)
	}
	f.rec.Status = domain.TaskStatusPending
	f.rec.RetryCount++
	f.rec.ErrorMessage = ""
	f.rec.ErrorCode = ""
	f.events = append(f.events, domain.EventTypeRetried)
	cp := *f.rec
	return &cp, nil
}

func (f *fakeStore) FindStuckProcessing(_ context.Context, olderThan time.Duration) ([]*domain.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil || f.rec.Status != domain.TaskStatusProcessing {
		return nil, nil
	}
	if f.rec.StartedAt == nil || time.Since(*f.rec.StartedAt) < olderThan {
		return nil, nil
	}
	cp := *f.rec
	return []*domain.TaskRecord{&cp}, nil
}

func (f *fakeStore) RequeueOrphan(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requeueErr != nil {
		return f.requeueErr
	}
	if f.rec.Status != domain.TaskStatusProcessing {
		return f.conflict("requeue", nil)
	}
	f.rec.Status = domain.TaskStatusPending
	f.events = append(f.events, domain.EventTypeRetried)
	return nil
}

func (f *fakeStore) SetQueueTaskID(_ context.Context, id uuid.UUID, queueTaskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec.QueueTaskID = queueTaskID
	f.queueIDs = append(f.queueIDs, queueTaskID)
	return nil
}

func (f *fakeStore) List(_ context.Context, _ store.TaskFilter, _ store.Page) ([]*domain.TaskRecord, error) {
	return nil, nil
}

func (f *fakeStore) CountByStatus(_ context.Context, _ store.TaskFilter) (map[domain.TaskStatus]int, error) {
	return nil, nil
}

func (f *fakeStore) ListEvents(_ context.Context, _ uuid.UUID) ([]*domain.EventLogEntry, error) {
	return nil, nil
}

func (f *fakeStore) ListProgress(_ context.Context, _ uuid.UUID) ([]*domain.ProgressEntry, error) {
	return nil, nil
}

func (f *fakeStore) WithTx(_ *sql.Tx) store.TaskStore { return f }

// snapshot returns a copy of the record for assertions.
func (f *fakeStore) snapshot() domain.TaskRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rec
}
