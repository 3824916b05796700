package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkarimov/fileproc/internal/domain"
	"github.com/dkarimov/fileproc/internal/store"
)

// memStore is a map-backed TaskStore covering the operations the service
// layer exercises.
type memStore struct {
	tasks  map[uuid.UUID]*domain.TaskRecord
	events map[uuid.UUID][]*domain.EventLogEntry

	createErr error
}

func newMemStore() *memStore {
	return &memStore{
		tasks:  map[uuid.UUID]*domain.TaskRecord{},
		events: map[uuid.UUID][]*domain.EventLogEntry{},
	}
}

var _ store.TaskStore = (*memStore)(nil)

func (m *memStore) Create(_ context.Context, rec *domain.TaskRecord) error {
	if m.createErr != nil {
		return m.createErr
	}
	cp := *rec
	m.tasks[rec.ID] = &cp
	m.events[rec.ID] = append(m.events[rec.ID],
		domain.NewEventLogEntry(rec.ID, domain.EventTypeCreated, "Task created", nil))
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*domain.TaskRecord, error) {
	rec, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) List(_ context.Context, filter store.TaskFilter, _ store.Page) ([]*domain.TaskRecord, error) {
	var out []*domain.TaskRecord
	for _, rec := range m.tasks {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) CountByStatus(_ context.Context, _ store.TaskFilter) (map[domain.TaskStatus]int, error) {
	counts := map[domain.TaskStatus]int{}
	for _, rec := range m.tasks {
		counts[rec.Status]++
	}
	return counts, nil
}

func (m *memStore) SetQueueTaskID(_ context.Context, id uuid.UUID, queueTaskID string) error {
	rec, ok := m.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	rec.QueueTaskID = queueTaskID
	return nil
}

func (m *memStore) Claim(_ context.Context, id uuid.UUID) (*domain.TaskRecord, error) {
	panic("not used in service tests")
}

func (m *memStore) RecordProgress(_ context.Context, _ uuid.UUID, _ int, _ string, _ map[string]any) error {
	panic("not used in service tests")
}

func (m *memStore) Complete(_ context.Context, _ uuid.UUID, _ json.RawMessage) error {
	panic("not used in service tests")
}

func (m *memStore) Fail(_ context.Context, id uuid.UUID, errorMessage, errorCode string) error {
	rec := m.tasks[id]
	rec.Status = domain.TaskStatusFailed
	rec.ErrorMessage = errorMessage
	rec.ErrorCode = errorCode
	return nil
}

func (m *memStore) Cancel(_ context.Context, _ uuid.UUID, _ string) error {
	panic("not used in service tests")
}

func (m *memStore) RequestCancel(_ context.Context, id uuid.UUID, _ string) error {
	rec, ok := m.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	switch rec.Status {
	case domain.TaskStatusPending:
		rec.Status = domain.TaskStatusCancelled
		return nil
	case domain.TaskStatusProcessing:
		rec.CancelRequested = true
		return nil
	default:
		return domain.NewStateConflictError("cancel", rec.Status, domain.ErrNotCancellable)
	}
}

func (m *memStore) IsCancelRequested(_ context.Context, id uuid.UUID) (bool, error) {
	rec, ok := m.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	return rec.CancelRequested, nil
}

func (m *memStore) Retry(_ context.Context, id uuid.UUID, force bool) (*domain.TaskRecord, error) {
	rec, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	if rec.Status != domain.TaskStatusFailed || (!force && rec.RetryCount >= rec.MaxRetries) {
		return nil, domain.NewStateConflictError("retry", rec.Status, domain.ErrNotRetryable)
	}
	rec.Status = domain.TaskStatusPending
	rec.RetryCount++
	rec.ErrorMessage = ""
	rec.ErrorCode = ""
	cp := *rec
	return &cp, nil
}

func (m *memStore) FindStuckProcessing(_ context.Context, _ time.Duration) ([]*domain.TaskRecord, error) {
	return nil, nil
}

func (m *memStore) RequeueOrphan(_ context.Context, _ uuid.UUID) error {
	panic("not used in service tests")
}

func (m *memStore) ListEvents(_ context.Context, id uuid.UUID) ([]*domain.EventLogEntry, error) {
	return m.events[id], nil
}

func (m *memStore) ListProgress(_ context.Context, _ uuid.UUID) ([]*domain.ProgressEntry, error) {
	return nil, nil
}

func (m *memStore) WithTx(_ *sql.Tx) store.TaskStore { return m }

// captureEnqueuer records enqueued work items and can fail on demand.
type captureEnqueuer struct {
	calls []enqueueCall
	err   error
}

type enqueueCall struct {
	taskID uuid.UUID
	bulk   bool
}

func (c *captureEnqueuer) Enqueue(_ context.Context, rec *domain.TaskRecord, bulk bool) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.calls = append(c.calls, enqueueCall{taskID: rec.ID, bulk: bulk})
	return uuid.NewString(), nil
}

func newTestService(t *testing.T) (TaskService, *memStore, *captureEnqueuer) {
	t.Helper()

	ms := newMemStore()
	enq := &captureEnqueuer{}
	svc, err := NewTaskService(ms, enq, nil)
	require.NoError(t, err)
	return svc, ms, enq
}

func TestNewTaskService_NilDependencies(t *testing.T) {
	_, err := NewTaskService(nil, &captureEnqueuer{}, nil)
	assert.Error(t, err)

	_, err = NewTaskService(newMemStore(), nil, nil)
	assert.Error(t, err)
}

func TestTaskService_Submit(t *testing.T) {
	svc, ms, enq := newTestService(t)

	rec, err := svc.Submit(context.Background(), SubmitRequest{
		TaskType: domain.TaskTypeImage,
		FilePath: "/data/in/photo.jpg",
		FileSize: 1024,
		OwnerID:  "alice",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.TaskStatusPending, rec.Status)
	assert.NotEmpty(t, rec.QueueTaskID)

	stored, err := ms.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.QueueTaskID, stored.QueueTaskID)

	require.Len(t, enq.calls, 1)
	assert.False(t, enq.calls[0].bulk)
}

func TestTaskService_Submit_ValidationError(t *testing.T) {
	svc, ms, _ := newTestService(t)

	_, err := svc.Submit(context.Background(), SubmitRequest{
		TaskType: domain.TaskType("archive"),
		FilePath: "/data/in/a.zip",
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, ms.tasks, "nothing may be persisted on validation failure")
}

func TestTaskService_Submit_EnqueueFailure(t *testing.T) {
	svc, ms, enq := newTestService(t)
	enq.err = errors.New("redis down")

	_, err := svc.Submit(context.Background(), SubmitRequest{
		TaskType: domain.TaskTypeImage,
		FilePath: "/data/in/photo.jpg",
	})
	require.Error(t, err)

	var svcErr *TaskServiceError
	assert.ErrorAs(t, err, &svcErr)
	// The record survives for operator recovery, without a work item.
	require.Len(t, ms.tasks, 1)
	for _, rec := range ms.tasks {
		assert.Equal(t, domain.TaskStatusPending, rec.Status)
		assert.Empty(t, rec.QueueTaskID)
	}
}

func TestTaskService_BulkSubmit(t *testing.T) {
	svc, ms, enq := newTestService(t)

	result, err := svc.BulkSubmit(context.Background(), BulkSubmitRequest{
		TaskType: domain.TaskTypeDocument,
		OwnerID:  "alice",
		Items: []BulkItem{
			{FilePath: "/data/in/a.pdf", FileSize: 10},
			{FilePath: "/data/in/b.pdf", FileSize: 20},
			{FilePath: "", FileSize: 30},
		},
	})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, result.BatchID)
	assert.Len(t, result.Submitted, 2)
	require.Len(t, result.Failed, 1)
	assert.Empty(t, result.Failed[0].FilePath)

	batchTag := "batch:" + result.BatchID.String()
	for _, rec := range result.Submitted {
		assert.Contains(t, rec.Tags, batchTag)
	}

	// Batches ride the bulk queues.
	require.Len(t, enq.calls, 2)
	assert.True(t, enq.calls[0].bulk)
	assert.Len(t, ms.tasks, 2)
}

func TestTaskService_BulkSubmit_ParallelStaysOnBulkQueue(t *testing.T) {
	svc, _, enq := newTestService(t)

	_, err := svc.BulkSubmit(context.Background(), BulkSubmitRequest{
		TaskType: domain.TaskTypeImage,
		Parallel: true,
		Items: []BulkItem{
			{FilePath: "/data/in/a.jpg"},
			{FilePath: "/data/in/b.jpg"},
		},
	})
	require.NoError(t, err)

	// Parallel relaxes ordering only; a batch never rides the
	// interactive queues.
	require.Len(t, enq.calls, 2)
	for _, call := range enq.calls {
		assert.True(t, call.bulk)
	}
}

func TestTaskService_BulkSubmit_Invalid(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.BulkSubmit(context.Background(), BulkSubmitRequest{
		TaskType: domain.TaskTypeImage,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.BulkSubmit(context.Background(), BulkSubmitRequest{
		TaskType: domain.TaskType("archive"),
		Items:    []BulkItem{{FilePath: "/data/in/a.zip"}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTaskType)
}

func TestTaskService_Get(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Submit(ctx, SubmitRequest{
		TaskType: domain.TaskTypeImage,
		FilePath: "/data/in/photo.jpg",
	})
	require.NoError(t, err)

	detail, err := svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, detail.Record.ID)
	require.Len(t, detail.Events, 1)
	assert.Equal(t, domain.EventTypeCreated, detail.Events[0].EventType)

	_, err = svc.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskService_ProgressSummary_FillsAllStatuses(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitRequest{
		TaskType: domain.TaskTypeImage,
		FilePath: "/data/in/photo.jpg",
	})
	require.NoError(t, err)

	counts, err := svc.ProgressSummary(ctx, store.TaskFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.TaskStatusPending])
	assert.Len(t, counts, 5, "every status must be present, zero-valued if empty")
	assert.Equal(t, 0, counts[domain.TaskStatusFailed])
}

func TestTaskService_RequestCancel(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Submit(ctx, SubmitRequest{
		TaskType: domain.TaskTypeImage,
		FilePath: "/data/in/photo.jpg",
	})
	require.NoError(t, err)

	require.NoError(t, svc.RequestCancel(ctx, rec.ID, "user request"))
	got, err := ms.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, got.Status)

	// A terminal task is no longer cancellable.
	err = svc.RequestCancel(ctx, rec.ID, "again")
	assert.ErrorIs(t, err, domain.ErrNotCancellable)

	assert.ErrorIs(t, svc.RequestCancel(ctx, uuid.New(), ""), ErrTaskNotFound)
}

func TestTaskService_RequestRetry(t *testing.T) {
	svc, ms, enq := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Submit(ctx, SubmitRequest{
		TaskType: domain.TaskTypeVideo,
		FilePath: "/data/in/clip.mp4",
	})
	require.NoError(t, err)
	firstQueueID := rec.QueueTaskID

	require.NoError(t, ms.Fail(ctx, rec.ID, "transient", domain.ErrorCodeProcessingError))

	retried, err := svc.RequestRetry(ctx, rec.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.NotEqual(t, firstQueueID, retried.QueueTaskID,
		"retry must produce a fresh work item")
	assert.Len(t, enq.calls, 2)
}

func TestTaskService_RequestRetry_NotRetryable(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Submit(ctx, SubmitRequest{
		TaskType: domain.TaskTypeVideo,
		FilePath: "/data/in/clip.mp4",
	})
	require.NoError(t, err)

	_, err = svc.RequestRetry(ctx, rec.ID, false)
	assert.ErrorIs(t, err, domain.ErrNotRetryable)
}

func TestTaskService_RequestRetry_ForceOverridesBudget(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Submit(ctx, SubmitRequest{
		TaskType: domain.TaskTypeVideo,
		FilePath: "/data/in/clip.mp4",
	})
	require.NoError(t, err)

	require.NoError(t, ms.Fail(ctx, rec.ID, "boom", ""))
	ms.tasks[rec.ID].RetryCount = ms.tasks[rec.ID].MaxRetries

	_, err = svc.RequestRetry(ctx, rec.ID, false)
	assert.ErrorIs(t, err, domain.ErrNotRetryable)

	retried, err := svc.RequestRetry(ctx, rec.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, retried.Status)
}
