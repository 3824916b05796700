// Package worker executes queued work items: it claims the task record,
// runs the matching processor, and records the terminal transition.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/dkarimov/fileproc/internal/domain"
	"github.com/dkarimov/fileproc/internal/platform/logger"
	"github.com/dkarimov/fileproc/internal/processor"
	"github.com/dkarimov/fileproc/internal/queue"
	"github.com/dkarimov/fileproc/internal/store"
)

// Handler processes file-processing work items. It implements
// asynq.Handler.
type Handler struct {
	store    store.TaskStore
	registry *processor.Registry
	logger   *slog.Logger
}

// NewHandler creates a work item handler. If log is nil, the default logger
// is used.
func NewHandler(taskStore store.TaskStore, registry *processor.Registry, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		store:    taskStore,
		registry: registry,
		logger:   log.With(slog.String("component", "worker")),
	}
}

var _ asynq.Handler = (*Handler)(nil)

// ProcessTask implements asynq.Handler. Delivery is at least once: a work
// item whose claim fails the status guard is a duplicate or lost a race
// with cancellation, and is dropped without touching the record.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	payload, err := queue.DecodePayload(t)
	if err != nil {
		// Malformed items can never succeed; drop them.
		h.logger.Error("dropping malformed work item",
			slog.String("error", err.Error()))
		return nil
	}

	id, err := uuid.Parse(payload.TaskID)
	if err != nil {
		h.logger.Error("dropping work item with invalid task ID",
			slog.String("task_id", payload.TaskID),
			slog.String("error", err.Error()))
		return nil
	}

	log := h.logger.With(slog.String("task_id", id.String()))
	if queueTaskID, ok := asynq.GetTaskID(ctx); ok {
		log = log.With(slog.String("queue_task_id", queueTaskID))
	}
	ctx = logger.WithLogger(ctx, log)

	rec, err := h.store.Claim(ctx, id)
	if err != nil {
		return h.handleClaimFailure(log, err)
	}

	proc, err := h.registry.For(rec.TaskType)
	if err != nil {
		// No processor can ever serve this record; fail it once.
		if failErr := h.store.Fail(ctx, id, err.Error(), domain.ErrorCodeProcessingError); failErr != nil {
			log.Error("failed to record missing-processor failure",
				slog.String("error", failErr.Error()))
		}
		return nil
	}

	result, runErr := proc.Run(ctx, rec.FilePath, h.reportFn(id))
	switch {
	case runErr == nil:
		return h.finishCompleted(ctx, log, id, result)
	case errors.Is(runErr, processor.ErrCancelled):
		if ctx.Err() != nil {
			// Worker shutdown, not a cancel request. Leave the record in
			// processing; the orphan sweep or the operator recovers it.
			log.Warn("work item interrupted by shutdown")
			return fmt.Errorf("interrupted: %w", ctx.Err())
		}
		return h.finishCancelled(ctx, log, id)
	default:
		return h.finishFailed(ctx, log, id, runErr)
	}
}

// handleClaimFailure decides what a failed claim means for the queue: nil
// drops the work item, an error surfaces it as a queue-level failure.
func (h *Handler) handleClaimFailure(log *slog.Logger, err error) error {
	if errors.Is(err, store.ErrTaskNotFound) {
		log.Warn("dropping work item for unknown task")
		return nil
	}
	if status, ok := domain.ConflictStatus(err); ok {
		// Duplicate delivery or a cancel request that won the race. The
		// record was handled elsewhere; this delivery is a no-op.
		log.Info("dropping work item after claim conflict",
			slog.String("current_status", string(status)))
		return nil
	}
	log.Error("claim failed", slog.String("error", err.Error()))
	return err
}

// reportFn builds the checkpoint callback: poll the cancel flag, then
// record the sample. A stale sample after a retry is logged and skipped,
// not fatal: progress on the record is monotonic across attempts.
func (h *Handler) reportFn(id uuid.UUID) processor.ReportFn {
	return func(ctx context.Context, progress int, message string) error {
		log := logger.FromContextOrDefault(ctx, h.logger)

		requested, err := h.store.IsCancelRequested(ctx, id)
		if err != nil {
			return err
		}
		if requested {
			return processor.ErrCancelled
		}

		err = h.store.RecordProgress(ctx, id, progress, message, nil)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrProgressRegression):
			log.Debug("skipping stale progress sample",
				slog.Int("progress", progress))
			return nil
		default:
			if status, ok := domain.ConflictStatus(err); ok && status == domain.TaskStatusCancelled {
				return processor.ErrCancelled
			}
			return err
		}
	}
}

func (h *Handler) finishCompleted(ctx context.Context, log *slog.Logger, id uuid.UUID, result []byte) error {
	if err := h.store.Complete(ctx, id, result); err != nil {
		if status, ok := domain.ConflictStatus(err); ok {
			log.Warn("completion lost to concurrent transition",
				slog.String("current_status", string(status)))
			return nil
		}
		log.Error("failed to record completion", slog.String("error", err.Error()))
		return err
	}
	log.Info("work item completed")
	return nil
}

func (h *Handler) finishCancelled(ctx context.Context, log *slog.Logger, id uuid.UUID) error {
	if err := h.store.Cancel(ctx, id, "cancel request observed at checkpoint"); err != nil {
		if status, ok := domain.ConflictStatus(err); ok {
			log.Info("cancellation already recorded",
				slog.String("current_status", string(status)))
			return nil
		}
		log.Error("failed to record cancellation", slog.String("error", err.Error()))
		return err
	}
	log.Info("work item cancelled at checkpoint")
	return nil
}

func (h *Handler) finishFailed(ctx context.Context, log *slog.Logger, id uuid.UUID, runErr error) error {
	code := processor.FailureCode(runErr)
	if err := h.store.Fail(ctx, id, runErr.Error(), code); err != nil {
		if status, ok := domain.ConflictStatus(err); ok {
			log.Warn("failure lost to concurrent transition",
				slog.String("current_status", string(status)))
			return nil
		}
		log.Error("failed to record failure", slog.String("error", err.Error()))
		return err
	}
	log.Warn("work item failed",
		slog.String("error_code", code),
		slog.String("error", runErr.Error()))
	return nil
}
