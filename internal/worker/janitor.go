package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dkarimov/fileproc/internal/domain"
	"github.com/dkarimov/fileproc/internal/store"
)

// Enqueuer places a work item for a task record on its queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, rec *domain.TaskRecord, bulk bool) (string, error)
}

// Janitor recovers tasks whose worker died mid-run: records stuck in
// processing are reset to pending and re-enqueued. Run at most one janitor
// per deployment.
type Janitor struct {
	store      store.TaskStore
	enqueuer   Enqueuer
	stuckAfter time.Duration
	logger     *slog.Logger
}

// NewJanitor creates a janitor treating tasks processing longer than
// stuckAfter as orphaned.
func NewJanitor(taskStore store.TaskStore, enqueuer Enqueuer, stuckAfter time.Duration, log *slog.Logger) *Janitor {
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{
		store:      taskStore,
		enqueuer:   enqueuer,
		stuckAfter: stuckAfter,
		logger:     log.With(slog.String("component", "janitor")),
	}
}

// Sweep performs one pass. A record another actor moved meanwhile is
// skipped. A record that was reset but could not be re-enqueued stays
// pending without a work item; recovery is an operator re-enqueue.
func (j *Janitor) Sweep(ctx context.Context) error {
	stuck, err := j.store.FindStuckProcessing(ctx, j.stuckAfter)
	if err != nil {
		return fmt.Errorf("find stuck tasks: %w", err)
	}
	if len(stuck) == 0 {
		return nil
	}
	j.logger.Warn("sweeping orphaned tasks", slog.Int("count", len(stuck)))

	for _, rec := range stuck {
		log := j.logger.With(slog.String("task_id", rec.ID.String()))

		if err := j.store.RequeueOrphan(ctx, rec.ID); err != nil {
			if status, ok := domain.ConflictStatus(err); ok {
				log.Info("skipping task moved since sweep started",
					slog.String("current_status", string(status)))
				continue
			}
			log.Error("failed to requeue orphaned task",
				slog.String("error", err.Error()))
			continue
		}

		queueTaskID, err := j.enqueuer.Enqueue(ctx, rec, false)
		if err != nil {
			log.Error("failed to re-enqueue orphaned task",
				slog.String("error", err.Error()))
			continue
		}
		if err := j.store.SetQueueTaskID(ctx, rec.ID, queueTaskID); err != nil {
			log.Error("failed to record new queue task ID",
				slog.String("error", err.Error()))
			continue
		}
		log.Info("orphaned task re-enqueued",
			slog.String("queue_task_id", queueTaskID))
	}
	return nil
}

// Schedule registers the sweep on a cron runner with the given cron
// expression. The returned cron is not started; the caller owns its
// lifecycle.
func (j *Janitor) Schedule(c *cron.Cron, spec string) error {
	_, err := c.AddFunc(spec, func() {
		if err := j.Sweep(context.Background()); err != nil {
			j.logger.Error("sweep failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	return nil
}
