// Package queue routes task work items onto the durable queue and decodes
// them on the worker side.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/dkarimov/fileproc/internal/domain"
)

// TypeProcessFile is the queue message type for file-processing work items.
const TypeProcessFile = "task:process_file"

// Per-type queue names. Bulk submissions go to separate queues so a large
// batch cannot starve interactively submitted tasks.
const (
	QueueImage    = "image"
	QueueDocument = "document"
	QueueVideo    = "video"

	bulkPrefix = "bulk:"
)

// Payload is the wire form of a work item. It carries only the task
// identity; the record in the store is the source of truth for everything
// else.
type Payload struct {
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`
	FilePath string `json:"file_path"`
}

// QueueFor returns the queue name for a task type. Bulk work items land on
// the type's bulk queue.
func QueueFor(taskType domain.TaskType, bulk bool) string {
	name := string(taskType)
	if bulk {
		return bulkPrefix + name
	}
	return name
}

// Weights returns the queue priority map for worker servers. Bulk queues
// get weight 1 so their items drain one at a time relative to the
// interactive queues.
func Weights() map[string]int {
	return map[string]int{
		QueueImage:    3,
		QueueDocument: 3,
		QueueVideo:    3,

		bulkPrefix + QueueImage:    1,
		bulkPrefix + QueueDocument: 1,
		bulkPrefix + QueueVideo:    1,
	}
}

// Router enqueues work items for persisted task records.
type Router struct {
	client *asynq.Client
	logger *slog.Logger
}

// NewRouter creates a Router connected to the given Redis instance. If
// logger is nil, the default logger is used.
func NewRouter(redisOpt asynq.RedisClientOpt, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		client: asynq.NewClient(redisOpt),
		logger: log.With(slog.String("component", "queue_router")),
	}
}

// Enqueue places a work item for the task on its queue and returns the
// queue-assigned identifier. Queue-level retries are disabled: redelivery
// after a failure is a deliberate decision of the retry controller, never
// an automatic one.
func (r *Router) Enqueue(ctx context.Context, rec *domain.TaskRecord, bulk bool) (string, error) {
	payload, err := json.Marshal(Payload{
		TaskID:   rec.ID.String(),
		TaskType: string(rec.TaskType),
		FilePath: rec.FilePath,
	})
	if err != nil {
		return "", fmt.Errorf("encode work item: %w", err)
	}

	queueName := QueueFor(rec.TaskType, bulk)
	info, err := r.client.EnqueueContext(ctx,
		asynq.NewTask(TypeProcessFile, payload),
		asynq.Queue(queueName),
		asynq.MaxRetry(0),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue work item: %w", err)
	}

	r.logger.Info("work item enqueued",
		slog.String("task_id", rec.ID.String()),
		slog.String("queue", queueName),
		slog.String("queue_task_id", info.ID))
	return info.ID, nil
}

// Close releases the underlying queue connection.
func (r *Router) Close() error {
	return r.client.Close()
}

// DecodePayload parses a work item received by a worker.
func DecodePayload(t *asynq.Task) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return Payload{}, fmt.Errorf("decode work item: %w", err)
	}
	if p.TaskID == "" {
		return Payload{}, fmt.Errorf("work item has no task ID")
	}
	return p, nil
}
