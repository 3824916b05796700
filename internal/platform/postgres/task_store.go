// Package postgres implements the store interfaces on a relational
// database. SQL is kept placeholder-portable so the same statements run
// against an in-memory SQLite database in tests.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dkarimov/fileproc/internal/domain"
	"github.com/dkarimov/fileproc/internal/platform/logger"
	"github.com/dkarimov/fileproc/internal/store"
)

// taskColumns is the canonical select list for task records.
const taskColumns = `id, queue_task_id, task_type, status, progress,
	file_path, file_name, file_size,
	result, error_message, error_code,
	retry_count, max_retries, cancel_requested,
	created_at, started_at, completed_at, cancelled_at,
	owner_id, tags, metadata`

// PostgresTaskStore implements store.TaskStore. Status mutations are
// conditional UPDATEs guarded on the current status; each one is written in
// a transaction together with its audit event.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresTaskStore creates a TaskStore backed by the given connection
// or transaction. If logger is nil, the default logger is used.
func NewPostgresTaskStore(db store.DBTX, log *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &PostgresTaskStore{
		db:     db,
		logger: log.With(slog.String("component", "task_store")),
	}
}

// Ensure PostgresTaskStore implements store.TaskStore.
var _ store.TaskStore = (*PostgresTaskStore)(nil)

// WithTx returns a TaskStore bound to the provided transaction.
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &PostgresTaskStore{db: tx, logger: s.logger}
}

// inTx runs fn atomically: inside a new transaction when the store holds a
// connection pool, or directly when the store is already transaction-bound.
func (s *PostgresTaskStore) inTx(ctx context.Context, fn func(q store.DBTX) error) error {
	if db, ok := s.db.(*sql.DB); ok {
		return store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
			return fn(tx)
		})
	}
	return fn(s.db)
}

// Create implements store.TaskStore.Create.
func (s *PostgresTaskStore) Create(ctx context.Context, rec *domain.TaskRecord) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := rec.Validate(); err != nil {
		log.Warn("task validation failed during create",
			slog.String("error", err.Error()),
			slog.String("task_id", rec.ID.String()))
		return err
	}

	tags, err := marshalJSON(rec.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	metadata, err := marshalJSON(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	return s.inTx(ctx, func(q store.DBTX) error {
		query := `
			INSERT INTO tasks (` + taskColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		`
		_, err := q.ExecContext(ctx, query,
			rec.ID.String(),
			nullString(rec.QueueTaskID),
			string(rec.TaskType),
			string(rec.Status),
			rec.Progress,
			rec.FilePath,
			rec.FileName,
			rec.FileSize,
			nullString(string(rec.Result)),
			rec.ErrorMessage,
			rec.ErrorCode,
			rec.RetryCount,
			rec.MaxRetries,
			rec.CancelRequested,
			rec.CreatedAt,
			nullTime(rec.StartedAt),
			nullTime(rec.CompletedAt),
			nullTime(rec.CancelledAt),
			rec.OwnerID,
			tags,
			metadata,
		)
		if err != nil {
			log.Error("failed to create task",
				slog.String("error", err.Error()),
				slog.String("task_id", rec.ID.String()))
			return MapError(err)
		}

		if err := s.insertEvent(ctx, q, rec.ID, domain.EventTypeCreated,
			fmt.Sprintf("Task created for file: %s", rec.FileName),
			map[string]any{"file_path": rec.FilePath, "task_type": string(rec.TaskType)},
		); err != nil {
			return err
		}

		log.Info("task created",
			slog.String("task_id", rec.ID.String()),
			slog.String("task_type", string(rec.TaskType)),
			slog.String("file_name", rec.FileName))
		return nil
	})
}

// GetByID implements store.TaskStore.GetByID.
func (s *PostgresTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	rec, err := scanTask(s.db.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if store.IsNotFoundError(MapError(err)) {
			return nil, store.ErrTaskNotFound
		}
		return nil, MapError(err)
	}
	return rec, nil
}

// List implements store.TaskStore.List. Results are ordered newest first.
func (s *PostgresTaskStore) List(ctx context.Context, filter store.TaskFilter, page store.Page) ([]*domain.TaskRecord, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	limit := page.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}

	where, args := buildTaskFilter(filter, true)
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT `+taskColumns+` FROM tasks %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to list tasks", slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer closeRows(rows, log)

	tasks := []*domain.TaskRecord{}
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return tasks, nil
}

// CountByStatus implements store.TaskStore.CountByStatus.
func (s *PostgresTaskStore) CountByStatus(ctx context.Context, filter store.TaskFilter) (map[domain.TaskStatus]int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	filter.Status = ""
	where, args := buildTaskFilter(filter, true)
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM tasks %s GROUP BY status`, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to count tasks by status", slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer closeRows(rows, log)

	counts := map[domain.TaskStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, MapError(err)
		}
		counts[domain.TaskStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return counts, nil
}

// SetQueueTaskID implements store.TaskStore.SetQueueTaskID. The ID is
// overwritten on a retry re-enqueue: it always names the current work item.
func (s *PostgresTaskStore) SetQueueTaskID(ctx context.Context, id uuid.UUID, queueTaskID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET queue_task_id = $1 WHERE id = $2`,
		queueTaskID, id.String())
	if err != nil {
		return MapError(err)
	}
	return checkFound(result)
}

// Claim implements store.TaskStore.Claim: the guarded pending -> processing
// transition that makes a worker the sole owner of the task's
// execution-scoped fields. A redelivered work item whose task is no longer
// pending loses the guard and gets a conflict carrying the current status.
func (s *PostgresTaskStore) Claim(ctx context.Context, id uuid.UUID) (*domain.TaskRecord, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)
	now := time.Now().UTC()

	var claimed *domain.TaskRecord
	err := s.inTx(ctx, func(q store.DBTX) error {
		result, err := q.ExecContext(ctx, `
			UPDATE tasks SET status = $1, started_at = $2
			WHERE id = $3 AND status = $4 AND NOT cancel_requested
		`, string(domain.TaskStatusProcessing), now, id.String(), string(domain.TaskStatusPending))
		if err != nil {
			return MapError(err)
		}

		n, err := result.RowsAffected()
		if err != nil {
			return MapError(err)
		}

		if n == 0 {
			// Guard failed: the task was already claimed, terminal, or has
			// a pending cancel request.
			current, cancelRequested, err := s.currentStatus(ctx, q, id)
			if err != nil {
				return err
			}
			if current == domain.TaskStatusPending && cancelRequested {
				// Cancel won the race: honor it without ever entering
				// processing.
				if err := s.applyCancel(ctx, q, id, now, "Cancelled before execution started",
					domain.TaskStatusPending); err != nil {
					return err
				}
				current = domain.TaskStatusCancelled
			}
			return domain.NewStateConflictError("claim", current, nil)
		}

		if err := s.insertEvent(ctx, q, id, domain.EventTypeStarted,
			"Task processing started", nil); err != nil {
			return err
		}

		claimed, err = s.getInTx(ctx, q, id)
		return err
	})
	if err != nil {
		if _, ok := domain.ConflictStatus(err); ok {
			log.Info("claim rejected",
				slog.String("task_id", id.String()),
				slog.String("error", err.Error()))
		}
		return nil, err
	}

	log.Info("task claimed",
		slog.String("task_id", id.String()))
	return claimed, nil
}

// RecordProgress implements store.TaskStore.RecordProgress. The guard
// progress <= sample enforces monotonic progress and rejects stale samples
// redelivered out of order.
func (s *PostgresTaskStore) RecordProgress(ctx context.Context, id uuid.UUID, progress int, message string, data map[string]any) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	entry, err := domain.NewProgressEntry(id, progress, message, data)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(q store.DBTX) error {
		result, err := q.ExecContext(ctx, `
			UPDATE tasks SET progress = $1
			WHERE id = $2 AND status = $3 AND progress <= $1
		`, progress, id.String(), string(domain.TaskStatusProcessing))
		if err != nil {
			return MapError(err)
		}

		n, err := result.RowsAffected()
		if err != nil {
			return MapError(err)
		}
		if n == 0 {
			current, _, err := s.currentStatus(ctx, q, id)
			if err != nil {
				return err
			}
			if current != domain.TaskStatusProcessing {
				return domain.NewStateConflictError("progress", current, nil)
			}
			return domain.NewStateConflictError("progress", current, domain.ErrProgressRegression)
		}

		if err := s.insertProgress(ctx, q, entry); err != nil {
			return err
		}
		msg := message
		if msg == "" {
			msg = fmt.Sprintf("Progress: %d%%", progress)
		}
		if err := s.insertEvent(ctx, q, id, domain.EventTypeProgress, msg,
			map[string]any{"progress": progress}); err != nil {
			return err
		}

		log.Debug("progress recorded",
			slog.String("task_id", id.String()),
			slog.Int("progress", progress))
		return nil
	})
}

// Complete implements store.TaskStore.Complete.
func (s *PostgresTaskStore) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	log := logger.FromContextOrDefault(ctx, s.logger)
	now := time.Now().UTC()

	return s.inTx(ctx, func(q store.DBTX) error {
		res, err := q.ExecContext(ctx, `
			UPDATE tasks SET status = $1, progress = 100, result = $2, completed_at = $3
			WHERE id = $4 AND status = $5
		`, string(domain.TaskStatusCompleted), nullString(string(result)), now,
			id.String(), string(domain.TaskStatusProcessing))
		if err != nil {
			return MapError(err)
		}

		if err := s.requireTransition(ctx, q, res, id, "complete", nil); err != nil {
			return err
		}

		if err := s.insertEvent(ctx, q, id, domain.EventTypeCompleted,
			"Task completed successfully", nil); err != nil {
			return err
		}

		log.Info("task completed", slog.String("task_id", id.String()))
		return nil
	})
}

// Fail implements store.TaskStore.Fail.
func (s *PostgresTaskStore) Fail(ctx context.Context, id uuid.UUID, errorMessage, errorCode string) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if errorCode == "" {
		errorCode = domain.ErrorCodeProcessingError
	}

	return s.inTx(ctx, func(q store.DBTX) error {
		res, err := q.ExecContext(ctx, `
			UPDATE tasks SET status = $1, error_message = $2, error_code = $3
			WHERE id = $4 AND status = $5
		`, string(domain.TaskStatusFailed), errorMessage, errorCode,
			id.String(), string(domain.TaskStatusProcessing))
		if err != nil {
			return MapError(err)
		}

		if err := s.requireTransition(ctx, q, res, id, "fail", nil); err != nil {
			return err
		}

		if err := s.insertEvent(ctx, q, id, domain.EventTypeFailed, errorMessage,
			map[string]any{"error_code": errorCode}); err != nil {
			return err
		}

		log.Warn("task failed",
			slog.String("task_id", id.String()),
			slog.String("error_code", errorCode),
			slog.String("error_message", errorMessage))
		return nil
	})
}

// Cancel implements store.TaskStore.Cancel: the terminal transition taken
// by a worker that observed an accepted cancel request, or directly by
// RequestCancel for tasks that were still pending.
func (s *PostgresTaskStore) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	log := logger.FromContextOrDefault(ctx, s.logger)
	now := time.Now().UTC()

	return s.inTx(ctx, func(q store.DBTX) error {
		if err := s.applyCancel(ctx, q, id, now, reason,
			domain.TaskStatusPending, domain.TaskStatusProcessing); err != nil {
			return err
		}
		log.Info("task cancelled", slog.String("task_id", id.String()))
		return nil
	})
}

// RequestCancel implements store.TaskStore.RequestCancel. Cancellation is
// asynchronous: accepting the request is not a guarantee of immediate stop.
func (s *PostgresTaskStore) RequestCancel(ctx context.Context, id uuid.UUID, reason string) error {
	log := logger.FromContextOrDefault(ctx, s.logger)
	now := time.Now().UTC()

	return s.inTx(ctx, func(q store.DBTX) error {
		// A still-pending task is cancelled on the spot; it must never be
		// observed in processing afterwards.
		err := s.applyCancel(ctx, q, id, now, reason, domain.TaskStatusPending)
		if err == nil {
			log.Info("pending task cancelled",
				slog.String("task_id", id.String()))
			return nil
		}
		current, ok := domain.ConflictStatus(err)
		if !ok {
			return err
		}

		if current != domain.TaskStatusProcessing {
			return domain.NewStateConflictError("cancel", current, domain.ErrNotCancellable)
		}

		// Running task: record the durable flag; the worker observes it at
		// its next checkpoint.
		res, err := q.ExecContext(ctx, `
			UPDATE tasks SET cancel_requested = $1
			WHERE id = $2 AND status = $3
		`, true, id.String(), string(domain.TaskStatusProcessing))
		if err != nil {
			return MapError(err)
		}
		if err := s.requireTransition(ctx, q, res, id, "cancel", domain.ErrNotCancellable); err != nil {
			return err
		}

		if err := s.insertEvent(ctx, q, id, domain.EventTypeCancelRequested,
			"Cancellation requested", map[string]any{"reason": reason}); err != nil {
			return err
		}

		log.Info("cancellation requested for running task",
			slog.String("task_id", id.String()))
		return nil
	})
}

// IsCancelRequested implements store.TaskStore.IsCancelRequested.
func (s *PostgresTaskStore) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM tasks WHERE id = $1`, id.String(),
	).Scan(&requested)
	if err != nil {
		if store.IsNotFoundError(MapError(err)) {
			return false, store.ErrTaskNotFound
		}
		return false, MapError(err)
	}
	return requested, nil
}

// Retry implements store.TaskStore.Retry: the failed -> pending loop-back.
// The attempt budget guard runs inside the UPDATE so concurrent retry
// requests cannot both win.
func (s *PostgresTaskStore) Retry(ctx context.Context, id uuid.UUID, force bool) (*domain.TaskRecord, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	var retried *domain.TaskRecord
	err := s.inTx(ctx, func(q store.DBTX) error {
		result, err := q.ExecContext(ctx, `
			UPDATE tasks SET status = $1, retry_count = retry_count + 1,
				error_message = '', error_code = '', completed_at = NULL,
				cancel_requested = $2
			WHERE id = $3 AND status = $4 AND ($5 OR retry_count < max_retries)
		`, string(domain.TaskStatusPending), false, id.String(),
			string(domain.TaskStatusFailed), force)
		if err != nil {
			return MapError(err)
		}

		n, err := result.RowsAffected()
		if err != nil {
			return MapError(err)
		}
		if n == 0 {
			current, _, err := s.currentStatus(ctx, q, id)
			if err != nil {
				return err
			}
			return domain.NewStateConflictError("retry", current, domain.ErrNotRetryable)
		}

		retried, err = s.getInTx(ctx, q, id)
		if err != nil {
			return err
		}

		if err := s.insertEvent(ctx, q, id, domain.EventTypeRetried,
			fmt.Sprintf("Retry attempt #%d", retried.RetryCount),
			map[string]any{"retry_count": retried.RetryCount, "forced": force}); err != nil {
			return err
		}

		log.Info("task retried",
			slog.String("task_id", id.String()),
			slog.Int("retry_count", retried.RetryCount),
			slog.Bool("forced", force))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return retried, nil
}

// FindStuckProcessing implements store.TaskStore.FindStuckProcessing.
func (s *PostgresTaskStore) FindStuckProcessing(ctx context.Context, olderThan time.Duration) ([]*domain.TaskRecord, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at ASC
	`, string(domain.TaskStatusProcessing), cutoff)
	if err != nil {
		return nil, MapError(err)
	}
	defer closeRows(rows, s.logger)

	var tasks []*domain.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return tasks, nil
}

// RequeueOrphan implements store.TaskStore.RequeueOrphan.
func (s *PostgresTaskStore) RequeueOrphan(ctx context.Context, id uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	return s.inTx(ctx, func(q store.DBTX) error {
		res, err := q.ExecContext(ctx, `
			UPDATE tasks SET status = $1
			WHERE id = $2 AND status = $3
		`, string(domain.TaskStatusPending), id.String(), string(domain.TaskStatusProcessing))
		if err != nil {
			return MapError(err)
		}
		if err := s.requireTransition(ctx, q, res, id, "requeue", nil); err != nil {
			return err
		}

		if err := s.insertEvent(ctx, q, id, domain.EventTypeRetried,
			"Requeued after worker loss", map[string]any{"orphaned": true}); err != nil {
			return err
		}

		log.Warn("orphaned task requeued", slog.String("task_id", id.String()))
		return nil
	})
}

// ListEvents implements store.TaskStore.ListEvents.
func (s *PostgresTaskStore) ListEvents(ctx context.Context, id uuid.UUID) ([]*domain.EventLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, event_type, message, metadata, created_at
		FROM task_events WHERE task_id = $1 ORDER BY id ASC
	`, id.String())
	if err != nil {
		return nil, MapError(err)
	}
	defer closeRows(rows, s.logger)

	events := []*domain.EventLogEntry{}
	for rows.Next() {
		var e domain.EventLogEntry
		var taskID string
		var eventType string
		var metadata sql.NullString
		if err := rows.Scan(&e.ID, &taskID, &eventType, &e.Message, &metadata, &e.CreatedAt); err != nil {
			return nil, MapError(err)
		}
		e.TaskID, err = uuid.Parse(taskID)
		if err != nil {
			return nil, fmt.Errorf("parse task ID: %w", err)
		}
		e.EventType = domain.EventType(eventType)
		if err := unmarshalJSON(metadata, &e.Metadata); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return events, nil
}

// ListProgress implements store.TaskStore.ListProgress.
func (s *PostgresTaskStore) ListProgress(ctx context.Context, id uuid.UUID) ([]*domain.ProgressEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, progress, message, data, created_at
		FROM task_progress WHERE task_id = $1 ORDER BY id ASC
	`, id.String())
	if err != nil {
		return nil, MapError(err)
	}
	defer closeRows(rows, s.logger)

	entries := []*domain.ProgressEntry{}
	for rows.Next() {
		var p domain.ProgressEntry
		var taskID string
		var data sql.NullString
		if err := rows.Scan(&p.ID, &taskID, &p.Progress, &p.Message, &data, &p.CreatedAt); err != nil {
			return nil, MapError(err)
		}
		p.TaskID, err = uuid.Parse(taskID)
		if err != nil {
			return nil, fmt.Errorf("parse task ID: %w", err)
		}
		if err := unmarshalJSON(data, &p.Data); err != nil {
			return nil, err
		}
		entries = append(entries, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return entries, nil
}

// applyCancel performs the guarded transition to cancelled from any of the
// allowed source statuses, together with its audit event.
func (s *PostgresTaskStore) applyCancel(ctx context.Context, q store.DBTX, id uuid.UUID, now time.Time, reason string, from ...domain.TaskStatus) error {
	placeholders := make([]string, len(from))
	args := []any{string(domain.TaskStatusCancelled), now, true, id.String()}
	for i, st := range from {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, string(st))
	}

	res, err := q.ExecContext(ctx, fmt.Sprintf(`
		UPDATE tasks SET status = $1, cancelled_at = $2, cancel_requested = $3
		WHERE id = $4 AND status IN (%s)
	`, strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return MapError(err)
	}
	if err := s.requireTransition(ctx, q, res, id, "cancel", domain.ErrNotCancellable); err != nil {
		return err
	}

	msg := "Task cancelled"
	if reason != "" {
		msg = fmt.Sprintf("Task cancelled: %s", reason)
	}
	return s.insertEvent(ctx, q, id, domain.EventTypeCancelled, msg,
		map[string]any{"reason": reason})
}

// requireTransition turns a zero-rows-affected guarded UPDATE into the
// matching conflict or not-found error.
func (s *PostgresTaskStore) requireTransition(ctx context.Context, q store.DBTX, result sql.Result, id uuid.UUID, op string, sentinel error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return MapError(err)
	}
	if n > 0 {
		return nil
	}
	current, _, err := s.currentStatus(ctx, q, id)
	if err != nil {
		return err
	}
	return domain.NewStateConflictError(op, current, sentinel)
}

// currentStatus reads the task's status and cancel flag for conflict
// diagnosis inside a transaction.
func (s *PostgresTaskStore) currentStatus(ctx context.Context, q store.DBTX, id uuid.UUID) (domain.TaskStatus, bool, error) {
	var status string
	var cancelRequested bool
	err := q.QueryRowContext(ctx,
		`SELECT status, cancel_requested FROM tasks WHERE id = $1`, id.String(),
	).Scan(&status, &cancelRequested)
	if err != nil {
		if store.IsNotFoundError(MapError(err)) {
			return "", false, store.ErrTaskNotFound
		}
		return "", false, MapError(err)
	}
	return domain.TaskStatus(status), cancelRequested, nil
}

// getInTx re-reads a record inside the current transaction.
func (s *PostgresTaskStore) getInTx(ctx context.Context, q store.DBTX, id uuid.UUID) (*domain.TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	rec, err := scanTask(q.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if store.IsNotFoundError(MapError(err)) {
			return nil, store.ErrTaskNotFound
		}
		return nil, MapError(err)
	}
	return rec, nil
}

// insertEvent appends an audit event. Always called inside the transaction
// of the status mutation it records.
func (s *PostgresTaskStore) insertEvent(ctx context.Context, q store.DBTX, taskID uuid.UUID, eventType domain.EventType, message string, metadata map[string]any) error {
	if !domain.IsValidEventType(eventType) {
		return fmt.Errorf("%w: unknown event type %q", store.ErrInvalidEntity, eventType)
	}
	entry := domain.NewEventLogEntry(taskID, eventType, message, metadata)
	encoded, err := marshalJSON(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encode event metadata: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.TaskID.String(), string(entry.EventType), entry.Message, encoded, entry.CreatedAt)
	if err != nil {
		return MapError(err)
	}
	return nil
}

// insertProgress appends a progress sample.
func (s *PostgresTaskStore) insertProgress(ctx context.Context, q store.DBTX, entry *domain.ProgressEntry) error {
	encoded, err := marshalJSON(entry.Data)
	if err != nil {
		return fmt.Errorf("encode progress data: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO task_progress (task_id, progress, message, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.TaskID.String(), entry.Progress, entry.Message, encoded, entry.CreatedAt)
	if err != nil {
		return MapError(err)
	}
	return nil
}

// buildTaskFilter renders the WHERE clause for list/count queries.
func buildTaskFilter(filter store.TaskFilter, _ bool) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.TaskType != "" {
		add("task_type = $%d", string(filter.TaskType))
	}
	if filter.OwnerID != "" {
		add("owner_id = $%d", filter.OwnerID)
	}
	if filter.Tag != "" {
		// Tags are stored as a JSON array; match on the quoted element.
		add("tags LIKE $%d", "%"+`"`+filter.Tag+`"`+"%")
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		clauses = append(clauses, fmt.Sprintf("(file_name LIKE $%d OR queue_task_id LIKE $%d)", len(args), len(args)))
	}
	if filter.From != nil {
		add("created_at >= $%d", filter.From.UTC())
	}
	if filter.To != nil {
		add("created_at <= $%d", filter.To.UTC())
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask reads one task row into a domain record.
func scanTask(row rowScanner) (*domain.TaskRecord, error) {
	var rec domain.TaskRecord
	var id, taskType, status string
	var queueTaskID, result, tags, metadata sql.NullString
	var startedAt, completedAt, cancelledAt sql.NullTime

	err := row.Scan(
		&id,
		&queueTaskID,
		&taskType,
		&status,
		&rec.Progress,
		&rec.FilePath,
		&rec.FileName,
		&rec.FileSize,
		&result,
		&rec.ErrorMessage,
		&rec.ErrorCode,
		&rec.RetryCount,
		&rec.MaxRetries,
		&rec.CancelRequested,
		&rec.CreatedAt,
		&startedAt,
		&completedAt,
		&cancelledAt,
		&rec.OwnerID,
		&tags,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	rec.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, store.NewStoreError("task", "scan", "parse task ID", err)
	}
	rec.TaskType = domain.TaskType(taskType)
	rec.Status = domain.TaskStatus(status)
	rec.QueueTaskID = queueTaskID.String
	if result.Valid && result.String != "" {
		rec.Result = json.RawMessage(result.String)
	}
	rec.StartedAt = timePtr(startedAt)
	rec.CompletedAt = timePtr(completedAt)
	rec.CancelledAt = timePtr(cancelledAt)
	if err := unmarshalJSON(tags, &rec.Tags); err != nil {
		return nil, store.NewStoreError("task", "scan", "decode tags", err)
	}
	if err := unmarshalJSON(metadata, &rec.Metadata); err != nil {
		return nil, store.NewStoreError("task", "scan", "decode metadata", err)
	}
	return &rec, nil
}

// checkFound maps a zero-rows-affected result to ErrTaskNotFound.
func checkFound(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return MapError(err)
	}
	if n == 0 {
		return store.ErrTaskNotFound
	}
	return nil
}

func closeRows(rows *sql.Rows, log *slog.Logger) {
	if err := rows.Close(); err != nil {
		log.Error("failed to close rows", slog.String("error", err.Error()))
	}
}

func marshalJSON(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case []string:
		if val == nil {
			return sql.NullString{}, nil
		}
	case map[string]any:
		if val == nil {
			return sql.NullString{}, nil
		}
	case nil:
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func unmarshalJSON[T any](src sql.NullString, dst *T) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		return fmt.Errorf("decode stored JSON: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
