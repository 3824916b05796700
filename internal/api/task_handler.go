// Package api implements the HTTP surface of the task engine.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dkarimov/fileproc/internal/api/shared"
	"github.com/dkarimov/fileproc/internal/domain"
	"github.com/dkarimov/fileproc/internal/service"
	"github.com/dkarimov/fileproc/internal/store"
)

// CreateTaskRequest represents the request body for submitting a task.
type CreateTaskRequest struct {
	TaskType string         `json:"task_type" validate:"required,oneof=image document video"`
	FilePath string         `json:"file_path" validate:"required"`
	FileSize int64          `json:"file_size" validate:"gte=0"`
	OwnerID  string         `json:"owner_id"`
	Tags     []string       `json:"tags"`
	Metadata map[string]any `json:"metadata"`
}

// BulkItemRequest is one entry of a bulk submission body.
type BulkItemRequest struct {
	FilePath string         `json:"file_path" validate:"required"`
	FileSize int64          `json:"file_size" validate:"gte=0"`
	Metadata map[string]any `json:"metadata"`
}

// BulkCreateRequest represents the request body for a bulk submission.
type BulkCreateRequest struct {
	TaskType string            `json:"task_type" validate:"required,oneof=image document video"`
	OwnerID  string            `json:"owner_id"`
	Parallel bool              `json:"parallel"`
	Items    []BulkItemRequest `json:"items" validate:"required,min=1,max=100,dive"`
}

// CancelTaskRequest represents the optional request body for a cancel.
type CancelTaskRequest struct {
	Reason string `json:"reason"`
}

// RetryTaskRequest represents the optional request body for a retry.
type RetryTaskRequest struct {
	Force bool `json:"force"`
}

// TaskResponse represents the response data for a task.
type TaskResponse struct {
	ID              string          `json:"id"`
	QueueTaskID     string          `json:"queue_task_id,omitempty"`
	TaskType        string          `json:"task_type"`
	Status          string          `json:"status"`
	Progress        int             `json:"progress"`
	FilePath        string          `json:"file_path"`
	FileName        string          `json:"file_name"`
	FileSize        int64           `json:"file_size"`
	Result          json.RawMessage `json:"result,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorCode       string          `json:"error_code,omitempty"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
	OwnerID         string          `json:"owner_id,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	ElapsedSeconds  float64         `json:"elapsed_seconds"`
	IsCancellable   bool            `json:"is_cancellable"`
	IsRetryable     bool            `json:"is_retryable"`
}

// EventResponse represents one audit trail entry.
type EventResponse struct {
	EventType string         `json:"event_type"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ProgressResponse represents one progress history sample.
type ProgressResponse struct {
	Progress  int            `json:"progress"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// TaskDetailResponse is a task with its histories.
type TaskDetailResponse struct {
	TaskResponse
	Events          []EventResponse    `json:"events"`
	ProgressHistory []ProgressResponse `json:"progress_history"`
}

// TaskListResponse is the paginated list envelope.
type TaskListResponse struct {
	Tasks  []TaskResponse `json:"tasks"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// TaskHandler handles task-related HTTP requests.
type TaskHandler struct {
	taskService service.TaskService
	validator   *validator.Validate
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(taskService service.TaskService) *TaskHandler {
	return &TaskHandler{
		taskService: taskService,
		validator:   validator.New(),
	}
}

// RegisterRoutes mounts the task endpoints on the given router.
func (h *TaskHandler) RegisterRoutes(r chi.Router) {
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", h.CreateTask)
		r.Get("/", h.ListTasks)
		r.Post("/bulk", h.BulkCreateTasks)
		r.Get("/progress", h.ProgressSummary)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetTask)
			r.Post("/cancel", h.CancelTask)
			r.Post("/retry", h.RetryTask)
		})
	})
}

// CreateTask handles POST /api/tasks requests. Processing is asynchronous,
// so acceptance is a 202.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	rec, err := h.taskService.Submit(r.Context(), service.SubmitRequest{
		TaskType: domain.TaskType(req.TaskType),
		FilePath: req.FilePath,
		FileSize: req.FileSize,
		OwnerID:  req.OwnerID,
		Tags:     req.Tags,
		Metadata: req.Metadata,
	})
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, taskToResponse(rec))
}

// BulkCreateTasks handles POST /api/tasks/bulk requests.
func (h *TaskHandler) BulkCreateTasks(w http.ResponseWriter, r *http.Request) {
	var req BulkCreateRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	items := make([]service.BulkItem, len(req.Items))
	for i, item := range req.Items {
		items[i] = service.BulkItem{
			FilePath: item.FilePath,
			FileSize: item.FileSize,
			Metadata: item.Metadata,
		}
	}

	result, err := h.taskService.BulkSubmit(r.Context(), service.BulkSubmitRequest{
		TaskType: domain.TaskType(req.TaskType),
		OwnerID:  req.OwnerID,
		Parallel: req.Parallel,
		Items:    items,
	})
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	submitted := make([]TaskResponse, len(result.Submitted))
	for i, rec := range result.Submitted {
		submitted[i] = taskToResponse(rec)
	}
	shared.RespondWithJSON(w, r, http.StatusAccepted, map[string]any{
		"batch_id":  result.BatchID.String(),
		"submitted": submitted,
		"failed":    result.Failed,
	})
}

// GetTask handles GET /api/tasks/{id} requests.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	detail, err := h.taskService.Get(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	resp := TaskDetailResponse{
		TaskResponse:    taskToResponse(detail.Record),
		Events:          make([]EventResponse, len(detail.Events)),
		ProgressHistory: make([]ProgressResponse, len(detail.Progress)),
	}
	for i, e := range detail.Events {
		resp.Events[i] = EventResponse{
			EventType: string(e.EventType),
			Message:   e.Message,
			Metadata:  e.Metadata,
			CreatedAt: e.CreatedAt,
		}
	}
	for i, p := range detail.Progress {
		resp.ProgressHistory[i] = ProgressResponse{
			Progress:  p.Progress,
			Message:   p.Message,
			Data:      p.Data,
			CreatedAt: p.CreatedAt,
		}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// ListTasks handles GET /api/tasks requests with filtering and pagination.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseListQuery(r)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	tasks, err := h.taskService.List(r.Context(), filter, page)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	resp := TaskListResponse{
		Tasks:  make([]TaskResponse, len(tasks)),
		Limit:  page.Limit,
		Offset: page.Offset,
	}
	for i, rec := range tasks {
		resp.Tasks[i] = taskToResponse(rec)
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// ProgressSummary handles GET /api/tasks/progress requests.
func (h *TaskHandler) ProgressSummary(w http.ResponseWriter, r *http.Request) {
	filter, _, err := parseListQuery(r)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	counts, err := h.taskService.ProgressSummary(r.Context(), filter)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, counts)
}

// CancelTask handles POST /api/tasks/{id}/cancel requests. Acceptance does
// not mean the task stopped: a running task stops at its next checkpoint.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	var req CancelTaskRequest
	if r.ContentLength > 0 {
		if err := shared.DecodeJSON(r, &req); err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
			return
		}
	}

	if err := h.taskService.RequestCancel(r.Context(), id, req.Reason); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusAccepted, map[string]string{
		"id":     id.String(),
		"status": "cancellation_requested",
	})
}

// RetryTask handles POST /api/tasks/{id}/retry requests.
func (h *TaskHandler) RetryTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	var req RetryTaskRequest
	if r.ContentLength > 0 {
		if err := shared.DecodeJSON(r, &req); err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
			return
		}
	}

	rec, err := h.taskService.RequestRetry(r.Context(), id, req.Force)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusAccepted, taskToResponse(rec))
}

// taskID parses the {id} path parameter, responding with 400 on failure.
func (h *TaskHandler) taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return uuid.Nil, false
	}
	return id, true
}

// parseListQuery extracts the filter and pagination from list-style query
// parameters.
func parseListQuery(r *http.Request) (store.TaskFilter, store.Page, error) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		OwnerID: q.Get("owner_id"),
		Tag:     q.Get("tag"),
		Search:  q.Get("search"),
	}

	if v := q.Get("status"); v != "" {
		filter.Status = domain.TaskStatus(v)
	}
	if v := q.Get("task_type"); v != "" {
		filter.TaskType = domain.TaskType(v)
	}
	if v := q.Get("from_date"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, store.Page{}, fmt.Errorf("%w: from_date must be RFC 3339", domain.ErrValidation)
		}
		filter.From = &ts
	}
	if v := q.Get("to_date"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, store.Page{}, fmt.Errorf("%w: to_date must be RFC 3339", domain.ErrValidation)
		}
		filter.To = &ts
	}

	page := store.Page{Limit: 20}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			return filter, page, fmt.Errorf("%w: limit must be between 1 and 100", domain.ErrValidation)
		}
		page.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, page, fmt.Errorf("%w: offset cannot be negative", domain.ErrValidation)
		}
		page.Offset = n
	}
	return filter, page, nil
}

// taskToResponse converts a domain.TaskRecord to a TaskResponse.
func taskToResponse(rec *domain.TaskRecord) TaskResponse {
	return TaskResponse{
		ID:              rec.ID.String(),
		QueueTaskID:     rec.QueueTaskID,
		TaskType:        string(rec.TaskType),
		Status:          string(rec.Status),
		Progress:        rec.Progress,
		FilePath:        rec.FilePath,
		FileName:        rec.FileName,
		FileSize:        rec.FileSize,
		Result:          rec.Result,
		ErrorMessage:    rec.ErrorMessage,
		ErrorCode:       rec.ErrorCode,
		RetryCount:      rec.RetryCount,
		MaxRetries:      rec.MaxRetries,
		CancelRequested: rec.CancelRequested,
		CreatedAt:       rec.CreatedAt,
		StartedAt:       rec.StartedAt,
		CompletedAt:     rec.CompletedAt,
		CancelledAt:     rec.CancelledAt,
		OwnerID:         rec.OwnerID,
		Tags:            rec.Tags,
		Metadata:        rec.Metadata,
		ElapsedSeconds:  rec.ElapsedSeconds(time.Now().UTC()),
		IsCancellable:   rec.IsCancellable(),
		IsRetryable:     rec.IsRetryable(),
	}
}
