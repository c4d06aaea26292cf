package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"imageAnonymizer/api/dto"
	"imageAnonymizer/api/middleware"
	"imageAnonymizer/api/validation"
	"imageAnonymizer/core/lifecycle"
	"imageAnonymizer/core/models"
)

const maxBodyBytes = 1 << 20

type TaskService interface {
	Route(ctx context.Context, d models.TaskDescriptor) (*models.Task, error)
	CompleteTask(ctx context.Context, taskID, resultFilePath string, processingTimeMS int64) (*models.Task, error)
	FailTask(ctx context.Context, taskID, errorMessage string) (*models.Task, error)
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ListImageTasks(ctx context.Context, imageID string) ([]*models.Task, error)
	ListTasksByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error)
}

type TaskHandler struct {
	service TaskService
	logger  *zap.Logger
}

func NewTaskHandler(service TaskService, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		service: service,
		logger:  logger,
	}
}

func (h *TaskHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/route", h.Route)
	mux.HandleFunc("POST /api/tasks/{task_id}/complete", h.Complete)
	mux.HandleFunc("POST /api/tasks/{task_id}/fail", h.Fail)
	mux.HandleFunc("GET /api/tasks", h.ListByStatus)
	mux.HandleFunc("GET /api/tasks/{task_id}", h.Get)
	mux.HandleFunc("GET /api/images/{image_id}/tasks", h.ListByImage)
}

func (h *TaskHandler) Route(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	var req dto.RouteRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, "Invalid request body", err, traceID)
		return
	}
	if err := validation.Route(&req); err != nil {
		h.handleError(w, "Invalid route request", err, traceID)
		return
	}

	status := http.StatusOK
	task, err := h.service.Route(r.Context(), req.Descriptor())
	switch {
	case errors.Is(err, lifecycle.ErrTaskBusy) && task != nil:
		// Another attempt owns the task; report its current snapshot.
		status = http.StatusAccepted
	case err != nil:
		h.handleError(w, "Failed to route task", err, traceID)
		return
	}

	h.logger.Info("Task routed",
		zap.String("trace_id", traceID),
		zap.String("task_id", task.TaskID),
		zap.String("image_id", task.ImageID),
		zap.String("status", string(task.Status)),
	)

	h.respondJSON(w, status, dto.RouteResponse{
		TaskID:  task.TaskID,
		ImageID: task.ImageID,
		Status:  string(task.Status),
	})
}

func (h *TaskHandler) Complete(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())
	taskID := r.PathValue("task_id")

	var req dto.CompleteRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, "Invalid request body", err, traceID)
		return
	}
	if err := validation.Complete(&req); err != nil {
		h.handleError(w, "Invalid completion", err, traceID)
		return
	}

	task, err := h.service.CompleteTask(r.Context(), taskID, req.ResultFilePath, req.ProcessingTimeMS)
	if err != nil {
		h.handleError(w, "Failed to complete task", err, traceID)
		return
	}

	h.respondJSON(w, http.StatusOK, dto.AckResponse{TaskID: task.TaskID, Status: string(task.Status)})
}

func (h *TaskHandler) Fail(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())
	taskID := r.PathValue("task_id")

	var req dto.FailRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, "Invalid request body", err, traceID)
		return
	}
	if err := validation.Fail(&req); err != nil {
		h.handleError(w, "Invalid failure report", err, traceID)
		return
	}

	task, err := h.service.FailTask(r.Context(), taskID, req.ErrorMessage)
	if err != nil {
		h.handleError(w, "Failed to fail task", err, traceID)
		return
	}

	h.respondJSON(w, http.StatusOK, dto.AckResponse{TaskID: task.TaskID, Status: string(task.Status)})
}

func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	task, err := h.service.GetTask(r.Context(), r.PathValue("task_id"))
	if err != nil {
		h.handleError(w, "Failed to get task", err, traceID)
		return
	}

	h.respondJSON(w, http.StatusOK, dto.NewTaskResponse(task))
}

func (h *TaskHandler) ListByImage(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())
	imageID := r.PathValue("image_id")

	tasks, err := h.service.ListImageTasks(r.Context(), imageID)
	if err != nil {
		h.handleError(w, "Failed to list tasks", err, traceID)
		return
	}

	resp := dto.TaskListResponse{ImageID: imageID, Tasks: make([]*dto.TaskResponse, 0, len(tasks))}
	for _, task := range tasks {
		resp.Tasks = append(resp.Tasks, dto.NewTaskResponse(task))
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *TaskHandler) ListByStatus(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	status, limit, err := validation.StatusQuery(r.URL.Query().Get("status"), r.URL.Query().Get("limit"))
	if err != nil {
		h.handleError(w, "Invalid query", err, traceID)
		return
	}

	tasks, err := h.service.ListTasksByStatus(r.Context(), status, limit)
	if err != nil {
		h.handleError(w, "Failed to list tasks", err, traceID)
		return
	}

	resp := make([]*dto.TaskResponse, 0, len(tasks))
	for _, task := range tasks {
		resp = append(resp, dto.NewTaskResponse(task))
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *TaskHandler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return &badRequest{err: err}
	}
	return nil
}

type badRequest struct{ err error }

func (e *badRequest) Error() string { return e.err.Error() }
func (e *badRequest) Unwrap() error { return e.err }

// statusFor maps service errors onto HTTP status codes and stable codes.
func statusFor(err error) (int, string) {
	var br *badRequest
	var fe *validation.FieldError
	switch {
	case errors.As(err, &br), errors.As(err, &fe):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, lifecycle.ErrConflictingTerminalState):
		return http.StatusConflict, "conflicting_terminal_state"
	case errors.Is(err, lifecycle.ErrTaskBusy):
		return http.StatusConflict, "task_busy"
	case errors.Is(err, lifecycle.ErrTransientStoreConflict):
		return http.StatusServiceUnavailable, "transient_conflict"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *TaskHandler) handleError(w http.ResponseWriter, message string, err error, traceID string) {
	status, code := statusFor(err)

	log := h.logger.Warn
	if status >= http.StatusInternalServerError {
		log = h.logger.Error
	}
	log(message,
		zap.String("trace_id", traceID),
		zap.String("code", code),
		zap.Error(err),
	)

	if status < http.StatusInternalServerError {
		message = message + ": " + err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(dto.ErrorResponse{
		Error:   message,
		Code:    code,
		TraceID: traceID,
	})
}

func (h *TaskHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
