package dto

import (
	"time"

	"imageAnonymizer/core/models"
)

type RouteRequest struct {
	TaskID    string `json:"task_id"`
	ImageID   string `json:"image_id"`
	ImageType string `json:"image_type"`
	Modality  string `json:"modality"`
	Source    string `json:"source"`
	Region    string `json:"region"`
	FilePath  string `json:"file_path"`
}

func (r *RouteRequest) Descriptor() models.TaskDescriptor {
	return models.TaskDescriptor{
		TaskID:    r.TaskID,
		ImageID:   r.ImageID,
		ImageType: r.ImageType,
		Modality:  r.Modality,
		Source:    r.Source,
		Region:    r.Region,
		FilePath:  r.FilePath,
	}
}

type RouteResponse struct {
	TaskID  string `json:"task_id"`
	ImageID string `json:"image_id"`
	Status  string `json:"status"`
}

type CompleteRequest struct {
	ResultFilePath   string `json:"result_file_path"`
	ProcessingTimeMS int64  `json:"processing_time_ms"`
}

type FailRequest struct {
	ErrorMessage string `json:"error_message"`
}

type AckResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type TaskResponse struct {
	TaskID           string  `json:"task_id"`
	ImageID          string  `json:"image_id"`
	ImageType        string  `json:"image_type"`
	Modality         string  `json:"modality,omitempty"`
	Source           string  `json:"source,omitempty"`
	Region           string  `json:"region,omitempty"`
	FilePath         string  `json:"file_path"`
	Status           string  `json:"status"`
	ResultFilePath   string  `json:"result_file_path,omitempty"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	ProcessingTimeMS int64   `json:"processing_time_ms,omitempty"`
	Version          int64   `json:"version"`
	CreatedAt        string  `json:"created_at"`
	StartedAt        *string `json:"started_at,omitempty"`
	CompletedAt      *string `json:"completed_at,omitempty"`
}

type TaskListResponse struct {
	ImageID string          `json:"image_id"`
	Tasks   []*TaskResponse `json:"tasks"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func NewTaskResponse(task *models.Task) *TaskResponse {
	return &TaskResponse{
		TaskID:           task.TaskID,
		ImageID:          task.ImageID,
		ImageType:        string(task.ImageType),
		Modality:         task.Modality,
		Source:           task.Source,
		Region:           task.Region,
		FilePath:         task.FilePath,
		Status:           string(task.Status),
		ResultFilePath:   task.ResultFilePath,
		ErrorMessage:     task.ErrorMessage,
		ProcessingTimeMS: task.ProcessingTimeMS,
		Version:          task.Version,
		CreatedAt:        task.CreatedAt.Format(time.RFC3339),
		StartedAt:        formatTime(task.StartedAt),
		CompletedAt:      formatTime(task.CompletedAt),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.Format(time.RFC3339)
	return &formatted
}
