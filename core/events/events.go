package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"imageAnonymizer/core/models"
)

const (
	TypeImageReadyForAnonymization = "ImageReadyForAnonymization"
	TypeImageReadyForProcessing    = "ImageReadyForProcessing"
	TypeAnonymizationCompleted     = "AnonymizationCompleted"
	TypeAnonymizationFailed        = "AnonymizationFailed"
)

// eventNamespace scopes deterministic event ids so every terminal task maps
// to a fixed set of ids.
var eventNamespace = uuid.MustParse("7f1c4b9e-2d0a-4a51-9a9e-3f6d2c1b8e47")

type ImageReadyForProcessing struct {
	Type             string    `json:"type"`
	EventID          string    `json:"event_id"`
	ImageID          string    `json:"image_id"`
	TaskID           string    `json:"task_id"`
	ImageType        string    `json:"image_type"`
	ResultFilePath   string    `json:"result_file_path"`
	OriginalFilePath string    `json:"original_file_path"`
	Source           string    `json:"source"`
	Modality         string    `json:"modality"`
	Region           string    `json:"region"`
	Timestamp        time.Time `json:"timestamp"`
}

type AnonymizationCompleted struct {
	Type             string    `json:"type"`
	EventID          string    `json:"event_id"`
	ImageID          string    `json:"image_id"`
	TaskID           string    `json:"task_id"`
	ImageType        string    `json:"image_type"`
	ResultFilePath   string    `json:"result_file_path"`
	ProcessingTimeMS int64     `json:"processing_time_ms"`
	Timestamp        time.Time `json:"timestamp"`
}

type AnonymizationFailed struct {
	Type         string    `json:"type"`
	EventID      string    `json:"event_id"`
	ImageID      string    `json:"image_id"`
	TaskID       string    `json:"task_id"`
	ImageType    string    `json:"image_type"`
	ErrorMessage string    `json:"error_message"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventID returns the stable id of the eventType event emitted for taskID.
func EventID(taskID, eventType string) string {
	return uuid.NewSHA1(eventNamespace, []byte(taskID+":"+eventType)).String()
}

// ForTask builds the outbound events owed for a terminal task. Non-terminal
// tasks owe nothing.
func ForTask(task *models.Task) ([]models.OutboxEvent, error) {
	var ts time.Time
	if task.CompletedAt != nil {
		ts = task.CompletedAt.UTC()
	}

	var payloads []any
	switch task.Status {
	case models.StatusCompleted:
		payloads = []any{
			ImageReadyForProcessing{
				Type:             TypeImageReadyForProcessing,
				EventID:          EventID(task.TaskID, TypeImageReadyForProcessing),
				ImageID:          task.ImageID,
				TaskID:           task.TaskID,
				ImageType:        string(task.ImageType),
				ResultFilePath:   task.ResultFilePath,
				OriginalFilePath: task.FilePath,
				Source:           task.Source,
				Modality:         task.Modality,
				Region:           task.Region,
				Timestamp:        ts,
			},
			AnonymizationCompleted{
				Type:             TypeAnonymizationCompleted,
				EventID:          EventID(task.TaskID, TypeAnonymizationCompleted),
				ImageID:          task.ImageID,
				TaskID:           task.TaskID,
				ImageType:        string(task.ImageType),
				ResultFilePath:   task.ResultFilePath,
				ProcessingTimeMS: task.ProcessingTimeMS,
				Timestamp:        ts,
			},
		}
	case models.StatusFailed:
		payloads = []any{
			AnonymizationFailed{
				Type:         TypeAnonymizationFailed,
				EventID:      EventID(task.TaskID, TypeAnonymizationFailed),
				ImageID:      task.ImageID,
				TaskID:       task.TaskID,
				ImageType:    string(task.ImageType),
				ErrorMessage: task.ErrorMessage,
				Timestamp:    ts,
			},
		}
	default:
		return nil, nil
	}

	outbox := make([]models.OutboxEvent, 0, len(payloads))
	for _, p := range payloads {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal event for task %s: %w", task.TaskID, err)
		}
		eventType := eventTypeOf(p)
		outbox = append(outbox, models.OutboxEvent{
			EventID:   EventID(task.TaskID, eventType),
			TaskID:    task.TaskID,
			EventType: eventType,
			Payload:   data,
		})
	}

	return outbox, nil
}

func eventTypeOf(p any) string {
	switch p.(type) {
	case ImageReadyForProcessing:
		return TypeImageReadyForProcessing
	case AnonymizationCompleted:
		return TypeAnonymizationCompleted
	case AnonymizationFailed:
		return TypeAnonymizationFailed
	default:
		return ""
	}
}
