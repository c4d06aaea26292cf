package validation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"imageAnonymizer/api/dto"
	"imageAnonymizer/core/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// FieldError names the request field that failed validation.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Err) }
func (e *FieldError) Unwrap() error { return e.Err }

func UUID(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &FieldError{Field: field, Err: ErrMissingField}
	}
	if _, err := uuid.Parse(value); err != nil {
		return &FieldError{Field: field, Err: ErrInvalidUUID}
	}
	return nil
}

func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &FieldError{Field: field, Err: ErrMissingField}
	}
	return nil
}

// Route checks identifiers and the file path. Modality is not checked;
// unrecognized values are routed to the unsupported strategy.
func Route(req *dto.RouteRequest) error {
	if err := UUID("task_id", req.TaskID); err != nil {
		return err
	}
	if err := UUID("image_id", req.ImageID); err != nil {
		return err
	}
	return Required("file_path", req.FilePath)
}

func Complete(req *dto.CompleteRequest) error {
	if err := Required("result_file_path", req.ResultFilePath); err != nil {
		return err
	}
	if req.ProcessingTimeMS < 0 {
		return &FieldError{Field: "processing_time_ms", Err: ErrInvalidNumber}
	}
	return nil
}

func Fail(req *dto.FailRequest) error {
	return Required("error_message", req.ErrorMessage)
}

// StatusQuery parses the status filter and page size of a task listing.
func StatusQuery(status, limit string) (models.TaskStatus, int, error) {
	s := models.TaskStatus(strings.ToUpper(strings.TrimSpace(status)))
	switch s {
	case "":
		s = models.StatusPending
	case models.StatusPending, models.StatusInProgress, models.StatusCompleted, models.StatusFailed:
	default:
		return "", 0, &FieldError{Field: "status", Err: ErrInvalidStatus}
	}

	n := defaultListLimit
	if limit != "" {
		v, err := strconv.Atoi(limit)
		if err != nil || v < 1 {
			return "", 0, &FieldError{Field: "limit", Err: ErrInvalidNumber}
		}
		n = min(v, maxListLimit)
	}
	return s, n, nil
}
