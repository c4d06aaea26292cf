package validation

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"imageAnonymizer/api/dto"
	"imageAnonymizer/core/models"
)

func TestRoute(t *testing.T) {
	valid := dto.RouteRequest{
		TaskID:   uuid.New().String(),
		ImageID:  uuid.New().String(),
		Modality: "SOMETHING-NEW",
		FilePath: "/data/a.jpg",
	}

	tests := []struct {
		name    string
		mutate  func(r *dto.RouteRequest)
		field   string
		wantErr error
	}{
		{"valid with unknown modality", func(r *dto.RouteRequest) {}, "", nil},
		{"missing task id", func(r *dto.RouteRequest) { r.TaskID = "" }, "task_id", ErrMissingField},
		{"bad task id", func(r *dto.RouteRequest) { r.TaskID = "T1" }, "task_id", ErrInvalidUUID},
		{"bad image id", func(r *dto.RouteRequest) { r.ImageID = "img" }, "image_id", ErrInvalidUUID},
		{"missing file", func(r *dto.RouteRequest) { r.FilePath = " " }, "file_path", ErrMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)

			err := Route(&req)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
			var fe *FieldError
			if !errors.As(err, &fe) || fe.Field != tt.field {
				t.Errorf("Expected field %s, got %v", tt.field, err)
			}
		})
	}
}

func TestComplete(t *testing.T) {
	if err := Complete(&dto.CompleteRequest{ResultFilePath: "/r.jpg", ProcessingTimeMS: 3}); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if err := Complete(&dto.CompleteRequest{ResultFilePath: "/r.jpg", ProcessingTimeMS: -1}); !errors.Is(err, ErrInvalidNumber) {
		t.Errorf("Expected ErrInvalidNumber, got %v", err)
	}
	if err := Complete(&dto.CompleteRequest{}); !errors.Is(err, ErrMissingField) {
		t.Errorf("Expected ErrMissingField, got %v", err)
	}
}

func TestFail(t *testing.T) {
	if err := Fail(&dto.FailRequest{}); !errors.Is(err, ErrMissingField) {
		t.Errorf("Expected ErrMissingField, got %v", err)
	}
}

func TestStatusQuery(t *testing.T) {
	status, limit, err := StatusQuery("", "")
	if err != nil || status != models.StatusPending || limit != 50 {
		t.Errorf("Expected PENDING/50, got %s/%d (%v)", status, limit, err)
	}

	status, limit, err = StatusQuery("in_progress", "1000")
	if err != nil || status != models.StatusInProgress || limit != 500 {
		t.Errorf("Expected IN_PROGRESS/500, got %s/%d (%v)", status, limit, err)
	}

	if _, _, err := StatusQuery("DONE", ""); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus, got %v", err)
	}
	if _, _, err := StatusQuery("FAILED", "0"); !errors.Is(err, ErrInvalidNumber) {
		t.Errorf("Expected ErrInvalidNumber, got %v", err)
	}
}
