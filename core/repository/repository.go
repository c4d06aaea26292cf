package repository

import (
	"context"
	"errors"

	"imageAnonymizer/core/models"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskAlreadyExists = errors.New("task already exists")
	ErrVersionConflict   = errors.New("task version conflict")
	ErrEventNotFound     = errors.New("event not found")
)

// Repository is the durable task store. Update is a compare-and-set on the
// task version; outbox events passed to it are stored in the same write.
type Repository interface {
	Insert(ctx context.Context, task *models.Task) error
	Get(ctx context.Context, taskID string) (*models.Task, error)
	Update(ctx context.Context, task *models.Task, expectedVersion int64, outbox []models.OutboxEvent) error
	ListByImageID(ctx context.Context, imageID string) ([]*models.Task, error)
	ListByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error)
	PendingEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkEventPublished(ctx context.Context, eventID string) error
}
