package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"imageAnonymizer/core/database"
	"imageAnonymizer/core/models"
)

const taskColumns = `task_id, image_id, image_type, modality, source, region, file_path, status,
	result_file_path, error_message, processing_time_ms, version, started_at, completed_at, created_at, updated_at`

type PostgresRepo struct {
	db *database.DB
}

var _ Repository = (*PostgresRepo)(nil)

func NewPostgresRepo(db *database.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Insert(ctx context.Context, task *models.Task) error {
	query := `
		INSERT INTO anonymization_tasks (task_id, image_id, image_type, modality, source, region, file_path, status, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id) DO NOTHING
		RETURNING created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		task.TaskID,
		task.ImageID,
		task.ImageType,
		task.Modality,
		task.Source,
		task.Region,
		task.FilePath,
		task.Status,
		task.Version,
	).Scan(&task.CreatedAt, &task.UpdatedAt)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTaskAlreadyExists
		}
		return fmt.Errorf("insert task %s: %w", task.TaskID, err)
	}

	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, taskID string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM anonymization_tasks WHERE task_id = $1`

	task, err := scanTask(r.db.Pool.QueryRow(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}

	return task, nil
}

func (r *PostgresRepo) Update(ctx context.Context, task *models.Task, expectedVersion int64, outbox []models.OutboxEvent) error {
	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		query := `
			UPDATE anonymization_tasks
			SET status = $3, result_file_path = $4, error_message = $5, processing_time_ms = $6,
				started_at = $7, completed_at = $8, version = version + 1, updated_at = NOW()
			WHERE task_id = $1 AND version = $2
			RETURNING version, updated_at
		`

		err := tx.QueryRow(ctx, query,
			task.TaskID,
			expectedVersion,
			task.Status,
			task.ResultFilePath,
			task.ErrorMessage,
			task.ProcessingTimeMS,
			task.StartedAt,
			task.CompletedAt,
		).Scan(&task.Version, &task.UpdatedAt)

		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM anonymization_tasks WHERE task_id = $1)`, task.TaskID,
			).Scan(&exists); err != nil {
				return fmt.Errorf("check task %s: %w", task.TaskID, err)
			}
			if !exists {
				return ErrTaskNotFound
			}
			return ErrVersionConflict
		}
		if err != nil {
			return fmt.Errorf("update task %s: %w", task.TaskID, err)
		}

		for _, evt := range outbox {
			_, err := tx.Exec(ctx, `
				INSERT INTO task_events (event_id, task_id, event_type, payload, created_at)
				VALUES ($1, $2, $3, $4, NOW())
				ON CONFLICT (event_id) DO NOTHING
			`, evt.EventID, evt.TaskID, evt.EventType, evt.Payload)
			if err != nil {
				return fmt.Errorf("record event %s for task %s: %w", evt.EventType, task.TaskID, err)
			}
		}

		return nil
	})
}

func (r *PostgresRepo) ListByImageID(ctx context.Context, imageID string) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM anonymization_tasks WHERE image_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.Pool.Query(ctx, query, imageID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for image %s: %w", imageID, err)
	}
	return collectTasks(rows)
}

func (r *PostgresRepo) ListByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM anonymization_tasks WHERE status = $1 ORDER BY created_at DESC LIMIT $2`

	rows, err := r.db.Pool.Query(ctx, query, status, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list %s tasks: %w", status, err)
	}
	return collectTasks(rows)
}

func (r *PostgresRepo) PendingEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	query := `
		SELECT event_id, task_id, event_type, payload, created_at, published_at
		FROM task_events
		WHERE published_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.db.Pool.Query(ctx, query, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	defer rows.Close()

	var events []models.OutboxEvent
	for rows.Next() {
		var evt models.OutboxEvent
		if err := rows.Scan(&evt.EventID, &evt.TaskID, &evt.EventType, &evt.Payload, &evt.CreatedAt, &evt.PublishedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, evt)
	}

	return events, rows.Err()
}

func (r *PostgresRepo) MarkEventPublished(ctx context.Context, eventID string) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE task_events SET published_at = COALESCE(published_at, NOW()) WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("mark event %s published: %w", eventID, err)
	}

	if result.RowsAffected() == 0 {
		return ErrEventNotFound
	}

	return nil
}

// limitArg binds a LIMIT parameter. Non-positive limits become NULL, which
// Postgres reads as LIMIT ALL, matching MemoryRepo.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var task models.Task
	err := row.Scan(
		&task.TaskID,
		&task.ImageID,
		&task.ImageType,
		&task.Modality,
		&task.Source,
		&task.Region,
		&task.FilePath,
		&task.Status,
		&task.ResultFilePath,
		&task.ErrorMessage,
		&task.ProcessingTimeMS,
		&task.Version,
		&task.StartedAt,
		&task.CompletedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func collectTasks(rows pgx.Rows) ([]*models.Task, error) {
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}
