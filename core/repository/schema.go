package repository

import (
	"context"
	"fmt"

	"imageAnonymizer/core/database"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS anonymization_tasks (
		task_id            TEXT PRIMARY KEY,
		image_id           TEXT NOT NULL,
		image_type         TEXT NOT NULL DEFAULT 'UNKNOWN',
		modality           TEXT NOT NULL DEFAULT '',
		source             TEXT NOT NULL DEFAULT '',
		region             TEXT NOT NULL DEFAULT '',
		file_path          TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL DEFAULT 'PENDING',
		result_file_path   TEXT NOT NULL DEFAULT '',
		error_message      TEXT NOT NULL DEFAULT '',
		processing_time_ms BIGINT NOT NULL DEFAULT 0,
		version            BIGINT NOT NULL DEFAULT 1,
		started_at         TIMESTAMPTZ,
		completed_at       TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_anonymization_tasks_image ON anonymization_tasks (image_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_anonymization_tasks_status ON anonymization_tasks (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS task_events (
		event_id     TEXT PRIMARY KEY,
		task_id      TEXT NOT NULL REFERENCES anonymization_tasks (task_id),
		event_type   TEXT NOT NULL,
		payload      JSONB NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		published_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_events_pending ON task_events (created_at) WHERE published_at IS NULL`,
}

// EnsureSchema creates the task and outbox tables if they are missing.
func EnsureSchema(ctx context.Context, db *database.DB) error {
	for _, stmt := range schema {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
