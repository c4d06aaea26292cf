// Package lifecycle owns every status change of an anonymization task.
//
// Transitions follow PENDING -> IN_PROGRESS -> COMPLETED | FAILED. Each one is
// a read, a decision against the transition table, and a versioned write to
// the store; a lost race re-reads and decides again, so concurrent writers to
// the same task never need an in-process lock.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"imageAnonymizer/core/events"
	"imageAnonymizer/core/metrics"
	"imageAnonymizer/core/models"
	"imageAnonymizer/core/repository"
	"imageAnonymizer/core/retry"
)

type Config struct {
	// MaxConflictRetries bounds re-read cycles after a version conflict.
	MaxConflictRetries int
	ConflictBackoff    time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConflictRetries: 5,
		ConflictBackoff:    50 * time.Millisecond,
	}
}

type Engine struct {
	repo    repository.Repository
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewEngine(repo repository.Repository, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if cfg.MaxConflictRetries < 0 {
		cfg.MaxConflictRetries = 0
	}
	return &Engine{
		repo:    repo,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// decision is what a transition wants to do with the current record.
// A nil next means the call is an idempotent no-op.
type decision func(current *models.Task) (next *models.Task, err error)

// Create inserts a PENDING task, or returns the stored one when task_id exists.
func (e *Engine) Create(ctx context.Context, d models.TaskDescriptor) (*models.Task, bool, error) {
	task := models.NewTask(d)

	err := e.repo.Insert(ctx, task)
	if err == nil {
		e.metrics.RecordTransition(string(models.StatusPending))
		e.logger.Info("Task created",
			zap.String("task_id", task.TaskID),
			zap.String("image_id", task.ImageID),
			zap.String("image_type", string(task.ImageType)),
		)
		return task, true, nil
	}
	if !errors.Is(err, repository.ErrTaskAlreadyExists) {
		return nil, false, fmt.Errorf("create task %s: %w", d.TaskID, err)
	}

	existing, err := e.repo.Get(ctx, d.TaskID)
	if err != nil {
		return nil, false, fmt.Errorf("fetch existing task %s: %w", d.TaskID, err)
	}
	e.logger.Debug("Task already exists",
		zap.String("task_id", existing.TaskID),
		zap.String("status", string(existing.Status)),
	)
	return existing, false, nil
}

// BeginProcessing moves PENDING to IN_PROGRESS. started is true only for the
// caller whose write won; every other caller gets the current record back.
func (e *Engine) BeginProcessing(ctx context.Context, taskID string) (*models.Task, bool, error) {
	return e.transition(ctx, taskID, models.StatusInProgress, func(current *models.Task) (*models.Task, error) {
		if current.Status != models.StatusPending {
			return nil, nil
		}
		next := current.Clone()
		next.Status = models.StatusInProgress
		next.StartedAt = e.timestamp()
		return next, nil
	})
}

// Reclaim restarts an IN_PROGRESS task whose processing began at least
// staleAfter ago, so a redelivered message can re-drive work abandoned by a
// crashed worker. Only one concurrent caller wins.
func (e *Engine) Reclaim(ctx context.Context, taskID string, staleAfter time.Duration) (*models.Task, bool, error) {
	return e.transition(ctx, taskID, models.StatusInProgress, func(current *models.Task) (*models.Task, error) {
		if current.Status != models.StatusInProgress {
			return nil, nil
		}
		if current.StartedAt != nil && e.now().Sub(*current.StartedAt) < staleAfter {
			return nil, nil
		}
		next := current.Clone()
		next.StartedAt = e.timestamp()
		return next, nil
	})
}

// Complete records a successful outcome. Repeating the same outcome is a no-op.
func (e *Engine) Complete(ctx context.Context, taskID, resultFilePath string, processingTimeMS int64) (*models.Task, error) {
	task, _, err := e.transition(ctx, taskID, models.StatusCompleted, func(current *models.Task) (*models.Task, error) {
		if strings.TrimSpace(resultFilePath) == "" {
			return nil, missingOutcome(current, models.StatusCompleted, "result file path is required")
		}
		switch current.Status {
		case models.StatusInProgress:
		case models.StatusCompleted:
			if current.ResultFilePath == resultFilePath {
				return nil, nil
			}
			return nil, conflictingTerminal(current, models.StatusCompleted,
				fmt.Sprintf("already completed with result %q", current.ResultFilePath))
		case models.StatusFailed:
			return nil, conflictingTerminal(current, models.StatusCompleted, "already failed")
		default:
			return nil, invalidTransition(current, models.StatusCompleted)
		}

		next := current.Clone()
		next.Status = models.StatusCompleted
		next.ResultFilePath = resultFilePath
		next.ErrorMessage = ""
		next.ProcessingTimeMS = processingTimeMS
		next.CompletedAt = e.timestamp()
		return next, nil
	})
	return task, err
}

// Fail records a failed outcome. Repeating the same message is a no-op.
func (e *Engine) Fail(ctx context.Context, taskID, errorMessage string) (*models.Task, error) {
	task, _, err := e.transition(ctx, taskID, models.StatusFailed, func(current *models.Task) (*models.Task, error) {
		if strings.TrimSpace(errorMessage) == "" {
			return nil, missingOutcome(current, models.StatusFailed, "error message is required")
		}
		switch current.Status {
		case models.StatusInProgress:
		case models.StatusFailed:
			if current.ErrorMessage == errorMessage {
				return nil, nil
			}
			return nil, conflictingTerminal(current, models.StatusFailed,
				fmt.Sprintf("already failed with %q", current.ErrorMessage))
		case models.StatusCompleted:
			return nil, conflictingTerminal(current, models.StatusFailed, "already completed")
		default:
			return nil, invalidTransition(current, models.StatusFailed)
		}

		next := current.Clone()
		next.Status = models.StatusFailed
		next.ErrorMessage = errorMessage
		next.ResultFilePath = ""
		next.CompletedAt = e.timestamp()
		return next, nil
	})
	return task, err
}

// Get returns the stored task.
func (e *Engine) Get(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := e.repo.Get(ctx, taskID)
	if errors.Is(err, repository.ErrTaskNotFound) {
		return nil, notFound(taskID)
	}
	return task, err
}

func (e *Engine) transition(ctx context.Context, taskID string, to models.TaskStatus, decide decision) (*models.Task, bool, error) {
	for attempt := 0; ; attempt++ {
		current, err := e.repo.Get(ctx, taskID)
		if err != nil {
			if errors.Is(err, repository.ErrTaskNotFound) {
				return nil, false, notFound(taskID)
			}
			return nil, false, fmt.Errorf("load task %s: %w", taskID, err)
		}

		next, err := decide(current)
		if err != nil {
			return current, false, err
		}
		if next == nil {
			return current, false, nil
		}

		outbox, err := events.ForTask(next)
		if err != nil {
			return nil, false, err
		}

		err = e.repo.Update(ctx, next, current.Version, outbox)
		if err == nil {
			e.metrics.RecordTransition(string(to))
			e.logger.Info("Task transitioned",
				zap.String("task_id", taskID),
				zap.String("from", string(current.Status)),
				zap.String("to", string(next.Status)),
				zap.Int64("version", next.Version),
			)
			return next, true, nil
		}

		switch {
		case errors.Is(err, repository.ErrVersionConflict):
			e.metrics.RecordConflict()
			if attempt >= e.cfg.MaxConflictRetries {
				return nil, false, fmt.Errorf("%w: task %s after %d attempts", ErrTransientStoreConflict, taskID, attempt+1)
			}
			e.logger.Debug("Version conflict, re-reading task",
				zap.String("task_id", taskID),
				zap.Int("attempt", attempt+1),
			)
			if err := retry.Sleep(ctx, retry.Delay(e.cfg.ConflictBackoff, 0, attempt+1)); err != nil {
				return nil, false, err
			}
		case errors.Is(err, repository.ErrTaskNotFound):
			return nil, false, notFound(taskID)
		default:
			return nil, false, fmt.Errorf("write task %s: %w", taskID, err)
		}
	}
}

func (e *Engine) timestamp() *time.Time {
	t := e.now().UTC().Truncate(time.Microsecond)
	return &t
}
