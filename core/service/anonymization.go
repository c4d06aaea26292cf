package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"imageAnonymizer/core/anonymizer"
	"imageAnonymizer/core/lifecycle"
	"imageAnonymizer/core/metrics"
	"imageAnonymizer/core/models"
	"imageAnonymizer/core/repository"
)

// StatusCache is a best-effort read-through copy of task state.
type StatusCache interface {
	Get(ctx context.Context, taskID string) (*models.Task, error)
	Set(ctx context.Context, task *models.Task) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, imageType models.ImageType, filePath string) anonymizer.Outcome
}

type Publisher interface {
	PublishTerminalEvent(ctx context.Context, task *models.Task) error
}

type Options struct {
	// StaleAfter is how long an IN_PROGRESS task may sit before a
	// redelivered request is allowed to restart it. Zero disables reclaim.
	StaleAfter time.Duration
}

type Anonymization struct {
	engine     *lifecycle.Engine
	repo       repository.Repository
	dispatcher Dispatcher
	publisher  Publisher
	cache      StatusCache
	opts       Options
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewAnonymization(
	engine *lifecycle.Engine,
	repo repository.Repository,
	dispatcher Dispatcher,
	publisher Publisher,
	cache StatusCache,
	opts Options,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Anonymization {
	return &Anonymization{
		engine:     engine,
		repo:       repo,
		dispatcher: dispatcher,
		publisher:  publisher,
		cache:      cache,
		opts:       opts,
		logger:     logger,
		metrics:    m,
	}
}

// Route drives one image through create, processing, dispatch and the
// terminal transition. A redelivered request for a terminal task returns
// the stored task. One for a task still IN_PROGRESS elsewhere returns the
// stored task with lifecycle.ErrTaskBusy so the caller can retry it.
func (s *Anonymization) Route(ctx context.Context, d models.TaskDescriptor) (*models.Task, error) {
	task, _, err := s.engine.Create(ctx, d)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, task)

	if task.Status.IsTerminal() {
		s.logger.Info("Task already terminal, skipping",
			zap.String("task_id", task.TaskID),
			zap.String("status", string(task.Status)),
		)
		return task, nil
	}

	task, started, err := s.engine.BeginProcessing(ctx, d.TaskID)
	if err != nil {
		return nil, err
	}
	if !started && task.Status == models.StatusInProgress && s.opts.StaleAfter > 0 {
		task, started, err = s.engine.Reclaim(ctx, d.TaskID, s.opts.StaleAfter)
		if err != nil {
			return nil, err
		}
		if started {
			s.logger.Warn("Reclaimed stale task",
				zap.String("task_id", task.TaskID),
				zap.Duration("stale_after", s.opts.StaleAfter),
			)
		}
	}
	if !started {
		if task.Status.IsTerminal() {
			return task, nil
		}
		s.logger.Info("Task owned by another attempt, skipping dispatch",
			zap.String("task_id", task.TaskID),
			zap.String("status", string(task.Status)),
		)
		return task, lifecycle.TaskBusy(task)
	}
	s.remember(ctx, task)

	outcome := s.dispatcher.Dispatch(ctx, task.ImageType, task.FilePath)
	s.metrics.ObserveDispatch(string(task.ImageType), outcome.Succeeded(), outcome.Elapsed)

	if outcome.Succeeded() {
		task, err = s.engine.Complete(ctx, task.TaskID, outcome.ResultFilePath, outcome.Elapsed.Milliseconds())
	} else {
		task, err = s.engine.Fail(ctx, task.TaskID, outcome.Reason())
	}
	if err != nil {
		return nil, err
	}

	s.afterTerminal(ctx, task)
	return task, nil
}

// CompleteTask records a success reported by an external anonymizer.
func (s *Anonymization) CompleteTask(ctx context.Context, taskID, resultFilePath string, processingTimeMS int64) (*models.Task, error) {
	task, err := s.engine.Complete(ctx, taskID, resultFilePath, processingTimeMS)
	if err != nil {
		return nil, err
	}
	s.afterTerminal(ctx, task)
	return task, nil
}

// FailTask records a failure reported by an external anonymizer.
func (s *Anonymization) FailTask(ctx context.Context, taskID, errorMessage string) (*models.Task, error) {
	task, err := s.engine.Fail(ctx, taskID, errorMessage)
	if err != nil {
		return nil, err
	}
	s.afterTerminal(ctx, task)
	return task, nil
}

func (s *Anonymization) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	if s.cache != nil {
		if task, err := s.cache.Get(ctx, taskID); err == nil {
			return task, nil
		}
	}

	task, err := s.engine.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, task)
	return task, nil
}

// ListTasksByStatus returns up to limit tasks in status, newest first.
func (s *Anonymization) ListTasksByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	return s.repo.ListByStatus(ctx, status, limit)
}

func (s *Anonymization) ListImageTasks(ctx context.Context, imageID string) ([]*models.Task, error) {
	return s.repo.ListByImageID(ctx, imageID)
}

// afterTerminal publishes the events owed by a committed terminal task.
// The outbox row survives a failed publish and the relay resends it.
func (s *Anonymization) afterTerminal(ctx context.Context, task *models.Task) {
	s.remember(ctx, task)

	if err := s.publisher.PublishTerminalEvent(ctx, task); err != nil {
		s.logger.Error("Terminal event not published, left for relay",
			zap.String("task_id", task.TaskID),
			zap.String("status", string(task.Status)),
			zap.Error(err),
		)
	}
}

func (s *Anonymization) remember(ctx context.Context, task *models.Task) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, task); err != nil {
		s.logger.Debug("Status cache write failed",
			zap.String("task_id", task.TaskID),
			zap.Error(err),
		)
	}
}
