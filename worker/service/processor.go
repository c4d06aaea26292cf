package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"imageAnonymizer/core/kafka"
	"imageAnonymizer/core/lifecycle"
	"imageAnonymizer/core/models"
)

var ErrInvalidMessage = errors.New("invalid message")

type Router interface {
	Route(ctx context.Context, d models.TaskDescriptor) (*models.Task, error)
}

type Pool interface {
	Do(ctx context.Context, job func(context.Context) error) error
}

// Processor turns ImageReadyForAnonymization messages into routed tasks.
type Processor struct {
	router Router
	pool   Pool
	logger *zap.Logger
}

func NewProcessor(router Router, pool Pool, logger *zap.Logger) *Processor {
	return &Processor{
		router: router,
		pool:   pool,
		logger: logger,
	}
}

// Process handles one message. Errors that a retry cannot fix are wrapped
// with kafka.Permanent so the consumer acknowledges the message.
func (p *Processor) Process(ctx context.Context, msg *kafka.ImageReadyMessage) error {
	if msg.TaskID == "" || msg.ImageID == "" {
		return kafka.Permanent(fmt.Errorf("%w: task_id and image_id are required", ErrInvalidMessage))
	}

	d := models.TaskDescriptor{
		TaskID:    msg.TaskID,
		ImageID:   msg.ImageID,
		ImageType: msg.ImageType,
		Modality:  msg.Modality,
		Source:    msg.Source,
		Region:    msg.Region,
		FilePath:  msg.FilePath,
	}

	var task *models.Task
	err := p.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		task, err = p.router.Route(ctx, d)
		return err
	})
	if err != nil {
		if lifecycle.IsProtocolError(err) {
			return kafka.Permanent(err)
		}
		return err
	}

	p.logger.Info("Message processed",
		zap.String("task_id", task.TaskID),
		zap.String("image_id", task.ImageID),
		zap.String("status", string(task.Status)),
	)
	return nil
}
