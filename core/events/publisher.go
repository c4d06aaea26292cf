package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"imageAnonymizer/core/metrics"
	"imageAnonymizer/core/models"
	"imageAnonymizer/core/retry"
)

var (
	ErrPublication  = errors.New("event publication failed")
	ErrUnknownTopic = errors.New("no topic configured for event type")
)

// Sender delivers one encoded event to the bus.
type Sender interface {
	Send(ctx context.Context, topic, key string, value []byte) error
}

// Outbox is the part of the task store the publisher needs.
type Outbox interface {
	PendingEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkEventPublished(ctx context.Context, eventID string) error
}

type Config struct {
	Topics map[string]string
	// MaxAttempts bounds send attempts per event; zero retries until ctx is done.
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

func DefaultTopics() map[string]string {
	return map[string]string{
		TypeImageReadyForProcessing: "image-processing",
		TypeAnonymizationCompleted:  "anonymization-completed",
		TypeAnonymizationFailed:     "anonymization-failed",
	}
}

type Publisher struct {
	sender  Sender
	outbox  Outbox
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewPublisher(sender Sender, outbox Outbox, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Publisher {
	if cfg.Topics == nil {
		cfg.Topics = DefaultTopics()
	}
	return &Publisher{
		sender:  sender,
		outbox:  outbox,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// PublishTerminalEvent emits the events owed by a terminal task. The task
// state is already committed, so failures are reported but never rolled back.
func (p *Publisher) PublishTerminalEvent(ctx context.Context, task *models.Task) error {
	outbox, err := ForTask(task)
	if err != nil {
		return err
	}

	var errs []error
	for _, evt := range outbox {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publish sends a recorded event with backoff and marks it published.
func (p *Publisher) Publish(ctx context.Context, evt models.OutboxEvent) error {
	topic, ok := p.cfg.Topics[evt.EventType]
	if !ok {
		return fmt.Errorf("%w: %s: %w", ErrPublication, evt.EventType, ErrUnknownTopic)
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = p.sender.Send(ctx, topic, evt.TaskID, evt.Payload)
		p.metrics.RecordPublish(evt.EventType, lastErr)
		if lastErr == nil {
			break
		}

		p.logger.Warn("Event publish failed",
			zap.String("task_id", evt.TaskID),
			zap.String("event_type", evt.EventType),
			zap.String("topic", topic),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)

		if p.cfg.MaxAttempts > 0 && attempt >= p.cfg.MaxAttempts {
			return fmt.Errorf("%w: %s for task %s after %d attempts: %w",
				ErrPublication, evt.EventType, evt.TaskID, attempt, lastErr)
		}
		if err := retry.Sleep(ctx, retry.Delay(p.cfg.Backoff, p.cfg.MaxBackoff, attempt)); err != nil {
			return fmt.Errorf("%w: %s for task %s: %w", ErrPublication, evt.EventType, evt.TaskID, lastErr)
		}
	}

	if p.outbox != nil {
		if err := p.outbox.MarkEventPublished(ctx, evt.EventID); err != nil {
			// The relay will resend it; consumers treat duplicates as idempotent.
			p.logger.Warn("Failed to mark event published",
				zap.String("event_id", evt.EventID),
				zap.String("task_id", evt.TaskID),
				zap.Error(err),
			)
		}
	}

	p.logger.Info("Event published",
		zap.String("task_id", evt.TaskID),
		zap.String("event_type", evt.EventType),
		zap.String("topic", topic),
	)
	return nil
}

// Pending returns unpublished outbox rows, oldest first.
func (p *Publisher) Pending(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	if p.outbox == nil {
		return nil, nil
	}
	return p.outbox.PendingEvents(ctx, limit)
}
