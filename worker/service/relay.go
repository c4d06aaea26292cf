package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"imageAnonymizer/core/models"
)

type OutboxPublisher interface {
	Pending(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	Publish(ctx context.Context, evt models.OutboxEvent) error
}

// Relay periodically resends outbox events whose inline publication did
// not complete.
type Relay struct {
	publisher OutboxPublisher
	pool      Pool
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

func NewRelay(publisher OutboxPublisher, pool Pool, interval time.Duration, batchSize int, logger *zap.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		publisher: publisher,
		pool:      pool,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Outbox relay pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce publishes one batch of pending events and reports how many went out.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	pending, err := r.publisher.Pending(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sent int
	)
	for _, evt := range pending {
		wg.Add(1)
		go func(evt models.OutboxEvent) {
			defer wg.Done()
			err := r.pool.Do(ctx, func(ctx context.Context) error {
				return r.publisher.Publish(ctx, evt)
			})
			if err != nil {
				r.logger.Warn("Relay publish failed",
					zap.String("event_id", evt.EventID),
					zap.String("task_id", evt.TaskID),
					zap.String("event_type", evt.EventType),
					zap.Error(err),
				)
				return
			}
			mu.Lock()
			sent++
			mu.Unlock()
		}(evt)
	}
	wg.Wait()

	r.logger.Info("Outbox relay pass finished",
		zap.Int("pending", len(pending)),
		zap.Int("published", sent),
	)
	return sent, nil
}
