package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"imageAnonymizer/core/retry"
)

const messageTypeImageReady = "ImageReadyForAnonymization"

type MessageHandler func(ctx context.Context, msg *ImageReadyMessage) error

// ImageReadyMessage is the inbound ImageReadyForAnonymization event.
type ImageReadyMessage struct {
	Type      string `json:"type,omitempty"`
	ImageID   string `json:"image_id"`
	TaskID    string `json:"task_id"`
	ImageType string `json:"image_type"`
	Source    string `json:"source"`
	Modality  string `json:"modality"`
	Region    string `json:"region"`
	FilePath  string `json:"file_path"`
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying; the message is
// acknowledged after it is logged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type ConsumerOptions struct {
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
}

type Consumer struct {
	consumer sarama.ConsumerGroup
	logger   *zap.Logger
	opts     ConsumerOptions
}

func NewConsumer(brokers []string, groupID string, logger *zap.Logger, opts ConsumerOptions) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Return.Errors = true

	c, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{consumer: c, logger: logger, opts: opts}, nil
}

type consumerHandler struct {
	fn     MessageHandler
	ctx    context.Context
	logger *zap.Logger
	opts   ConsumerOptions
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim handles one partition in order. A message is marked only
// after its handler succeeded or failed permanently, so offsets never move
// past unprocessed work.
func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.handleMessage(session.Context(), msg) {
				return nil
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessage reports whether msg may be acknowledged.
func (h *consumerHandler) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	var readyMsg ImageReadyMessage
	if err := json.Unmarshal(msg.Value, &readyMsg); err != nil {
		h.logger.Error("Dropping malformed message",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return true
	}

	if readyMsg.Type != "" && readyMsg.Type != messageTypeImageReady {
		h.logger.Warn("Skipping message of unexpected type",
			zap.String("type", readyMsg.Type),
			zap.Int64("offset", msg.Offset),
		)
		return true
	}

	for attempt := 1; ; attempt++ {
		err := h.fn(h.ctx, &readyMsg)
		if err == nil {
			return true
		}
		if IsPermanent(err) {
			h.logger.Error("Message rejected",
				zap.String("task_id", readyMsg.TaskID),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			return true
		}

		h.logger.Warn("Message processing failed, retrying",
			zap.String("task_id", readyMsg.TaskID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if err := retry.Sleep(ctx, retry.Delay(h.opts.RetryBackoff, h.opts.RetryMaxBackoff, attempt)); err != nil {
			return false
		}
	}
}

func (c *Consumer) Consume(ctx context.Context, topic string, handler MessageHandler) error {
	h := &consumerHandler{fn: handler, ctx: ctx, logger: c.logger, opts: c.opts}

	go func() {
		for err := range c.consumer.Errors() {
			c.logger.Error("Consumer group error", zap.Error(err))
		}
	}()

	for {
		if err := c.consumer.Consume(ctx, []string{topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	return c.consumer.Close()
}
