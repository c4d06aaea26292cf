package kafka

import (
	"context"

	"github.com/IBM/sarama"
)

type Producer interface {
	Send(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

type producer struct {
	producer sarama.SyncProducer
}

func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	return config
}

func NewProducer(brokers []string) (Producer, error) {
	p, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, err
	}

	return &producer{producer: p}, nil
}

// WrapSyncProducer adapts an existing sarama producer, e.g. sarama/mocks in tests.
func WrapSyncProducer(p sarama.SyncProducer) Producer {
	return &producer{producer: p}
}

func (p *producer) Send(ctx context.Context, topic, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *producer) Close() error {
	return p.producer.Close()
}
