package service

import (
	"context"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"imageAnonymizer/core/events"
	"imageAnonymizer/core/kafka"
	"imageAnonymizer/core/lifecycle"
	"imageAnonymizer/core/models"
	"imageAnonymizer/core/repository"
	"imageAnonymizer/worker/pool"
)

func completedTask(t *testing.T, repo *repository.MemoryRepo) {
	t.Helper()
	ctx := context.Background()
	engine := lifecycle.NewEngine(repo, lifecycle.DefaultConfig(), zaptest.NewLogger(t), nil)

	_, _, err := engine.Create(ctx, models.TaskDescriptor{TaskID: "T1", ImageID: "I1", Modality: "MRI", FilePath: "/a.png"})
	require.NoError(t, err)
	_, _, err = engine.BeginProcessing(ctx, "T1")
	require.NoError(t, err)
	_, err = engine.Complete(ctx, "T1", "/anonymized_a.png", 3)
	require.NoError(t, err)
}

func newRelay(t *testing.T, repo *repository.MemoryRepo, sp *mocks.SyncProducer) *Relay {
	logger := zaptest.NewLogger(t)
	publisher := events.NewPublisher(kafka.WrapSyncProducer(sp), repo, events.Config{
		MaxAttempts: 1,
		Backoff:     time.Millisecond,
	}, logger, nil)
	return NewRelay(publisher, pool.NewWorkerPool(2), time.Hour, 10, logger)
}

func TestRelay_RepublishesPendingEvents(t *testing.T) {
	repo := repository.NewMemoryRepo()
	completedTask(t, repo)

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndSucceed()
	sp.ExpectSendMessageAndSucceed()

	relay := newRelay(t, repo, sp)
	ctx := context.Background()

	sent, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	pending, err := repo.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	sent, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	require.NoError(t, sp.Close())
}

func TestRelay_KeepsEventsWhenBrokerFails(t *testing.T) {
	repo := repository.NewMemoryRepo()
	completedTask(t, repo)

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	relay := newRelay(t, repo, sp)
	ctx := context.Background()

	sent, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	pending, err := repo.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, sp.Close())
}
