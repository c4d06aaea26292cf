package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"imageAnonymizer/core/anonymizer"
	"imageAnonymizer/core/events"
	"imageAnonymizer/core/lifecycle"
	"imageAnonymizer/core/models"
	"imageAnonymizer/core/repository"
)

type sentMessage struct {
	topic string
	key   string
	value []byte
}

type recordingSender struct {
	mu       sync.Mutex
	messages []sentMessage
	err      error
}

func (s *recordingSender) Send(ctx context.Context, topic, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, sentMessage{topic: topic, key: key, value: value})
	return nil
}

func (s *recordingSender) countByType(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(m.value, &head); err == nil && head.Type == eventType {
			n++
		}
	}
	return n
}

type countingStrategy struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (c *countingStrategy) Name() string { return "counting" }

func (c *countingStrategy) Execute(ctx context.Context, filePath string) anonymizer.Outcome {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.fail != nil {
		return anonymizer.Outcome{Elapsed: time.Millisecond, Err: c.fail}
	}
	return anonymizer.Outcome{
		ResultFilePath: anonymizer.ResultPath(filePath, ""),
		Elapsed:        5 * time.Millisecond,
	}
}

func (c *countingStrategy) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type mapCache struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
}

func (c *mapCache) Get(ctx context.Context, taskID string) (*models.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if task, ok := c.tasks[taskID]; ok {
		return task.Clone(), nil
	}
	return nil, errors.New("miss")
}

func (c *mapCache) Set(ctx context.Context, task *models.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[task.TaskID] = task.Clone()
	return nil
}

type fixture struct {
	svc      *Anonymization
	engine   *lifecycle.Engine
	repo     *repository.MemoryRepo
	sender   *recordingSender
	strategy *countingStrategy
	cache    *mapCache
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	repo := repository.NewMemoryRepo()
	engine := lifecycle.NewEngine(repo, lifecycle.Config{MaxConflictRetries: 5, ConflictBackoff: time.Millisecond}, logger, nil)

	strategy := &countingStrategy{}
	dispatcher := anonymizer.NewDispatcher(logger)
	dispatcher.Register(models.ImageTypeXRay, strategy)
	dispatcher.Register(models.ImageTypeMRI, strategy)
	dispatcher.Register(models.ImageTypeHistology, strategy)

	sender := &recordingSender{}
	publisher := events.NewPublisher(sender, repo, events.Config{
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
		MaxBackoff:  time.Millisecond,
	}, logger, nil)

	cache := &mapCache{tasks: make(map[string]*models.Task)}
	svc := NewAnonymization(engine, repo, dispatcher, publisher, cache, opts, logger, nil)

	return &fixture{svc: svc, engine: engine, repo: repo, sender: sender, strategy: strategy, cache: cache}
}

func xray(taskID string) models.TaskDescriptor {
	return models.TaskDescriptor{
		TaskID:   taskID,
		ImageID:  "I-" + taskID,
		Modality: "XRAY",
		Source:   "hospital-a",
		Region:   "chest",
		FilePath: filepath.Join("/data", "a.jpg"),
	}
}

func TestRoute_XRayCompletes(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	task, err := f.svc.Route(ctx, xray("T1"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, task.Status)
	assert.Equal(t, "/data/anonymized_a.jpg", task.ResultFilePath)
	assert.Empty(t, task.ErrorMessage)
	assert.Equal(t, int64(5), task.ProcessingTimeMS)

	assert.Equal(t, 1, f.sender.countByType(events.TypeImageReadyForProcessing))
	assert.Equal(t, 1, f.sender.countByType(events.TypeAnonymizationCompleted))
	assert.Equal(t, 0, f.sender.countByType(events.TypeAnonymizationFailed))

	pending, err := f.repo.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "published events must be marked")

	cached, err := f.cache.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, cached.Status)
}

func TestRoute_UnknownModalityFails(t *testing.T) {
	f := newFixture(t, Options{})
	d := xray("T2")
	d.Modality = "UNKNOWN"

	task, err := f.svc.Route(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, task.Status)
	assert.Equal(t, "unsupported modality: UNKNOWN", task.ErrorMessage)
	assert.Empty(t, task.ResultFilePath)
	assert.Equal(t, 0, f.strategy.Calls())

	assert.Equal(t, 1, f.sender.countByType(events.TypeAnonymizationFailed))
	assert.Equal(t, 0, f.sender.countByType(events.TypeImageReadyForProcessing))
}

func TestRoute_StrategyFailureFails(t *testing.T) {
	f := newFixture(t, Options{})
	f.strategy.fail = errors.New("failed to open image: no such file")

	task, err := f.svc.Route(context.Background(), xray("T3"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, task.Status)
	assert.Equal(t, "failed to open image: no such file", task.ErrorMessage)
	assert.Equal(t, 1, f.sender.countByType(events.TypeAnonymizationFailed))
}

func TestRoute_RedeliveryAfterCompletion(t *testing.T) {
	f := newFixture(t, Options{StaleAfter: time.Minute})
	ctx := context.Background()

	first, err := f.svc.Route(ctx, xray("T1"))
	require.NoError(t, err)

	again, err := f.svc.Route(ctx, xray("T1"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, again.Status)
	assert.Equal(t, first.Version, again.Version, "no additional write")
	assert.Equal(t, 1, f.strategy.Calls(), "no second dispatch")
	assert.Equal(t, 1, f.sender.countByType(events.TypeAnonymizationCompleted))
	assert.Len(t, f.repo.Events("T1"), 2)
}

func TestRoute_InProgressDuplicateIsBusy(t *testing.T) {
	f := newFixture(t, Options{StaleAfter: time.Hour})
	ctx := context.Background()

	_, _, err := f.engine.Create(ctx, xray("T1"))
	require.NoError(t, err)
	_, started, err := f.engine.BeginProcessing(ctx, "T1")
	require.NoError(t, err)
	require.True(t, started)

	task, err := f.svc.Route(ctx, xray("T1"))
	require.ErrorIs(t, err, lifecycle.ErrTaskBusy)
	assert.False(t, lifecycle.IsProtocolError(err))
	require.NotNil(t, task)
	assert.Equal(t, models.StatusInProgress, task.Status)
	assert.Equal(t, 0, f.strategy.Calls())
}

func TestRoute_CrashedAttemptRedeliveredUntilReclaimed(t *testing.T) {
	f := newFixture(t, Options{StaleAfter: 50 * time.Millisecond})
	ctx := context.Background()

	// First delivery crashed after BeginProcessing.
	_, _, err := f.engine.Create(ctx, xray("T1"))
	require.NoError(t, err)
	_, _, err = f.engine.BeginProcessing(ctx, "T1")
	require.NoError(t, err)

	_, err = f.svc.Route(ctx, xray("T1"))
	require.ErrorIs(t, err, lifecycle.ErrTaskBusy)
	assert.Equal(t, 0, f.strategy.Calls())

	time.Sleep(60 * time.Millisecond)

	task, err := f.svc.Route(ctx, xray("T1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, task.Status)
	assert.Equal(t, 1, f.strategy.Calls())
}

func TestRoute_StaleInProgressIsReclaimed(t *testing.T) {
	f := newFixture(t, Options{StaleAfter: time.Nanosecond})
	ctx := context.Background()

	_, _, err := f.engine.Create(ctx, xray("T1"))
	require.NoError(t, err)
	_, _, err = f.engine.BeginProcessing(ctx, "T1")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	task, err := f.svc.Route(ctx, xray("T1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, task.Status)
	assert.Equal(t, 1, f.strategy.Calls())
}

func TestRoute_ConcurrentDuplicatesDispatchOnce(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	const deliveries = 6
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Route(ctx, xray("T1"))
			if err != nil {
				assert.ErrorIs(t, err, lifecycle.ErrTaskBusy)
			}
		}()
	}
	close(start)
	wg.Wait()

	task, err := f.engine.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, task.Status)
	assert.Equal(t, 1, f.strategy.Calls())
	assert.Equal(t, 1, f.sender.countByType(events.TypeAnonymizationCompleted))
}

func TestRoute_PublishFailureKeepsTaskTerminal(t *testing.T) {
	f := newFixture(t, Options{})
	f.sender.err = errors.New("broker unavailable")
	ctx := context.Background()

	task, err := f.svc.Route(ctx, xray("T1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, task.Status)

	pending, err := f.repo.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "events stay in the outbox for the relay")
}

func TestCompleteTask_ExternalReport(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.CompleteTask(ctx, "missing", "/r.jpg", 1)
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)

	_, _, err = f.engine.Create(ctx, xray("T1"))
	require.NoError(t, err)

	_, err = f.svc.CompleteTask(ctx, "T1", "/r.jpg", 1)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	_, _, err = f.engine.BeginProcessing(ctx, "T1")
	require.NoError(t, err)

	task, err := f.svc.CompleteTask(ctx, "T1", "/r.jpg", 7)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, task.Status)
	assert.Equal(t, 1, f.sender.countByType(events.TypeAnonymizationCompleted))

	_, err = f.svc.FailTask(ctx, "T1", "late")
	assert.ErrorIs(t, err, lifecycle.ErrConflictingTerminalState)
}

func TestGetTask_CacheFirst(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)

	_, err = f.svc.Route(ctx, xray("T1"))
	require.NoError(t, err)

	f.cache.tasks["T1"].Status = models.StatusFailed
	task, err := f.svc.GetTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, task.Status, "served from cache")
}

func TestListImageTasks(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	a := xray("T1")
	b := xray("T2")
	b.ImageID = a.ImageID
	_, err := f.svc.Route(ctx, a)
	require.NoError(t, err)
	_, err = f.svc.Route(ctx, b)
	require.NoError(t, err)

	tasks, err := f.svc.ListImageTasks(ctx, a.ImageID)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestListTasksByStatus(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, _, err := f.engine.Create(ctx, xray("T1"))
	require.NoError(t, err)
	_, err = f.svc.Route(ctx, xray("T2"))
	require.NoError(t, err)

	pending, err := f.svc.ListTasksByStatus(ctx, models.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "T1", pending[0].TaskID)
}
