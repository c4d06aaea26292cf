package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"imageAnonymizer/core/models"
)

// MemoryRepo keeps tasks and outbox rows in process memory. It honours the
// same version and uniqueness rules as PostgresRepo.
type MemoryRepo struct {
	mu     sync.Mutex
	tasks  map[string]*models.Task
	events map[string]*models.OutboxEvent
	order  []string
	now    func() time.Time
}

var _ Repository = (*MemoryRepo)(nil)

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		tasks:  make(map[string]*models.Task),
		events: make(map[string]*models.OutboxEvent),
		now:    time.Now,
	}
}

func (r *MemoryRepo) Insert(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[task.TaskID]; ok {
		return ErrTaskAlreadyExists
	}

	now := r.now()
	task.CreatedAt = now
	task.UpdatedAt = now
	r.tasks[task.TaskID] = task.Clone()
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, taskID string) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

func (r *MemoryRepo) Update(ctx context.Context, task *models.Task, expectedVersion int64, outbox []models.OutboxEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.tasks[task.TaskID]
	if !ok {
		return ErrTaskNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}

	now := r.now()
	stored := task.Clone()
	stored.TaskID = current.TaskID
	stored.ImageID = current.ImageID
	stored.ImageType = current.ImageType
	stored.Modality = current.Modality
	stored.Source = current.Source
	stored.Region = current.Region
	stored.FilePath = current.FilePath
	stored.CreatedAt = current.CreatedAt
	stored.Version = current.Version + 1
	stored.UpdatedAt = now
	r.tasks[task.TaskID] = stored

	for _, evt := range outbox {
		if _, exists := r.events[evt.EventID]; exists {
			continue
		}
		row := evt
		row.CreatedAt = now
		row.PublishedAt = nil
		r.events[evt.EventID] = &row
		r.order = append(r.order, evt.EventID)
	}

	task.Version = stored.Version
	task.UpdatedAt = now
	return nil
}

func (r *MemoryRepo) ListByImageID(ctx context.Context, imageID string) ([]*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var tasks []*models.Task
	for _, task := range r.tasks {
		if task.ImageID == imageID {
			tasks = append(tasks, task.Clone())
		}
	}
	sortNewestFirst(tasks)
	return tasks, nil
}

func (r *MemoryRepo) ListByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var tasks []*models.Task
	for _, task := range r.tasks {
		if task.Status == status {
			tasks = append(tasks, task.Clone())
		}
	}
	sortNewestFirst(tasks)
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (r *MemoryRepo) PendingEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []models.OutboxEvent
	for _, id := range r.order {
		evt := r.events[id]
		if evt.PublishedAt != nil {
			continue
		}
		events = append(events, copyEvent(evt))
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

func (r *MemoryRepo) MarkEventPublished(ctx context.Context, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	evt, ok := r.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	if evt.PublishedAt == nil {
		now := r.now()
		evt.PublishedAt = &now
	}
	return nil
}

// Events returns every outbox row for a task in insertion order.
func (r *MemoryRepo) Events(taskID string) []models.OutboxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []models.OutboxEvent
	for _, id := range r.order {
		if evt := r.events[id]; evt.TaskID == taskID {
			events = append(events, copyEvent(evt))
		}
	}
	return events
}

func copyEvent(evt *models.OutboxEvent) models.OutboxEvent {
	c := *evt
	c.Payload = append([]byte(nil), evt.Payload...)
	if evt.PublishedAt != nil {
		v := *evt.PublishedAt
		c.PublishedAt = &v
	}
	return c
}

func sortNewestFirst(tasks []*models.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].TaskID < tasks[j].TaskID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}
