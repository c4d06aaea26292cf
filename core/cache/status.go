package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"imageAnonymizer/core/database"
	"imageAnonymizer/core/models"
)

const (
	statusKeyPrefix = "task:status:"
	statusTTL       = 10 * time.Minute
)

var ErrMiss = errors.New("cache miss")

// setIfNotOlder writes the snapshot unless the stored version is newer.
// KEYS[1] status key. ARGV version, snapshot, ttl in milliseconds.
var setIfNotOlder = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// snapshot is the cached form of a task.
type snapshot struct {
	TaskID           string     `json:"task_id"`
	ImageID          string     `json:"image_id"`
	ImageType        string     `json:"image_type"`
	Modality         string     `json:"modality"`
	Source           string     `json:"source"`
	Region           string     `json:"region"`
	FilePath         string     `json:"file_path"`
	Status           string     `json:"status"`
	ResultFilePath   string     `json:"result_file_path,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	ProcessingTimeMS int64      `json:"processing_time_ms,omitempty"`
	Version          int64      `json:"version"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// StatusCache keeps a short-lived copy of each task keyed by task ID.
// The task store stays authoritative.
type StatusCache struct {
	cache *database.Cache
	ttl   time.Duration
}

func NewStatusCache(cache *database.Cache) *StatusCache {
	return &StatusCache{cache: cache, ttl: statusTTL}
}

func statusKey(taskID string) string {
	return fmt.Sprintf("%s%s", statusKeyPrefix, taskID)
}

func (sc *StatusCache) Get(ctx context.Context, taskID string) (*models.Task, error) {
	data, err := sc.cache.HGet(ctx, statusKey(taskID), "data")
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, err
	}
	return decode([]byte(data))
}

// Set stores task unless the cache already holds a newer version. The
// compare and write run as one script.
func (sc *StatusCache) Set(ctx context.Context, task *models.Task) error {
	data, err := encode(task)
	if err != nil {
		return err
	}
	_, err = sc.cache.Run(ctx, setIfNotOlder, []string{statusKey(task.TaskID)},
		task.Version, string(data), sc.ttl.Milliseconds())
	return err
}

func encode(task *models.Task) ([]byte, error) {
	return json.Marshal(snapshot{
		TaskID:           task.TaskID,
		ImageID:          task.ImageID,
		ImageType:        string(task.ImageType),
		Modality:         task.Modality,
		Source:           task.Source,
		Region:           task.Region,
		FilePath:         task.FilePath,
		Status:           string(task.Status),
		ResultFilePath:   task.ResultFilePath,
		ErrorMessage:     task.ErrorMessage,
		ProcessingTimeMS: task.ProcessingTimeMS,
		Version:          task.Version,
		StartedAt:        task.StartedAt,
		CompletedAt:      task.CompletedAt,
		CreatedAt:        task.CreatedAt,
		UpdatedAt:        task.UpdatedAt,
	})
}

func decode(data []byte) (*models.Task, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode cached task: %w", err)
	}
	return &models.Task{
		TaskID:           s.TaskID,
		ImageID:          s.ImageID,
		ImageType:        models.ImageType(s.ImageType),
		Modality:         s.Modality,
		Source:           s.Source,
		Region:           s.Region,
		FilePath:         s.FilePath,
		Status:           models.TaskStatus(s.Status),
		ResultFilePath:   s.ResultFilePath,
		ErrorMessage:     s.ErrorMessage,
		ProcessingTimeMS: s.ProcessingTimeMS,
		Version:          s.Version,
		StartedAt:        s.StartedAt,
		CompletedAt:      s.CompletedAt,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}, nil
}
