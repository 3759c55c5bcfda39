package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"ev-demand-analytics-engine/video"
)

// ErrJobNotFound is returned for unknown job ids
var ErrJobNotFound = errors.New("job not found")

// Job states
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job is the status record of one video analysis
type Job struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	Status    string          `json:"status"`
	Progress  *video.Progress `json:"progress,omitempty"`
	Summary   *video.Summary  `json:"summary,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Done reports whether the job reached a final state
func (j Job) Done() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// StatusStore keeps the latest record per job id. Put overwrites.
type StatusStore interface {
	Put(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	List(ctx context.Context) ([]Job, error)
	Reset(ctx context.Context) error
}

// MemoryStatusStore is a process-local StatusStore
type MemoryStatusStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{jobs: make(map[string]Job)}
}

func (m *MemoryStatusStore) Put(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *MemoryStatusStore) Get(_ context.Context, id string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

// List returns all jobs, oldest first
func (m *MemoryStatusStore) List(_ context.Context) ([]Job, error) {
	m.mu.RLock()
	out := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job)
	}
	m.mu.RUnlock()

	sortJobs(out)
	return out, nil
}

func (m *MemoryStatusStore) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = make(map[string]Job)
	return nil
}

// RedisStatusStore keeps job records in one Redis hash so that every API
// replica sees the same status.
type RedisStatusStore struct {
	client *redis.Client
	key    string
}

// NewRedisStatusStore stores jobs in the hash <prefix>:video_jobs
func NewRedisStatusStore(client *redis.Client, prefix string) *RedisStatusStore {
	key := "video_jobs"
	if prefix != "" {
		key = prefix + ":" + key
	}
	return &RedisStatusStore{client: client, key: key}
}

func (r *RedisStatusStore) Put(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	if err := r.client.HSet(ctx, r.key, job.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to store job %s: %w", job.ID, err)
	}
	return nil
}

func (r *RedisStatusStore) Get(ctx context.Context, id string) (Job, error) {
	data, err := r.client.HGet(ctx, r.key, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return Job{}, fmt.Errorf("failed to read job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return job, nil
}

func (r *RedisStatusStore) List(ctx context.Context) ([]Job, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	out := make([]Job, 0, len(all))
	for id, data := range all {
		var job Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
		}
		out = append(out, job)
	}
	sortJobs(out)
	return out, nil
}

func (r *RedisStatusStore) Reset(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to reset jobs: %w", err)
	}
	return nil
}

func sortJobs(jobs []Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
