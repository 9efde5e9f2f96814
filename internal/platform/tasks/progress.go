package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the lifecycle state of a task.
type State string

const (
	StatePending  State = "PENDING"
	StateProgress State = "PROGRESS"
	StateSuccess  State = "SUCCESS"
	StateFailure  State = "FAILURE"
)

var ErrTaskNotFound = errors.New("task not found")

// Progress is the polled view of one task.
type Progress struct {
	TaskID    string         `json:"task_id"`
	Name      string         `json:"name"`
	OwnerID   string         `json:"owner_id,omitempty"`
	State     State          `json:"state"`
	Current   int            `json:"current"`
	Total     int            `json:"total"`
	Percent   float64        `json:"percent"`
	Message   string         `json:"message"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Finished reports a terminal state.
func (p *Progress) Finished() bool {
	return p.State == StateSuccess || p.State == StateFailure
}

func percent(current, total int) float64 {
	if total <= 0 {
		return 0
	}
	if current >= total {
		return 100
	}
	return float64(int(float64(current)*1000/float64(total))) / 10
}

// ProgressStore persists task progress keyed by task id.
type ProgressStore interface {
	Put(ctx context.Context, p *Progress) error
	Get(ctx context.Context, taskID string) (*Progress, error)
}

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

// MemoryProgressStore keeps progress in process. Entries older than ttl are
// dropped on write.
type MemoryProgressStore struct {
	mu    sync.RWMutex
	items map[string]*Progress
	ttl   time.Duration
}

func NewMemoryProgressStore(ttl time.Duration) *MemoryProgressStore {
	return &MemoryProgressStore{items: make(map[string]*Progress), ttl: ttl}
}

func (s *MemoryProgressStore) Put(_ context.Context, p *Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ttl > 0 {
		cutoff := time.Now().Add(-s.ttl)
		for id, old := range s.items {
			if old.UpdatedAt.Before(cutoff) {
				delete(s.items, id)
			}
		}
	}
	s.items[p.TaskID] = copyProgress(p)
	return nil
}

func (s *MemoryProgressStore) Get(_ context.Context, taskID string) (*Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.items[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return copyProgress(p), nil
}

func copyProgress(p *Progress) *Progress {
	cp := *p
	if p.Result != nil {
		cp.Result = make(map[string]any, len(p.Result))
		for k, v := range p.Result {
			cp.Result[k] = v
		}
	}
	return &cp
}

// ---------------------------------------------------------------------------
// Redis store
// ---------------------------------------------------------------------------

type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisProgressStore shares progress between server processes.
type RedisProgressStore struct {
	client redisClient
	ttl    time.Duration
}

func NewRedisProgressStore(client redisClient, ttl time.Duration) *RedisProgressStore {
	return &RedisProgressStore{client: client, ttl: ttl}
}

func progressKey(taskID string) string { return "task:" + taskID }

func (s *RedisProgressStore) Put(ctx context.Context, p *Progress) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := s.client.Set(ctx, progressKey(p.TaskID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", progressKey(p.TaskID), err)
	}
	return nil
}

func (s *RedisProgressStore) Get(ctx context.Context, taskID string) (*Progress, error) {
	raw, err := s.client.Get(ctx, progressKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", progressKey(taskID), err)
	}
	var p Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	return &p, nil
}
