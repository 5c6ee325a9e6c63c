package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const orderTxRetries = 16

// RedisConfig contains Redis-specific configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port)
	Addr string `json:"addr" yaml:"addr"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// MinIdleConns is the minimum number of idle connections kept open
	MinIdleConns int `json:"min_idle_conns" yaml:"min_idle_conns"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		DB:        0,
		PoolSize:  10,
		KeyPrefix: "stategraph:",
	}
}

// RedisStore is a Redis-based implementation of Store.
// Task bodies are stored as JSON values. A sorted set per session is
// scored by Order, which both indexes session queries and lets order
// assignment run as an optimistic WATCH transaction.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a new Redis-based task store.
func NewRedisStore(config RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "stategraph:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "task:",
	}, nil
}

// Close closes the store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// taskKey returns the Redis key for a task body.
func (s *RedisStore) taskKey(id string) string {
	return s.keyPrefix + "data:" + id
}

// sessionKey returns the Redis key for a session's order index.
func (s *RedisStore) sessionKey(sessionID string) string {
	return s.keyPrefix + "session:" + sessionID
}

// runKey returns the Redis key for a workflow run's task index.
func (s *RedisStore) runKey(runID string) string {
	return s.keyPrefix + "run:" + runID
}

// Create persists a new task, assigning id, order, and timestamps.
//
// Order assignment watches the session index so concurrent creates in the
// same session retry instead of reusing an order value.
func (s *RedisStore) Create(ctx context.Context, t *WorkTask) error {
	if t == nil {
		return ErrInvalidInput
	}

	if t.ID == "" {
		t.ID = newTaskID()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	requestedOrder := t.Order
	sessionKey := s.sessionKey(t.SessionID)

	var lastErr error
	for attempt := 0; attempt < orderTxRetries; attempt++ {
		t.Order = requestedOrder

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			exists, err := tx.Exists(ctx, s.taskKey(t.ID)).Result()
			if err != nil {
				return err
			}
			if exists > 0 {
				return ErrAlreadyExists
			}

			if t.Order < 0 {
				top, err := tx.ZRevRangeWithScores(ctx, sessionKey, 0, 0).Result()
				if err != nil && err != redis.Nil {
					return err
				}
				if len(top) > 0 {
					t.Order = int(top[0].Score) + 1
				} else {
					t.Order = 0
				}
			}

			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("failed to marshal task: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.taskKey(t.ID), data, 0)
				pipe.ZAdd(ctx, sessionKey, redis.Z{Score: float64(t.Order), Member: t.ID})
				if t.WorkflowRunID != "" {
					pipe.ZAdd(ctx, s.runKey(t.WorkflowRunID), redis.Z{
						Score:  float64(t.CreatedAt.UnixNano()),
						Member: t.ID,
					})
				}
				return nil
			})
			return err
		}, sessionKey)

		if errors.Is(err, redis.TxFailedErr) {
			lastErr = err
			continue
		}
		return err
	}

	return fmt.Errorf("order assignment kept conflicting: %w", lastErr)
}

// Get retrieves a task by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*WorkTask, error) {
	data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var t WorkTask
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}

	return &t, nil
}

// Update overwrites an existing task, deriving lifecycle timestamps.
func (s *RedisStore) Update(ctx context.Context, t *WorkTask) error {
	if t == nil || t.ID == "" {
		return ErrInvalidInput
	}

	old, err := s.Get(ctx, t.ID)
	if err != nil {
		return err
	}

	updated := *t
	updated.CreatedAt = old.CreatedAt
	updated.StartedAt = copyTime(old.StartedAt)
	updated.CompletedAt = copyTime(old.CompletedAt)
	updated.CancelledAt = copyTime(old.CancelledAt)
	applyTransition(&updated, time.Now())

	return s.save(ctx, &updated, old)
}

// UpdateStatus transitions a task's status by id.
func (s *RedisStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	old, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	updated := *old
	updated.Status = status
	applyTransition(&updated, time.Now())

	return s.save(ctx, &updated, old)
}

func (s *RedisStore) save(ctx context.Context, t, old *WorkTask) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.taskKey(t.ID), data, 0)
	if old == nil || old.Order != t.Order || old.SessionID != t.SessionID {
		if old != nil && old.SessionID != t.SessionID {
			pipe.ZRem(ctx, s.sessionKey(old.SessionID), t.ID)
		}
		pipe.ZAdd(ctx, s.sessionKey(t.SessionID), redis.Z{Score: float64(t.Order), Member: t.ID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetBySessionID returns a session's tasks ordered by Order.
func (s *RedisStore) GetBySessionID(ctx context.Context, sessionID string) ([]*WorkTask, error) {
	ids, err := s.client.ZRange(ctx, s.sessionKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.loadAll(ctx, ids, nil)
}

// GetByStatus returns a session's tasks with the given status, ordered by
// Order.
func (s *RedisStore) GetByStatus(ctx context.Context, sessionID string, status Status) ([]*WorkTask, error) {
	ids, err := s.client.ZRange(ctx, s.sessionKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.loadAll(ctx, ids, func(t *WorkTask) bool {
		return t.Status == status
	})
}

// GetByWorkflowRunID returns tasks tagged with a workflow run.
func (s *RedisStore) GetByWorkflowRunID(ctx context.Context, runID string) ([]*WorkTask, error) {
	ids, err := s.client.ZRange(ctx, s.runKey(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	tasks, err := s.loadAll(ctx, ids, nil)
	if err != nil {
		return nil, err
	}
	sortByOrder(tasks)
	return tasks, nil
}

func (s *RedisStore) loadAll(ctx context.Context, ids []string, match func(*WorkTask) bool) ([]*WorkTask, error) {
	result := make([]*WorkTask, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if match == nil || match(t) {
			result = append(result, t)
		}
	}
	return result, nil
}

// GetStatistics returns per-status counts for a session.
func (s *RedisStore) GetStatistics(ctx context.Context, sessionID string) (*Statistics, error) {
	tasks, err := s.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{ByStatus: make(map[Status]int)}
	for _, t := range tasks {
		stats.Total++
		stats.ByStatus[t.Status]++
	}
	return stats, nil
}

// Reorder bulk-updates Order for tasks belonging to the session.
func (s *RedisStore) Reorder(ctx context.Context, sessionID string, idToOrder map[string]int) error {
	for id, order := range idToOrder {
		t, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		if t.SessionID != sessionID {
			continue
		}

		old := *t
		t.Order = order
		t.UpdatedAt = time.Now()
		if err := s.save(ctx, t, &old); err != nil {
			return err
		}
	}
	return nil
}

// AreDependenciesComplete reports whether every dependency has completed.
func (s *RedisStore) AreDependenciesComplete(ctx context.Context, id string) (bool, error) {
	t, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	for _, depID := range t.DependsOn {
		dep, err := s.Get(ctx, depID)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if dep.Status != StatusCompleted {
			return false, nil
		}
	}

	return true, nil
}

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)
