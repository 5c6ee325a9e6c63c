package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

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
// Checkpoint bodies are stored as JSON values with sorted sets indexing
// checkpoints per run and globally, scored by creation time.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a new Redis-based checkpoint store.
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
		keyPrefix: keyPrefix + "checkpoint:",
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

// dataKey returns the Redis key for a checkpoint body.
func (s *RedisStore) dataKey(id string) string {
	return s.keyPrefix + "data:" + id
}

// runKey returns the Redis key for a run's checkpoint index.
func (s *RedisStore) runKey(runID string) string {
	return s.keyPrefix + "run:" + runID
}

// allKey returns the Redis key for the global checkpoint index.
func (s *RedisStore) allKey() string {
	return s.keyPrefix + "all"
}

// Save persists a checkpoint.
func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := prepare(cp); err != nil {
		return err
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	score := float64(cp.CreatedAt.UnixNano())

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.dataKey(cp.ID), data, 0)
	pipe.ZAdd(ctx, s.runKey(cp.RunID), redis.Z{Score: score, Member: cp.ID})
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: cp.ID})

	_, err = pipe.Exec(ctx)
	return err
}

// Get retrieves a checkpoint by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}

	return &cp, nil
}

// GetLatest retrieves the most recently saved checkpoint of a run.
func (s *RedisStore) GetLatest(ctx context.Context, runID string) (*Checkpoint, error) {
	ids, err := s.client.ZRevRange(ctx, s.runKey(runID), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}

	return s.Get(ctx, ids[0])
}

// List returns all checkpoints of a run ordered by creation time.
func (s *RedisStore) List(ctx context.Context, runID string) ([]*Checkpoint, error) {
	ids, err := s.client.ZRange(ctx, s.runKey(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		result = append(result, cp)
	}

	return result, nil
}

// Delete removes a checkpoint by id.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	cp, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.dataKey(id))
	pipe.ZRem(ctx, s.runKey(cp.RunID), id)
	pipe.ZRem(ctx, s.allKey(), id)

	_, err = pipe.Exec(ctx)
	return err
}

// DeleteOlderThan removes checkpoints created before the cutoff.
func (s *RedisStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.allKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixNano(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range ids {
		if err := s.Delete(ctx, id); err == nil {
			count++
		}
	}

	return count, nil
}

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)
