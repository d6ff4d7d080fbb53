package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kiranshivaraju/comfyrun/pkg/models"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Ping(ctx context.Context) error
	SetJobStatus(ctx context.Context, promptID string, status JobStatus, ttl time.Duration) error
	GetJobStatus(ctx context.Context, promptID string) (JobStatus, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// JobStatus is the live view of a job mirrored between store writes.
type JobStatus struct {
	State     models.JobState
	LastNode  string
	UpdatedAt time.Time
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// SetJobStatus stores status as a hash so readers get state and node together.
func (c *RedisCache) SetJobStatus(ctx context.Context, promptID string, status JobStatus, ttl time.Duration) error {
	key := JobStatusKey(promptID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key,
		"state", string(status.State),
		"last_node", status.LastNode,
		"updated_at", status.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) GetJobStatus(ctx context.Context, promptID string) (JobStatus, bool, error) {
	fields, err := c.client.HGetAll(ctx, JobStatusKey(promptID)).Result()
	if err != nil {
		return JobStatus{}, false, err
	}
	if len(fields) == 0 {
		return JobStatus{}, false, nil
	}
	status := JobStatus{
		State:    models.JobState(fields["state"]),
		LastNode: fields["last_node"],
	}
	if ts := fields["updated_at"]; ts != "" {
		if status.UpdatedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return JobStatus{}, false, fmt.Errorf("parse mirrored updated_at: %w", err)
		}
	}
	return status, true, nil
}

// IncrWithExpiry increments key and refreshes its expiry in one transaction.
func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
