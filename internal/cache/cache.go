package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/goat-community/goat-core/internal/domain"
)

// JobStatusCache keeps the latest job status close to the polling endpoint
// so frequent clients do not hammer Postgres.
type JobStatusCache interface {
	SetStatus(ctx context.Context, jobID uuid.UUID, status domain.JobStatus) error
	// GetStatus returns ok=false on a cache miss.
	GetStatus(ctx context.Context, jobID uuid.UUID) (domain.JobStatus, bool, error)
	Close() error
}

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to redis using a URL like redis://host:6379/0.
func NewRedisCache(url string, ttl time.Duration) (JobStatusCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &redisCache{client: client, ttl: ttl}, nil
}

func statusKey(jobID uuid.UUID) string {
	return "job:status:" + jobID.String()
}

func (c *redisCache) SetStatus(ctx context.Context, jobID uuid.UUID, status domain.JobStatus) error {
	if err := c.client.Set(ctx, statusKey(jobID), string(status), c.ttl).Err(); err != nil {
		return fmt.Errorf("cache job status: %w", err)
	}
	return nil
}

func (c *redisCache) GetStatus(ctx context.Context, jobID uuid.UUID) (domain.JobStatus, bool, error) {
	value, err := c.client.Get(ctx, statusKey(jobID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read job status: %w", err)
	}
	return domain.JobStatus(value), true, nil
}

func (c *redisCache) Close() error {
	return c.client.Close()
}

// NoopCache satisfies JobStatusCache when redis is not configured.
type NoopCache struct{}

func (NoopCache) SetStatus(context.Context, uuid.UUID, domain.JobStatus) error { return nil }
func (NoopCache) GetStatus(context.Context, uuid.UUID) (domain.JobStatus, bool, error) {
	return "", false, nil
}
func (NoopCache) Close() error { return nil }
