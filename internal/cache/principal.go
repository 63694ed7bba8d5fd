// Package cache holds the best-effort principal-cache invalidation
// collaborator. Eviction failures are logged, never propagated: the cache is
// derived data and is not authoritative for token validity.
package cache

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const principalKeyPrefix = "authcore:principal:"

// Invalidator evicts cached principal data for a user.
type Invalidator interface {
	InvalidateUser(ctx context.Context, userID uuid.UUID) error
}

// Noop is used when no cache backend is configured.
type Noop struct{}

func (Noop) InvalidateUser(context.Context, uuid.UUID) error { return nil }

// Redis evicts principal entries from a shared redis instance.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the redis instance at the given URL.
func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

func (r *Redis) InvalidateUser(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.Del(ctx, principalKeyPrefix+userID.String()).Err(); err != nil {
		return fmt.Errorf("evict principal cache: %w", err)
	}
	return nil
}

// Close releases the redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
