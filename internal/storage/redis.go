package storage

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"CharForge/pipeline/internal/config"
)

// RedisStore wraps the shared Redis connection used for cross-process
// coordination. The pipeline runs fine without it; callers treat a failed
// connect as "single process only".
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and verifies the server is reachable.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client exposes the underlying connection for the GPU lease.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
