//go:build integration

package containers

import (
	"context"
	"testing"
	"time"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"medguard/internal/platform/config"
)

// RedisContainer is a disposable Redis for the directory cache.
type RedisContainer struct {
	Container *tcredis.RedisContainer
	URL       string
}

// NewRedisContainer starts Redis and returns its connection URL.
func NewRedisContainer(t *testing.T) *RedisContainer {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	url, err := container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("redis connection string: %v", err)
	}
	return &RedisContainer{Container: container, URL: url}
}

// Config points a client at the container with a short cache TTL.
func (r *RedisContainer) Config() config.RedisConfig {
	return config.RedisConfig{
		URL:         r.URL,
		PoolSize:    4,
		DialTimeout: 5 * time.Second,
		CacheTTL:    time.Minute,
	}
}
