package monitoring

import (
	"context"
	"time"

	"hangnet/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", timeout, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// AddRepositoryCheck adds a hangout repository health check
func (h *HealthChecker) AddRepositoryCheck(repo ports.HangoutRepository, timeout time.Duration) {
	h.AddCheck("repository", timeout, func(ctx context.Context) error {
		// Listing active hangouts exercises the storage path end to end.
		_, err := repo.ListActive(ctx)
		return err
	})
}
