package repositories

import (
	"context"

	"hangnet/internal/core/ports"
	"hangnet/internal/core/services"
	"hangnet/internal/infrastructure/repositories/memory"
	redisrepo "hangnet/internal/infrastructure/repositories/redis"
	"hangnet/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	cfg         *config.Config
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		cfg:      cfg,
		logger:   logger,
	}

	// Try to connect to Redis if enabled
	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

// CreateHangoutRepository creates a hangout repository (Redis or memory with fallback)
func (f *RepositoryFactory) CreateHangoutRepository() ports.HangoutRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisHangoutRepository(f.redisClient)
	}
	return memory.NewMemoryHangoutRepository()
}

// CreateParticipantRepository creates a participant repository (Redis or memory with fallback)
func (f *RepositoryFactory) CreateParticipantRepository() ports.ParticipantRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisParticipantRepository(f.redisClient)
	}
	return memory.NewMemoryParticipantRepository()
}

// CreateHangoutLocker creates the cross-instance lock, or a no-op lock for
// single-node deployments
func (f *RepositoryFactory) CreateHangoutLocker() ports.HangoutLocker {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisHangoutLocker(f.redisClient, f.cfg.Redis.LockTTL, f.logger)
	}
	return services.NoopLocker{}
}

// RedisClient returns the underlying Redis client, or nil when running in-memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// HealthCheck verifies the storage backend is reachable
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}
