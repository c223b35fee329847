package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"hangnet/internal/core/domain"
	"hangnet/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const activeHangoutsKey = "hangnet:hangout:active"

type RedisHangoutRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisHangoutRepository(client *redis.Client) ports.HangoutRepository {
	return &RedisHangoutRepository{
		client: client,
		prefix: "hangnet:hangout:",
	}
}

func (r *RedisHangoutRepository) hangoutKey(id domain.HangoutID) string {
	return r.prefix + string(id)
}

func (r *RedisHangoutRepository) Create(ctx context.Context, hangout *domain.Hangout) error {
	data, err := json.Marshal(hangout)
	if err != nil {
		return fmt.Errorf("failed to marshal hangout: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.hangoutKey(hangout.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set hangout in Redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("hangout already exists: %s", hangout.ID)
	}
	return nil
}

func (r *RedisHangoutRepository) GetByID(ctx context.Context, id domain.HangoutID) (*domain.Hangout, error) {
	data, err := r.client.Get(ctx, r.hangoutKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrHangoutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hangout from Redis: %w", err)
	}

	var hangout domain.Hangout
	if err := json.Unmarshal([]byte(data), &hangout); err != nil {
		return nil, fmt.Errorf("failed to unmarshal hangout: %w", err)
	}
	return &hangout, nil
}

func (r *RedisHangoutRepository) Update(ctx context.Context, hangout *domain.Hangout) error {
	data, err := json.Marshal(hangout)
	if err != nil {
		return fmt.Errorf("failed to marshal hangout: %w", err)
	}

	key := r.hangoutKey(hangout.ID)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check hangout existence: %w", err)
	}
	if exists == 0 {
		return domain.ErrHangoutNotFound
	}

	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update hangout in Redis: %w", err)
	}

	// Keep the active index in step with the status.
	if hangout.Status == domain.StatusActive {
		if err := r.client.SAdd(ctx, activeHangoutsKey, string(hangout.ID)).Err(); err != nil {
			return fmt.Errorf("failed to index active hangout: %w", err)
		}
	} else {
		if err := r.client.SRem(ctx, activeHangoutsKey, string(hangout.ID)).Err(); err != nil {
			return fmt.Errorf("failed to unindex hangout: %w", err)
		}
	}
	return nil
}

func (r *RedisHangoutRepository) ListActive(ctx context.Context) ([]*domain.Hangout, error) {
	ids, err := r.client.SMembers(ctx, activeHangoutsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active hangouts: %w", err)
	}

	var active []*domain.Hangout
	for _, id := range ids {
		hangout, err := r.GetByID(ctx, domain.HangoutID(id))
		if err == domain.ErrHangoutNotFound {
			// Stale index entry; drop it.
			r.client.SRem(ctx, activeHangoutsKey, id) //nolint:errcheck
			continue
		}
		if err != nil {
			return nil, err
		}
		active = append(active, hangout)
	}
	return active, nil
}
