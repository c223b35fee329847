package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"hangnet/internal/core/domain"
	"hangnet/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisParticipantRepository struct {
	client *redis.Client
}

func NewRedisParticipantRepository(client *redis.Client) ports.ParticipantRepository {
	return &RedisParticipantRepository{client: client}
}

func (r *RedisParticipantRepository) participantKey(hangoutID domain.HangoutID, userID domain.UserID) string {
	return fmt.Sprintf("hangnet:participant:%s:%s", hangoutID, userID)
}

func (r *RedisParticipantRepository) rosterKey(hangoutID domain.HangoutID) string {
	return fmt.Sprintf("hangnet:hangout:%s:roster", hangoutID)
}

func (r *RedisParticipantRepository) Save(ctx context.Context, participant *domain.Participant) error {
	data, err := json.Marshal(participant)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}

	key := r.participantKey(participant.HangoutID, participant.UserID)
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set participant in Redis: %w", err)
	}

	rosterKey := r.rosterKey(participant.HangoutID)
	if participant.IsLive() {
		if err := r.client.SAdd(ctx, rosterKey, string(participant.UserID)).Err(); err != nil {
			return fmt.Errorf("failed to add participant to roster set: %w", err)
		}
	} else {
		if err := r.client.SRem(ctx, rosterKey, string(participant.UserID)).Err(); err != nil {
			return fmt.Errorf("failed to remove participant from roster set: %w", err)
		}
	}
	return nil
}

func (r *RedisParticipantRepository) Get(ctx context.Context, hangoutID domain.HangoutID, userID domain.UserID) (*domain.Participant, error) {
	data, err := r.client.Get(ctx, r.participantKey(hangoutID, userID)).Result()
	if err == redis.Nil {
		return nil, domain.ErrParticipantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant from Redis: %w", err)
	}

	var participant domain.Participant
	if err := json.Unmarshal([]byte(data), &participant); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participant: %w", err)
	}
	return &participant, nil
}

func (r *RedisParticipantRepository) FindLive(ctx context.Context, hangoutID domain.HangoutID) ([]*domain.Participant, error) {
	userIDs, err := r.client.SMembers(ctx, r.rosterKey(hangoutID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read roster set: %w", err)
	}

	var live []*domain.Participant
	for _, userID := range userIDs {
		participant, err := r.Get(ctx, hangoutID, domain.UserID(userID))
		if err == domain.ErrParticipantNotFound {
			r.client.SRem(ctx, r.rosterKey(hangoutID), userID) //nolint:errcheck
			continue
		}
		if err != nil {
			return nil, err
		}
		if participant.IsLive() {
			live = append(live, participant)
		}
	}
	return live, nil
}
