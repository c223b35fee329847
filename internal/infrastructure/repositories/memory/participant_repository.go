package memory

import (
	"context"
	"sync"

	"hangnet/internal/core/domain"
	"hangnet/internal/core/ports"
)

type participantKey struct {
	hangoutID domain.HangoutID
	userID    domain.UserID
}

type MemoryParticipantRepository struct {
	participants map[participantKey]*domain.Participant
	mu           sync.RWMutex
}

func NewMemoryParticipantRepository() ports.ParticipantRepository {
	return &MemoryParticipantRepository{
		participants: make(map[participantKey]*domain.Participant),
	}
}

func (r *MemoryParticipantRepository) Save(ctx context.Context, participant *domain.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *participant
	r.participants[participantKey{participant.HangoutID, participant.UserID}] = &copied
	return nil
}

func (r *MemoryParticipantRepository) Get(ctx context.Context, hangoutID domain.HangoutID, userID domain.UserID) (*domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	participant, exists := r.participants[participantKey{hangoutID, userID}]
	if !exists {
		return nil, domain.ErrParticipantNotFound
	}

	copied := *participant
	return &copied, nil
}

func (r *MemoryParticipantRepository) FindLive(ctx context.Context, hangoutID domain.HangoutID) ([]*domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var live []*domain.Participant
	for key, participant := range r.participants {
		if key.hangoutID == hangoutID && participant.IsLive() {
			copied := *participant
			live = append(live, &copied)
		}
	}
	return live, nil
}
