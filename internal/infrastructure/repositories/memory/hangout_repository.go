package memory

import (
	"context"
	"fmt"
	"sync"

	"hangnet/internal/core/domain"
	"hangnet/internal/core/ports"
)

type MemoryHangoutRepository struct {
	hangouts map[domain.HangoutID]*domain.Hangout
	mu       sync.RWMutex
}

func NewMemoryHangoutRepository() ports.HangoutRepository {
	return &MemoryHangoutRepository{
		hangouts: make(map[domain.HangoutID]*domain.Hangout),
	}
}

func (r *MemoryHangoutRepository) Create(ctx context.Context, hangout *domain.Hangout) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.hangouts[hangout.ID]; exists {
		return fmt.Errorf("hangout already exists: %s", hangout.ID)
	}

	copied := *hangout
	r.hangouts[hangout.ID] = &copied
	return nil
}

func (r *MemoryHangoutRepository) GetByID(ctx context.Context, id domain.HangoutID) (*domain.Hangout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hangout, exists := r.hangouts[id]
	if !exists {
		return nil, domain.ErrHangoutNotFound
	}

	copied := *hangout
	return &copied, nil
}

func (r *MemoryHangoutRepository) Update(ctx context.Context, hangout *domain.Hangout) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.hangouts[hangout.ID]; !exists {
		return domain.ErrHangoutNotFound
	}

	copied := *hangout
	r.hangouts[hangout.ID] = &copied
	return nil
}

func (r *MemoryHangoutRepository) ListActive(ctx context.Context) ([]*domain.Hangout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*domain.Hangout
	for _, hangout := range r.hangouts {
		if hangout.Status == domain.StatusActive {
			copied := *hangout
			active = append(active, &copied)
		}
	}
	return active, nil
}
