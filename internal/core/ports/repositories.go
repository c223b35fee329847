package ports

import (
	"context"

	"hangnet/internal/core/domain"
)

type HangoutRepository interface {
	Create(ctx context.Context, hangout *domain.Hangout) error
	GetByID(ctx context.Context, id domain.HangoutID) (*domain.Hangout, error)
	Update(ctx context.Context, hangout *domain.Hangout) error
	ListActive(ctx context.Context) ([]*domain.Hangout, error)
}

type ParticipantRepository interface {
	// Save inserts or replaces the record keyed by (hangout id, user id).
	Save(ctx context.Context, participant *domain.Participant) error
	Get(ctx context.Context, hangoutID domain.HangoutID, userID domain.UserID) (*domain.Participant, error)
	// FindLive returns participants with left_at unset.
	FindLive(ctx context.Context, hangoutID domain.HangoutID) ([]*domain.Participant, error)
}

// HangoutLocker serializes cross-instance ownership of a hangout's
// coordinator. Single-node deployments use a no-op implementation.
type HangoutLocker interface {
	Acquire(ctx context.Context, id domain.HangoutID) (release func(), err error)
}
