package ports

import (
	"context"

	"voicemesh/internal/core/domain"
)

// ParticipantRepository stores participants by value. Implementations must
// return copies so callers never alias registry state.
type ParticipantRepository interface {
	Add(ctx context.Context, p *domain.Participant) error
	GetByID(ctx context.Context, id domain.ParticipantID) (*domain.Participant, error)
	Update(ctx context.Context, p *domain.Participant) error
	Remove(ctx context.Context, id domain.ParticipantID) error
	List(ctx context.Context) ([]*domain.Participant, error)
	Count(ctx context.Context) int
}
