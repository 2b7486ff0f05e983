package memory

import (
	"context"
	"sort"
	"sync"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"
)

type MemoryParticipantRepository struct {
	participants map[domain.ParticipantID]domain.Participant
	mu           sync.RWMutex
}

func NewMemoryParticipantRepository() ports.ParticipantRepository {
	return &MemoryParticipantRepository{
		participants: make(map[domain.ParticipantID]domain.Participant),
	}
}

func (r *MemoryParticipantRepository) Add(ctx context.Context, p *domain.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.participants[p.ID]; exists {
		return domain.ErrParticipantExists
	}

	r.participants[p.ID] = *p
	return nil
}

func (r *MemoryParticipantRepository) GetByID(ctx context.Context, id domain.ParticipantID) (*domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.participants[id]
	if !exists {
		return nil, domain.ErrParticipantNotFound
	}

	return &p, nil
}

func (r *MemoryParticipantRepository) Update(ctx context.Context, p *domain.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.participants[p.ID]; !exists {
		return domain.ErrParticipantNotFound
	}

	r.participants[p.ID] = *p
	return nil
}

func (r *MemoryParticipantRepository) Remove(ctx context.Context, id domain.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.participants[id]; !exists {
		return domain.ErrParticipantNotFound
	}

	delete(r.participants, id)
	return nil
}

// List returns copies ordered by connection time.
func (r *MemoryParticipantRepository) List(ctx context.Context) ([]*domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		p := p
		out = append(out, &p)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})

	return out, nil
}

func (r *MemoryParticipantRepository) Count(ctx context.Context) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}
