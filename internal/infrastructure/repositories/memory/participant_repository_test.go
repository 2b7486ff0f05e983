package memory

import (
	"context"
	"testing"
	"time"

	"voicemesh/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryParticipantRepository_ReturnsCopies(t *testing.T) {
	repo := NewMemoryParticipantRepository()
	ctx := context.Background()

	p := &domain.Participant{ID: "p1", Name: "Asha", Role: domain.RoleStudent}
	require.NoError(t, repo.Add(ctx, p))

	got, err := repo.GetByID(ctx, "p1")
	require.NoError(t, err)
	got.Muted = true

	again, err := repo.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, again.Muted, "mutating a returned participant must not change stored state")
}

func TestMemoryParticipantRepository_Lifecycle(t *testing.T) {
	repo := NewMemoryParticipantRepository()
	ctx := context.Background()

	p := &domain.Participant{ID: "p1"}
	require.NoError(t, repo.Add(ctx, p))
	assert.ErrorIs(t, repo.Add(ctx, p), domain.ErrParticipantExists)

	p.CurrentRoom = "class-8"
	require.NoError(t, repo.Update(ctx, p))

	got, err := repo.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("class-8"), got.CurrentRoom)

	require.NoError(t, repo.Remove(ctx, "p1"))
	_, err = repo.GetByID(ctx, "p1")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
	assert.ErrorIs(t, repo.Update(ctx, p), domain.ErrParticipantNotFound)
	assert.ErrorIs(t, repo.Remove(ctx, "p1"), domain.ErrParticipantNotFound)
}

func TestMemoryParticipantRepository_ListOrderedByConnection(t *testing.T) {
	repo := NewMemoryParticipantRepository()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, repo.Add(ctx, &domain.Participant{ID: "late", ConnectedAt: base.Add(time.Second)}))
	require.NoError(t, repo.Add(ctx, &domain.Participant{ID: "early", ConnectedAt: base}))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.ParticipantID("early"), list[0].ID)
	assert.Equal(t, domain.ParticipantID("late"), list[1].ID)
	assert.Equal(t, 2, repo.Count(ctx))
}
