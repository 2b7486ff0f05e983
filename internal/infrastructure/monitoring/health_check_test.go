package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"
	"voicemesh/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// occupancyRegistry answers only occupancy queries.
type occupancyRegistry struct {
	ports.RoomRegistry
	counts map[domain.RoomID]int
}

func (r occupancyRegistry) OccupancyCounts() map[domain.RoomID]int {
	return r.counts
}

func TestHealthChecker_AllHealthy(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddRepositoryCheck(memory.NewMemoryParticipantRepository(), time.Second, time.Second)
	h.AddRegistryCheck(occupancyRegistry{counts: map[domain.RoomID]int{"class-8": 0, "class-9": 1}}, 2, time.Second, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["repository"])
	assert.Equal(t, "healthy", status.Checks["registry"])
	assert.True(t, h.IsReady(context.Background()))
	assert.Empty(t, h.Failing())
}

func TestHealthChecker_ReportsFailures(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddRegistryCheck(occupancyRegistry{counts: map[domain.RoomID]int{}}, 6, time.Second, time.Second)
	h.AddCheck("broken", func(context.Context) error {
		return errors.New("down")
	}, time.Second, 0)

	status := h.GetReadinessStatus(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Contains(t, status.Checks["registry"], "want 6")
	assert.Equal(t, "down", status.Checks["broken"])
	assert.False(t, h.IsReady(context.Background()))
	assert.ElementsMatch(t, []string{"registry", "broken"}, h.Failing())
}

func TestHealthChecker_CheckTimeout(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, time.Second, 10*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}

func TestHealthChecker_LogsStateChangesOnly(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := NewHealthChecker(zap.New(core).Sugar())

	var down bool
	h.AddCheck("redis", func(context.Context) error {
		if down {
			return errors.New("connection refused")
		}
		return nil
	}, time.Second, 0)

	ctx := context.Background()
	h.CheckAll(ctx)
	down = true
	h.CheckAll(ctx)
	h.CheckAll(ctx)
	down = false
	h.CheckAll(ctx)

	require.Equal(t, 1, logs.FilterMessage("health check failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("health check recovered").Len())
}
