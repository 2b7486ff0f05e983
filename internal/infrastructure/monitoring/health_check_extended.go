package monitoring

import (
	"context"
	"fmt"
	"time"

	"voicemesh/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck pings the presence mirror's Redis.
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

func (h *HealthChecker) AddRepositoryCheck(repo ports.ParticipantRepository, interval, timeout time.Duration) {
	h.AddCheck("repository", func(ctx context.Context) error {
		_, err := repo.List(ctx)
		return err
	}, interval, timeout)
}

// AddRegistryCheck verifies the registry answers occupancy queries for every
// catalog room.
func (h *HealthChecker) AddRegistryCheck(registry ports.RoomRegistry, rooms int, interval, timeout time.Duration) {
	h.AddCheck("registry", func(ctx context.Context) error {
		if n := len(registry.OccupancyCounts()); n != rooms {
			return fmt.Errorf("registry reports %d rooms, want %d", n, rooms)
		}
		return nil
	}, interval, timeout)
}

// GetReadinessStatus runs every check for the readiness endpoint.
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == statusHealthy
}
