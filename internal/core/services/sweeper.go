package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"voicemesh/internal/core/ports"
	"voicemesh/pkg/tracing"

	"go.uber.org/zap"
)

// Sweeper periodically evicts inactive participants from the registry.
type Sweeper struct {
	registry ports.RoomRegistry
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *zap.SugaredLogger

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewSweeper(registry ports.RoomRegistry, interval, timeout time.Duration, logger *zap.SugaredLogger) *Sweeper {
	return &Sweeper{
		registry: registry,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs a single eviction pass.
func (s *Sweeper) Sweep(ctx context.Context) int {
	ctx, span := tracing.TraceSweep(ctx)
	defer span.End()

	began := time.Now()
	evicted := s.registry.EvictInactive(ctx, s.now(), s.timeout)
	tracing.MeasureDuration(ctx, began, "evict_inactive")
	tracing.AddSpanAttributes(ctx, tracing.EvictedKey.Int(len(evicted)))
	if len(evicted) > 0 {
		s.logger.Infow("Inactivity sweep", "evicted", len(evicted))
	}
	return len(evicted)
}

// Stop ends the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
}
