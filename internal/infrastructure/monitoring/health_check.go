package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// CheckFunc reports a dependency as unhealthy by returning an error.
type CheckFunc func(ctx context.Context) error

type HealthCheck struct {
	Name     string
	Check    CheckFunc
	Interval time.Duration
	Timeout  time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// HealthChecker runs dependency checks on demand and in the background.
// Background runs only log when a check changes state.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
	failed map[string]bool

	logger *zap.SugaredLogger
}

func NewHealthChecker(logger *zap.SugaredLogger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HealthChecker{
		failed: make(map[string]bool),
		logger: logger,
	}
}

func (h *HealthChecker) AddCheck(name string, check CheckFunc, interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{
		Name:     name,
		Check:    check,
		Interval: interval,
		Timeout:  timeout,
	})
}

func (h *HealthChecker) snapshot() []HealthCheck {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]HealthCheck(nil), h.checks...)
}

// CheckAll runs every check now.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    statusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}
	for _, check := range h.snapshot() {
		err := h.run(ctx, check)
		if err != nil {
			status.Status = statusUnhealthy
			status.Checks[check.Name] = err.Error()
			continue
		}
		status.Checks[check.Name] = statusHealthy
	}
	return status
}

// run executes one check under its timeout and records the outcome.
func (h *HealthChecker) run(ctx context.Context, check HealthCheck) error {
	if check.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, check.Timeout)
		defer cancel()
	}
	err := check.Check(ctx)

	h.mu.Lock()
	wasFailed := h.failed[check.Name]
	h.failed[check.Name] = err != nil
	h.mu.Unlock()

	switch {
	case err != nil && !wasFailed:
		h.logger.Warnw("health check failed", "check", check.Name, "error", err)
	case err == nil && wasFailed:
		h.logger.Infow("health check recovered", "check", check.Name)
	}
	return err
}

// StartBackgroundChecks runs each check on its own interval until ctx is done.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	for _, check := range h.snapshot() {
		if check.Interval <= 0 {
			continue
		}
		go h.runPeriodically(ctx, check)
	}
}

func (h *HealthChecker) runPeriodically(ctx context.Context, check HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = h.run(ctx, check)
		}
	}
}

// Failing lists checks whose most recent run failed.
func (h *HealthChecker) Failing() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for name, failed := range h.failed {
		if failed {
			out = append(out, name)
		}
	}
	return out
}
