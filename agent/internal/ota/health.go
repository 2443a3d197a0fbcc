package ota

import (
	"context"
	"fmt"
	"time"

	"nodi-agent/agent/internal/logger"
)

// HealthChecker probes the restarted system a bounded number of times.
// Probes run sequentially with a fixed inter-attempt delay, never in
// parallel.
type HealthChecker struct {
	Retries  int
	Interval time.Duration
	Probe    func() bool
}

// ServiceProbe reports healthy when every managed service is active.
func ServiceProbe(sup Supervisor, services []string) func() bool {
	return func() bool {
		for _, svc := range services {
			if !sup.IsActive(svc) {
				return false
			}
		}
		return true
	}
}

// Check waits out the interval before each attempt, giving the services time
// to come up, and fails after the final attempt.
func (h *HealthChecker) Check(ctx context.Context) error {
	retries := h.Retries
	if retries <= 0 {
		retries = 1
	}
	for attempt := 1; attempt <= retries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrHealthCheck, ctx.Err())
		case <-time.After(h.Interval):
		}
		if h.Probe() {
			logger.Infof("Health check passed on attempt %d/%d", attempt, retries)
			return nil
		}
		logger.Warnf("Health check attempt %d/%d failed", attempt, retries)
	}
	return fmt.Errorf("%w: unhealthy after %d attempts", ErrHealthCheck, retries)
}
