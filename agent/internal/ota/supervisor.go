package ota

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"nodi-agent/agent/internal/logger"
)

// Supervisor is the single point of contact with the process supervisor.
type Supervisor interface {
	// Restart stops and starts the managed services, blocking until the
	// supervisor reports them started or the context expires.
	Restart(ctx context.Context, services []string) error
	// IsActive reports whether one service is currently running.
	IsActive(service string) bool
}

// SystemdSupervisor shells out to systemctl.
type SystemdSupervisor struct {
	Timeout time.Duration
}

func (s *SystemdSupervisor) Restart(ctx context.Context, services []string) error {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	for _, svc := range services {
		logger.Infof("Restarting service %s", svc)
		cmd := exec.CommandContext(ctx, "systemctl", "restart", svc)
		out, err := cmd.CombinedOutput()
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: restart %s timed out", ErrRestart, svc)
		}
		if err != nil {
			return fmt.Errorf("%w: restart %s: %v: %s", ErrRestart, svc, err, out)
		}
	}
	return nil
}

func (s *SystemdSupervisor) IsActive(service string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "systemctl", "is-active", "--quiet", service)
	return cmd.Run() == nil
}
