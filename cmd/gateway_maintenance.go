package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/goinbox/internal/config"
	"github.com/nextlevelbuilder/goinbox/internal/inbox"
	"github.com/nextlevelbuilder/goinbox/internal/scheduler"
)

// buildScheduler registers the maintenance jobs whose expressions are set.
func buildScheduler(cfg config.MaintenanceConfig, svc *inbox.Service) (*scheduler.Scheduler, error) {
	sched := scheduler.New()

	if err := sched.Add(scheduler.Job{
		Name: "presence-sweep",
		Expr: cfg.PresenceSweep,
		Run: func(ctx context.Context) error {
			n, err := svc.SweepPresence(ctx)
			if n > 0 {
				slog.Info("maintenance.presence_swept", "agents", n)
			}
			return err
		},
	}); err != nil {
		return nil, err
	}

	idleAfter := cfg.IdleAfterDuration()
	if err := sched.Add(scheduler.Job{
		Name: "idle-close",
		Expr: cfg.IdleClose,
		Run: func(ctx context.Context) error {
			n, err := svc.CloseIdle(ctx, idleAfter)
			if n > 0 {
				slog.Info("maintenance.idle_closed", "conversations", n, "idle_after", idleAfter)
			}
			return err
		},
	}); err != nil {
		return nil, err
	}
	return sched, nil
}
