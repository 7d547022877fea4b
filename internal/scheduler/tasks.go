package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Task names.
const (
	TaskWorkspaceSweep = "workspace-sweep"
	TaskAuditRetention = "audit-retention"
)

// WorkspaceSweeper removes stale workspaces. Implemented by workspace.Stager.
type WorkspaceSweeper interface {
	Sweep(ctx context.Context, maxAge time.Duration, busy func(folder string) bool) ([]string, error)
}

// SweepRecorder receives the outcome of every sweep. May be a nil pointer.
type SweepRecorder interface {
	RecordSweep(removed int, err error)
}

// RunPruner deletes audit records older than a cutoff. Implemented by storage.RunStore.
type RunPruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweepTask reclaims workspaces older than maxAge that no running job owns.
// Workspaces only outlive their job when the process died mid-supervision.
func SweepTask(schedule string, sweeper WorkspaceSweeper, maxAge time.Duration, busy func(string) bool, rec SweepRecorder, logger *slog.Logger) Task {
	return Task{
		Name:     TaskWorkspaceSweep,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			removed, err := sweeper.Sweep(ctx, maxAge, busy)
			if rec != nil {
				rec.RecordSweep(len(removed), err)
			}
			if len(removed) > 0 {
				logger.InfoContext(ctx, "orphaned workspaces reclaimed",
					slog.Int("count", len(removed)),
					slog.Duration("max_age", maxAge),
				)
			}
			return err
		},
	}
}

// RetentionTask deletes audit records older than retention.
func RetentionTask(schedule string, runs RunPruner, retention time.Duration, logger *slog.Logger) Task {
	return Task{
		Name:     TaskAuditRetention,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := runs.DeleteBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				return err
			}
			if n > 0 {
				logger.InfoContext(ctx, "job audit records pruned",
					slog.Int64("count", n),
					slog.Duration("retention", retention),
				)
			}
			return nil
		},
	}
}
