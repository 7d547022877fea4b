package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/codebox/internal/scheduler"
	"github.com/jkaninda/codebox/internal/workspace"
)

var sweepMaxAge time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove orphaned workspaces once and exit",
	Long: `Remove job workspaces older than --max-age from the base path. Workspaces
normally disappear when their job finishes; orphans are left behind only when
the server died while supervising. Keep --max-age above the largest deadline
when a server shares the base path.`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepMaxAge, "max-age", 0, "minimum workspace age (default: sweeper.max_age_seconds)")
}

type sweepCount struct{ removed int }

func (c *sweepCount) RecordSweep(removed int, _ error) { c.removed += removed }

func runSweep(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	maxAge := sweepMaxAge
	if maxAge <= 0 {
		maxAge = cfg.Sweeper.MaxAge()
	}
	if maxAge <= cfg.Supervisor.MaxDeadline() {
		return fmt.Errorf("max-age %s must exceed the maximum deadline %s", maxAge, cfg.Supervisor.MaxDeadline())
	}

	stager, err := workspace.NewStager(workspace.Config{
		BasePath:   cfg.Workspace.BasePath,
		DataDir:    cfg.Workspace.DataDir,
		PayloadDir: cfg.Workspace.PayloadDir,
	}, logger)
	if err != nil {
		return err
	}

	// No job runs in this process, so only age protects live workspaces.
	count := &sweepCount{}
	s := scheduler.New(nil, logger)
	if err := s.Add(scheduler.SweepTask(cfg.Sweeper.CronSchedule(), stager, maxAge, nil, count, logger)); err != nil {
		return err
	}
	if err := s.RunNow(context.Background(), scheduler.TaskWorkspaceSweep); err != nil {
		return err
	}
	fmt.Printf("removed %d orphaned workspace(s) older than %s from %s\n", count.removed, maxAge, stager.BasePath())
	return nil
}
