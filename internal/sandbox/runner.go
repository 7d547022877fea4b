package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/codebox/internal/workspace"
)

const recordTimeout = 5 * time.Second

// RunRecorder receives every finished job after its result was delivered.
type RunRecorder interface {
	RecordRun(ctx context.Context, job Job, res *ExecutionResult, startedAt time.Time) error
}

// Runner drives the staging, launch, supervision and cleanup of jobs.
// Every job gets its own goroutine and supervisor; jobs share nothing but the
// read-only stager configuration.
type Runner struct {
	stager   *workspace.Stager
	launcher Launcher
	cfg      SupervisorConfig
	logger   *slog.Logger
	recorder RunRecorder

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

// NewRunner creates a Runner.
func NewRunner(stager *workspace.Stager, launcher Launcher, cfg SupervisorConfig, logger *slog.Logger) *Runner {
	return &Runner{
		stager:   stager,
		launcher: launcher,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		active:   make(map[string]struct{}),
	}
}

// WithRecorder attaches a recorder that is told about every finished job.
func (r *Runner) WithRecorder(rec RunRecorder) *Runner {
	r.recorder = rec
	return r
}

// Start runs job in the background. The channel receives exactly one result,
// after the workspace has been removed, and is then closed.
func (r *Runner) Start(ctx context.Context, job Job) <-chan *ExecutionResult {
	out := make(chan *ExecutionResult, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(out)

		startedAt := time.Now()
		res := r.run(ctx, job)
		out <- res
		r.record(ctx, job, res, startedAt)
	}()
	return out
}

// Busy reports whether folder belongs to a job this runner is still supervising.
func (r *Runner) Busy(folder string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[folder]
	return ok
}

// Wait blocks until every started job has delivered its result.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, job Job) *ExecutionResult {
	logger := r.logger.With(slog.String("job_id", job.ID), slog.String("folder", job.Folder))

	if err := job.Validate(); err != nil {
		return failed(job, StatusStagingFailed, &workspace.StagingError{Folder: job.Folder, Err: err})
	}
	if !r.claim(job.Folder) {
		return failed(job, StatusStagingFailed, &workspace.StagingError{Folder: job.Folder, Err: workspace.ErrExists})
	}
	defer r.release(job.Folder)

	ws, err := r.stager.Stage(ctx, job.stagingInput())
	if err != nil {
		res := failed(job, StatusStagingFailed, err)
		var stagingErr *workspace.StagingError
		if errors.As(err, &stagingErr) && stagingErr.Created {
			res.CleanupErr = r.cleanup(logger, ws)
		}
		return res
	}

	proc, err := r.launcher.Launch(ctx, ws, job)
	if err != nil {
		logger.Error("launch failed", slog.String("error", err.Error()))
		res := failed(job, StatusLaunchFailed, err)
		res.CleanupErr = r.cleanup(logger, ws)
		return res
	}

	logger.Info("job launched",
		slog.String("language", job.Language),
		slog.String("image", job.Image),
		slog.Duration("deadline", job.Deadline),
	)

	res := newSupervisor(ws, job, r.cfg, logger).wait(ctx)
	proc.Stop()
	res.CleanupErr = r.cleanup(logger, ws)

	logger.Info("job finished",
		slog.String("status", string(res.Status)),
		slog.Duration("elapsed", res.Elapsed),
	)
	return res
}

// cleanup removes the workspace; failures are logged and returned for metrics only.
func (r *Runner) cleanup(logger *slog.Logger, ws *workspace.Workspace) error {
	if err := r.stager.Remove(ws); err != nil {
		logger.Warn("workspace cleanup failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (r *Runner) record(ctx context.Context, job Job, res *ExecutionResult, startedAt time.Time) {
	if r.recorder == nil {
		return
	}
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := r.recorder.RecordRun(recCtx, job, res, startedAt); err != nil {
		r.logger.Warn("recording job run failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Runner) claim(folder string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[folder]; ok {
		return false
	}
	r.active[folder] = struct{}{}
	return true
}

func (r *Runner) release(folder string) {
	r.mu.Lock()
	delete(r.active, folder)
	r.mu.Unlock()
}

func failed(job Job, status Status, err error) *ExecutionResult {
	return &ExecutionResult{
		JobID:  job.ID,
		Errors: FailedNotice,
		Status: status,
		Err:    fmt.Errorf("job %s: %w", job.ID, err),
	}
}

var _ Executor = (*Runner)(nil)
