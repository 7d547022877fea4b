package sandbox

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/codebox/internal/workspace"
)

// SupervisorConfig tunes the completion polling loop.
type SupervisorConfig struct {
	PollInterval time.Duration // Default: 100ms.
	OutputCap    int           // Characters. Default: 10000.
	Sentinel     string        // Separates program output from the elapsed time in the marker.
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.OutputCap <= 0 {
		c.OutputCap = 10000
	}
	if c.Sentinel == "" {
		c.Sentinel = "*-COMPILEBOX::ENDOFOUTPUT-*"
	}
	return c
}

// supervisor owns the poll loop of a single job. Its clock advances by one
// poll interval per tick, so elapsed time is counted in whole ticks and does
// not drift with slow filesystem reads.
type supervisor struct {
	ws     *workspace.Workspace
	job    Job
	cfg    SupervisorConfig
	logger *slog.Logger
	ticks  int
}

func newSupervisor(ws *workspace.Workspace, job Job, cfg SupervisorConfig, logger *slog.Logger) *supervisor {
	return &supervisor{
		ws:     ws,
		job:    job,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

func (s *supervisor) elapsed() time.Duration {
	return time.Duration(s.ticks) * s.cfg.PollInterval
}

// wait polls until the job completes, overflows, times out or ctx is done.
func (s *supervisor) wait(ctx context.Context) *ExecutionResult {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.canceled(ctx.Err())
		case <-ticker.C:
			s.ticks++
			if res := s.poll(); res != nil {
				res.JobID = s.job.ID
				res.Elapsed = s.elapsed()
				return res
			}
		}
	}
}

// poll runs one tick. A present marker wins over the deadline; the overflow
// check only runs while the deadline has not been reached.
func (s *supervisor) poll() *ExecutionResult {
	if marker := ReadArtifact(s.ws.CompletedPath()); marker != "" {
		return s.completed(marker)
	}

	if s.elapsed() < s.job.Deadline {
		logContent, logOver := readCapped(s.ws.LogPath(), s.cfg.OutputCap)
		errContent, errOver := readCapped(s.ws.ErrorsPath(), s.cfg.OutputCap)
		if !logOver && !errOver {
			return nil
		}
		return s.overflow(logContent, logOver, errContent, errOver)
	}

	return s.timedOut()
}

func (s *supervisor) completed(marker string) *ExecutionResult {
	output, rawTiming, ok := SplitMarker(marker, s.cfg.Sentinel)
	if !ok {
		s.logger.Warn("completion marker without sentinel",
			slog.String("job_id", s.job.ID),
			slog.String("folder", s.job.Folder),
		)
	}

	timing, err := strconv.ParseFloat(strings.TrimSpace(rawTiming), 64)
	if err != nil && ok {
		s.logger.Warn("unparsable execution time in completion marker",
			slog.String("job_id", s.job.ID),
			slog.String("timing", rawTiming),
		)
	}

	errContent, errOver := readCapped(s.ws.ErrorsPath(), s.cfg.OutputCap)
	if errOver {
		errContent = ErrorsPlaceholder
	}

	s.logger.Debug("job completed",
		slog.String("job_id", s.job.ID),
		slog.Duration("elapsed", s.elapsed()),
	)
	return &ExecutionResult{
		Output:    Bound(output, s.cfg.OutputCap, OutputPlaceholder),
		Timing:    timing,
		RawTiming: rawTiming,
		Errors:    errContent,
		Status:    StatusCompleted,
	}
}

func (s *supervisor) overflow(logContent string, logOver bool, errContent string, errOver bool) *ExecutionResult {
	if logOver {
		logContent = OutputPlaceholder
	}
	if errOver {
		errContent = ErrorsPlaceholder
	}
	s.logger.Info("job output exceeded cap",
		slog.String("job_id", s.job.ID),
		slog.String("folder", s.job.Folder),
		slog.String("language", s.job.Language),
		slog.Bool("output", logOver),
		slog.Bool("errors", errOver),
	)
	return &ExecutionResult{
		Output: logContent,
		Timing: s.job.Deadline.Seconds(),
		Errors: errContent,
		Status: StatusOverflow,
	}
}

func (s *supervisor) timedOut() *ExecutionResult {
	logContent, logOver := readCapped(s.ws.LogPath(), s.cfg.OutputCap)
	if logOver {
		logContent = OutputPlaceholder
	} else {
		logContent += "\n" + TimeoutNotice
	}
	s.logger.Info("job timed out",
		slog.String("job_id", s.job.ID),
		slog.String("folder", s.job.Folder),
		slog.String("language", s.job.Language),
		slog.Duration("deadline", s.job.Deadline),
	)
	return &ExecutionResult{
		Output: logContent,
		Timing: s.job.Deadline.Seconds(),
		Errors: TimeoutNotice,
		Status: StatusTimedOut,
	}
}

func (s *supervisor) canceled(err error) *ExecutionResult {
	logContent, logOver := readCapped(s.ws.LogPath(), s.cfg.OutputCap)
	if logOver {
		logContent = OutputPlaceholder
	}
	return &ExecutionResult{
		JobID:   s.job.ID,
		Output:  logContent,
		Timing:  s.elapsed().Seconds(),
		Errors:  CanceledNotice,
		Status:  StatusCanceled,
		Elapsed: s.elapsed(),
		Err:     err,
	}
}
