// Package scheduler runs codebox's periodic maintenance tasks on cron
// schedules: reclaiming orphaned workspaces and pruning the job audit log.
// Tasks never overlap with themselves; a run that is still going when its
// next slot arrives causes that slot to be skipped.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultPollInterval = time.Second

// Task is a named unit of periodic work.
type Task struct {
	Name     string
	Schedule string // Standard 5-field cron expression.
	Run      func(ctx context.Context) error
}

type entry struct {
	task     Task
	schedule cron.Schedule
	next     time.Time
	running  bool
}

// Scheduler fires registered tasks when their schedule is due.
type Scheduler struct {
	mu      sync.Mutex
	entries []*entry
	wg      sync.WaitGroup

	parser       cron.Parser
	pollInterval time.Duration
	metrics      *Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// New creates an empty Scheduler. metrics may be nil.
func New(metrics *Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		pollInterval: defaultPollInterval,
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
	}
}

// Add registers a task. The cron expression is validated immediately.
func (s *Scheduler) Add(task Task) error {
	if task.Name == "" || task.Run == nil {
		return fmt.Errorf("task name and run function are required")
	}
	sched, err := s.parser.Parse(task.Schedule)
	if err != nil {
		return fmt.Errorf("task %s: invalid schedule %q: %w", task.Name, task.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{
		task:     task,
		schedule: sched,
		next:     sched.Next(s.now()),
	})
	return nil
}

// Start begins the scheduler loop. Returns a function that stops the loop
// and waits for running tasks to return.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.logger.InfoContext(ctx, "scheduler started",
			slog.Any("tasks", s.Tasks()),
			slog.Duration("poll_interval", s.pollInterval),
		)

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler stopped")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
		s.wg.Wait()
	}
}

// RunNow executes the named task synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var e *entry
	for _, candidate := range s.entries {
		if candidate.task.Name == name {
			e = candidate
			break
		}
	}
	if e == nil {
		s.mu.Unlock()
		return fmt.Errorf("unknown task %q", name)
	}
	if e.running {
		s.mu.Unlock()
		return fmt.Errorf("task %q is already running", name)
	}
	e.running = true
	s.mu.Unlock()

	return s.fire(ctx, e)
}

// tick starts every task whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		e.next = e.schedule.Next(now)
		if e.running {
			s.logger.WarnContext(ctx, "scheduled task still running, skipping",
				slog.String("task", e.task.Name),
			)
			if s.metrics != nil {
				s.metrics.TasksSkipped.WithLabelValues(e.task.Name).Inc()
			}
			continue
		}
		e.running = true
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.fire(ctx, e)
		}()
	}
}

// fire runs one task and records the outcome. e.running must already be set.
func (s *Scheduler) fire(ctx context.Context, e *entry) error {
	defer func() {
		s.mu.Lock()
		e.running = false
		s.mu.Unlock()
	}()

	runID := newRunID()
	start := time.Now()
	s.logger.DebugContext(ctx, "scheduled task firing",
		slog.String("task", e.task.Name),
		slog.String("run_id", runID),
	)

	err := e.task.Run(ctx)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
		s.logger.ErrorContext(ctx, "scheduled task failed",
			slog.String("task", e.task.Name),
			slog.String("run_id", runID),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.DebugContext(ctx, "scheduled task finished",
			slog.String("task", e.task.Name),
			slog.String("run_id", runID),
			slog.Duration("duration", duration),
		)
	}

	if s.metrics != nil {
		s.metrics.TaskRuns.WithLabelValues(e.task.Name, status).Inc()
		s.metrics.TaskDuration.WithLabelValues(e.task.Name).Observe(duration.Seconds())
	}
	return err
}

// Tasks returns the names of the registered tasks in registration order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		names = append(names, e.task.Name)
	}
	return names
}

// NextRunFrom computes the next run time of a cron expression after from.
func NextRunFrom(expr string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

func newRunID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
