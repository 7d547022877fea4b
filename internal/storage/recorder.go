package storage

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jkaninda/codebox/internal/sandbox"
)

// Recorder writes every finished job to a RunStore.
type Recorder struct {
	runs RunStore
	now  func() time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(runs RunStore) *Recorder {
	return &Recorder{runs: runs, now: time.Now}
}

// RecordRun appends the metadata of res.
func (r *Recorder) RecordRun(ctx context.Context, job sandbox.Job, res *sandbox.ExecutionResult, startedAt time.Time) error {
	return r.runs.Append(ctx, NewJobRun(job, res, startedAt, r.now()))
}

// NewJobRun converts a job and its result into an audit record.
func NewJobRun(job sandbox.Job, res *sandbox.ExecutionResult, startedAt, finishedAt time.Time) JobRun {
	run := JobRun{
		ID:            uuid.New(),
		JobID:         job.ID,
		Folder:        job.Folder,
		Language:      job.Language,
		Image:         job.Image,
		Status:        string(res.Status),
		Timing:        res.Timing,
		Elapsed:       res.Elapsed,
		Deadline:      job.Deadline,
		OutputChars:   utf8.RuneCountInString(res.Output),
		ErrorsChars:   utf8.RuneCountInString(res.Errors),
		CleanupFailed: res.CleanupErr != nil,
		StartedAt:     startedAt.UTC(),
		FinishedAt:    finishedAt.UTC(),
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}
	return run
}

var _ sandbox.RunRecorder = (*Recorder)(nil)
