// Package sandbox supervises one untrusted program per job: it stages a
// workspace, launches the isolated execution against it, polls the workspace
// for the completion marker until the deadline, bounds the captured streams
// and removes the workspace before handing back exactly one result.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jkaninda/codebox/internal/workspace"
)

// Status is the terminal state of a job.
type Status string

const (
	StatusCompleted     Status = "completed"
	StatusTimedOut      Status = "timed_out"
	StatusOverflow      Status = "overflow"
	StatusStagingFailed Status = "staging_failed"
	StatusLaunchFailed  Status = "launch_failed"
	StatusCanceled      Status = "canceled"
)

// Job is the immutable description of one execution.
type Job struct {
	ID         string        // Correlates logs, traces and audit records.
	Deadline   time.Duration // Wall-clock budget for compile and run.
	Folder     string        // Workspace folder name, unique among running jobs.
	Image      string        // Toolchain image.
	Compiler   string        // Toolchain invocation, passed to the entry script as one argument.
	SourceFile string        // Program file name inside the workspace.
	RunCommand string        // Optional run step for compiled languages.
	Language   string        // Human-readable label.
	AssetDir   string        // Language bundle directory under the data dir.
	Code       string        // Program text. Empty = the bundle already carries SourceFile.
	Stdin      string
}

// Validate checks the fields every launcher relies on.
func (j Job) Validate() error {
	switch {
	case j.Deadline <= 0:
		return errors.New("deadline must be positive")
	case j.Image == "":
		return errors.New("image is required")
	case j.Compiler == "":
		return errors.New("compiler is required")
	case j.SourceFile == "":
		return errors.New("source file is required")
	}
	return workspace.ValidateFolder(j.Folder)
}

func (j Job) stagingInput() workspace.Input {
	return workspace.Input{
		Folder:     j.Folder,
		AssetDir:   j.AssetDir,
		SourceFile: j.SourceFile,
		Code:       j.Code,
		Stdin:      j.Stdin,
	}
}

// ExecutionResult is produced exactly once per job.
type ExecutionResult struct {
	JobID  string  `json:"job_id"`
	Output string  `json:"output"`
	Timing float64 `json:"timing"` // Seconds: measured on completion, the deadline on timeout or overflow.
	Errors string  `json:"errors"`
	Status Status  `json:"status"`

	RawTiming  string        `json:"-"` // Timing text as written after the sentinel.
	Elapsed    time.Duration `json:"-"` // Supervisor clock at the terminal transition.
	Err        error         `json:"-"` // Set for staging, launch and cancellation failures.
	CleanupErr error         `json:"-"` // Workspace removal failure; logged, never fatal.
}

// Launcher starts the isolated execution of a staged workspace and returns
// without waiting for it. Results are observed through the workspace files only.
type Launcher interface {
	Launch(ctx context.Context, ws *workspace.Workspace, job Job) (Process, error)
}

// Process is a launched execution. Stop is called once the supervisor is done;
// it must not defeat the launcher's own hard kill and is safe to call more
// than once.
type Process interface {
	Stop()
}

// Executor runs jobs asynchronously. The returned channel receives exactly
// one result and is then closed.
type Executor interface {
	Start(ctx context.Context, job Job) <-chan *ExecutionResult
}

// Run starts job on e and blocks until its result is available.
func Run(ctx context.Context, e Executor, job Job) *ExecutionResult {
	return <-e.Start(ctx, job)
}

// LaunchError reports that the isolated execution could not be spawned.
type LaunchError struct {
	Launcher string
	Err      error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("%s launcher: %v", e.Launcher, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
