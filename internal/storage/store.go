// Package storage defines the job audit log: one metadata row per finished
// job. Program text, stdin and captured output are never stored.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("job run not found")

// JobRun is the audit record of one job.
type JobRun struct {
	ID            uuid.UUID     `json:"id"`
	JobID         string        `json:"job_id"`
	Folder        string        `json:"folder"`
	Language      string        `json:"language"`
	Image         string        `json:"image"`
	Status        string        `json:"status"`
	Timing        float64       `json:"timing"`
	Elapsed       time.Duration `json:"elapsed"`
	Deadline      time.Duration `json:"deadline"`
	OutputChars   int           `json:"output_chars"`
	ErrorsChars   int           `json:"errors_chars"`
	Error         string        `json:"error,omitempty"`
	CleanupFailed bool          `json:"cleanup_failed"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
}

// RunFilter narrows Query. Zero fields match everything; Limit defaults to 100.
type RunFilter struct {
	Language string
	Status   string
	Since    time.Time
	Limit    int
}

// RunStore persists job runs. Append-only apart from retention pruning.
type RunStore interface {
	Append(ctx context.Context, run JobRun) error
	Get(ctx context.Context, jobID string) (*JobRun, error)
	Query(ctx context.Context, filter RunFilter) ([]JobRun, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is implemented by both backends.
type Store interface {
	Runs() RunStore
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}
