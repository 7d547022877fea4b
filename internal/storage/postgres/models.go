package postgres

import (
	"time"

	"github.com/google/uuid"
)

// JobRunModel maps to the "job_runs" table.
type JobRunModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	JobID         string    `gorm:"not null;index"`
	Folder        string    `gorm:"not null"`
	Language      string    `gorm:"not null;index:idx_job_runs_language_status"`
	Image         string    `gorm:"not null"`
	Status        string    `gorm:"not null;index:idx_job_runs_language_status"`
	Timing        float64
	ElapsedMS     int64
	DeadlineMS    int64
	OutputChars   int
	ErrorsChars   int
	Error         string
	CleanupFailed bool
	StartedAt     time.Time
	FinishedAt    time.Time `gorm:"not null;index"`
}

func (JobRunModel) TableName() string { return "job_runs" }
