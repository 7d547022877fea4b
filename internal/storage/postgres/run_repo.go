package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/codebox/internal/storage"
)

// RunRepository implements storage.RunStore with GORM.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Append inserts a single run.
func (r *RunRepository) Append(ctx context.Context, run storage.JobRun) error {
	model := toRunModel(run)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending job run: %w", err)
	}
	return nil
}

// Get returns the latest run recorded for jobID.
func (r *RunRepository) Get(ctx context.Context, jobID string) (*storage.JobRun, error) {
	var model JobRunModel
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("finished_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting job run %s: %w", jobID, err)
	}
	run := toRunDomain(&model)
	return &run, nil
}

// Query returns runs newest first.
func (r *RunRepository) Query(ctx context.Context, filter storage.RunFilter) ([]storage.JobRun, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	q := r.db.WithContext(ctx).
		Order("finished_at DESC").
		Limit(limit)
	if filter.Language != "" {
		q = q.Where("language = ?", filter.Language)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if !filter.Since.IsZero() {
		q = q.Where("finished_at >= ?", filter.Since.UTC())
	}

	var models []JobRunModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying job runs: %w", err)
	}

	runs := make([]storage.JobRun, len(models))
	for i := range models {
		runs[i] = toRunDomain(&models[i])
	}
	return runs, nil
}

// DeleteBefore removes runs that finished before cutoff.
func (r *RunRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("finished_at < ?", cutoff.UTC()).
		Delete(&JobRunModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning job runs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func toRunModel(run storage.JobRun) JobRunModel {
	return JobRunModel{
		ID:            run.ID,
		JobID:         run.JobID,
		Folder:        run.Folder,
		Language:      run.Language,
		Image:         run.Image,
		Status:        run.Status,
		Timing:        run.Timing,
		ElapsedMS:     run.Elapsed.Milliseconds(),
		DeadlineMS:    run.Deadline.Milliseconds(),
		OutputChars:   run.OutputChars,
		ErrorsChars:   run.ErrorsChars,
		Error:         run.Error,
		CleanupFailed: run.CleanupFailed,
		StartedAt:     run.StartedAt,
		FinishedAt:    run.FinishedAt,
	}
}

func toRunDomain(m *JobRunModel) storage.JobRun {
	return storage.JobRun{
		ID:            m.ID,
		JobID:         m.JobID,
		Folder:        m.Folder,
		Language:      m.Language,
		Image:         m.Image,
		Status:        m.Status,
		Timing:        m.Timing,
		Elapsed:       time.Duration(m.ElapsedMS) * time.Millisecond,
		Deadline:      time.Duration(m.DeadlineMS) * time.Millisecond,
		OutputChars:   m.OutputChars,
		ErrorsChars:   m.ErrorsChars,
		Error:         m.Error,
		CleanupFailed: m.CleanupFailed,
		StartedAt:     m.StartedAt,
		FinishedAt:    m.FinishedAt,
	}
}

var _ storage.RunStore = (*RunRepository)(nil)
