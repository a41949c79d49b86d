// Package sql implements the persistence ports over GORM. Every repository resolves its
// executor from the context, so calls made inside tx.TransactionManager.Do join the
// surrounding transaction.
package sql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	repository "github.com/tigerroll/tsingest/pkg/ingest/core/domain/repository"
	"github.com/tigerroll/tsingest/pkg/ingest/core/tx"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
)

// SQLJobRepository implements repository.JobRepository.
type SQLJobRepository struct {
	db *gorm.DB
}

// NewSQLJobRepository creates a new SQLJobRepository.
func NewSQLJobRepository(db *gorm.DB) *SQLJobRepository {
	return &SQLJobRepository{db: db}
}

func (r *SQLJobRepository) SaveJob(ctx context.Context, job *model.Job) error {
	const op = "SQLJobRepository.SaveJob"
	if err := tx.Executor(ctx, r.db).Create(fromDomainJob(job)).Error; err != nil {
		return exception.NewIngestError(op, fmt.Sprintf("failed to save Job (ID: %s)", job.ID), err, false, true)
	}
	return nil
}

// UpdateJob rewrites the definition fields. Enabled and last_run fields are owned by
// SetJobEnabled and RecordJobRun and are left untouched.
func (r *SQLJobRepository) UpdateJob(ctx context.Context, job *model.Job) error {
	const op = "SQLJobRepository.UpdateJob"
	originalVersion := job.Version
	job.UpdatedAt = time.Now().UTC()

	result := tx.Executor(ctx, r.db).Model(&JobEntity{}).
		Where("id = ? AND version = ?", job.ID, originalVersion).
		Updates(map[string]interface{}{
			"name":          job.Name,
			"kind":          string(job.Kind),
			"trigger_spec":  job.TriggerSpec,
			"max_instances": job.MaxInstances,
			"updated_at":    job.UpdatedAt,
			"version":       originalVersion + 1,
		})
	if result.Error != nil {
		return exception.NewIngestError(op, fmt.Sprintf("failed to update Job (ID: %s)", job.ID), result.Error, false, true)
	}
	if result.RowsAffected == 0 {
		return exception.NewIngestError(op, fmt.Sprintf("Job (ID: %s) with version %d not found for update", job.ID, originalVersion), repository.ErrOptimisticLock, false, false)
	}
	job.Version = originalVersion + 1
	return nil
}

func (r *SQLJobRepository) SetJobEnabled(ctx context.Context, jobID string, enabled bool) error {
	const op = "SQLJobRepository.SetJobEnabled"
	result := tx.Executor(ctx, r.db).Model(&JobEntity{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"enabled":    enabled,
			"updated_at": time.Now().UTC(),
			"version":    gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return exception.NewIngestError(op, fmt.Sprintf("failed to set enabled=%t on Job (ID: %s)", enabled, jobID), result.Error, false, true)
	}
	if result.RowsAffected == 0 {
		return exception.NewIngestError(op, fmt.Sprintf("Job (ID: %s)", jobID), repository.ErrJobNotFound, true, false)
	}
	return nil
}

func (r *SQLJobRepository) RecordJobRun(ctx context.Context, jobID string, execution *model.Execution) error {
	const op = "SQLJobRepository.RecordJobRun"
	started := execution.StartedAt.UTC()
	result := tx.Executor(ctx, r.db).Model(&JobEntity{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"last_run_time":        started,
			"last_run_status":      string(execution.Status),
			"last_run_duration_ms": execution.DurationMs,
			"last_run_error":       execution.Error,
			"updated_at":           time.Now().UTC(),
		})
	if result.Error != nil {
		return exception.NewIngestError(op, fmt.Sprintf("failed to record run of Job (ID: %s)", jobID), result.Error, false, true)
	}
	if result.RowsAffected == 0 {
		return exception.NewIngestError(op, fmt.Sprintf("Job (ID: %s)", jobID), repository.ErrJobNotFound, true, false)
	}
	return nil
}

func (r *SQLJobRepository) FindJobByID(ctx context.Context, jobID string) (*model.Job, error) {
	const op = "SQLJobRepository.FindJobByID"
	var entity JobEntity
	if err := tx.Executor(ctx, r.db).Where("id = ?", jobID).First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, exception.NewIngestError(op, fmt.Sprintf("Job (ID: %s)", jobID), repository.ErrJobNotFound, true, false)
		}
		return nil, exception.NewIngestError(op, fmt.Sprintf("failed to find Job (ID: %s)", jobID), err, false, true)
	}
	return toDomainJob(&entity), nil
}

// LockJob issues SELECT ... FOR UPDATE. The sqlite dialect drops the locking clause; there
// the immediate transaction already holds the database write lock.
func (r *SQLJobRepository) LockJob(ctx context.Context, jobID string) (*model.Job, error) {
	const op = "SQLJobRepository.LockJob"
	var entity JobEntity
	err := tx.Executor(ctx, r.db).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", jobID).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, exception.NewIngestError(op, fmt.Sprintf("Job (ID: %s)", jobID), repository.ErrJobNotFound, true, false)
		}
		return nil, exception.NewIngestError(op, fmt.Sprintf("failed to lock Job (ID: %s)", jobID), err, false, true)
	}
	return toDomainJob(&entity), nil
}

func (r *SQLJobRepository) FindJobs(ctx context.Context) ([]*model.Job, error) {
	const op = "SQLJobRepository.FindJobs"
	var entities []JobEntity
	if err := tx.Executor(ctx, r.db).Order("id ASC").Find(&entities).Error; err != nil {
		return nil, exception.NewIngestError(op, "failed to list jobs", err, false, true)
	}
	jobs := make([]*model.Job, 0, len(entities))
	for i := range entities {
		jobs = append(jobs, toDomainJob(&entities[i]))
	}
	return jobs, nil
}

var _ repository.JobRepository = (*SQLJobRepository)(nil)
