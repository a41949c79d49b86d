package sql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	repository "github.com/tigerroll/tsingest/pkg/ingest/core/domain/repository"
	"github.com/tigerroll/tsingest/pkg/ingest/core/tx"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
)

// DefaultHistoryLimit caps execution and gap listings when the caller sets no limit.
const DefaultHistoryLimit = 100

// SQLExecutionRepository implements repository.ExecutionRepository.
type SQLExecutionRepository struct {
	db *gorm.DB
}

// NewSQLExecutionRepository creates a new SQLExecutionRepository.
func NewSQLExecutionRepository(db *gorm.DB) *SQLExecutionRepository {
	return &SQLExecutionRepository{db: db}
}

func (r *SQLExecutionRepository) SaveExecution(ctx context.Context, execution *model.Execution) error {
	const op = "SQLExecutionRepository.SaveExecution"
	if err := tx.Executor(ctx, r.db).Create(fromDomainExecution(execution)).Error; err != nil {
		return exception.NewIngestError(op, fmt.Sprintf("failed to save Execution (ID: %s)", execution.ID), err, false, true)
	}
	return nil
}

func (r *SQLExecutionRepository) UpdateExecutionStatus(ctx context.Context, execution *model.Execution) error {
	const op = "SQLExecutionRepository.UpdateExecutionStatus"
	if execution.Status.IsFinished() {
		return exception.NewIngestErrorf(op, "Execution (ID: %s) is %s; use FinishExecution", execution.ID, execution.Status)
	}
	result := tx.Executor(ctx, r.db).Model(&ExecutionEntity{}).
		Where("id = ? AND finished_at IS NULL", execution.ID).
		Updates(map[string]interface{}{
			"status":     string(execution.Status),
			"started_at": execution.StartedAt.UTC(),
		})
	if result.Error != nil {
		return exception.NewIngestError(op, fmt.Sprintf("failed to update Execution (ID: %s)", execution.ID), result.Error, false, true)
	}
	if result.RowsAffected == 0 {
		return exception.NewIngestError(op, fmt.Sprintf("Execution (ID: %s)", execution.ID), repository.ErrExecutionNotFound, true, false)
	}
	return nil
}

// FinishExecution writes the terminal state with a conditional update on status = running.
// A row that was cancelled or reclassified meanwhile is left as is and false is returned.
func (r *SQLExecutionRepository) FinishExecution(ctx context.Context, execution *model.Execution) (bool, error) {
	const op = "SQLExecutionRepository.FinishExecution"
	if !execution.Status.IsFinished() || execution.FinishedAt == nil {
		return false, exception.NewIngestErrorf(op, "Execution (ID: %s) is not finished (status: %s)", execution.ID, execution.Status)
	}
	result := tx.Executor(ctx, r.db).Model(&ExecutionEntity{}).
		Where("id = ? AND status = ?", execution.ID, string(model.ExecutionRunning)).
		Updates(map[string]interface{}{
			"status":         string(execution.Status),
			"finished_at":    execution.FinishedAt.UTC(),
			"duration_ms":    execution.DurationMs,
			"error":          execution.Error,
			"result_summary": execution.ResultSummary,
		})
	if result.Error != nil {
		return false, exception.NewIngestError(op, fmt.Sprintf("failed to finish Execution (ID: %s)", execution.ID), result.Error, false, true)
	}
	return result.RowsAffected > 0, nil
}

func (r *SQLExecutionRepository) FindExecutionByID(ctx context.Context, executionID string) (*model.Execution, error) {
	const op = "SQLExecutionRepository.FindExecutionByID"
	var entity ExecutionEntity
	if err := tx.Executor(ctx, r.db).Where("id = ?", executionID).First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, exception.NewIngestError(op, fmt.Sprintf("Execution (ID: %s)", executionID), repository.ErrExecutionNotFound, true, false)
		}
		return nil, exception.NewIngestError(op, fmt.Sprintf("failed to find Execution (ID: %s)", executionID), err, false, true)
	}
	return toDomainExecution(&entity), nil
}

func (r *SQLExecutionRepository) FindExecutions(ctx context.Context, filter model.ExecutionFilter) ([]*model.Execution, error) {
	const op = "SQLExecutionRepository.FindExecutions"
	q := tx.Executor(ctx, r.db).Model(&ExecutionEntity{})
	if filter.JobID != "" {
		q = q.Where("job_id = ?", filter.JobID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if !filter.From.IsZero() {
		q = q.Where("started_at >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		q = q.Where("started_at <= ?", filter.To.UTC())
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var entities []ExecutionEntity
	if err := q.Order("started_at DESC").Limit(limit).Find(&entities).Error; err != nil {
		return nil, exception.NewIngestError(op, "failed to list executions", err, false, true)
	}
	return toDomainExecutions(entities), nil
}

func (r *SQLExecutionRepository) FindRunningExecutions(ctx context.Context) ([]*model.Execution, error) {
	const op = "SQLExecutionRepository.FindRunningExecutions"
	var entities []ExecutionEntity
	if err := tx.Executor(ctx, r.db).Where("status = ?", string(model.ExecutionRunning)).Order("started_at ASC").Find(&entities).Error; err != nil {
		return nil, exception.NewIngestError(op, "failed to list running executions", err, false, true)
	}
	return toDomainExecutions(entities), nil
}

func (r *SQLExecutionRepository) CountRunningExecutions(ctx context.Context, jobID string) (int64, error) {
	const op = "SQLExecutionRepository.CountRunningExecutions"
	var count int64
	err := tx.Executor(ctx, r.db).Model(&ExecutionEntity{}).
		Where("job_id = ? AND status = ?", jobID, string(model.ExecutionRunning)).
		Count(&count).Error
	if err != nil {
		return 0, exception.NewIngestError(op, fmt.Sprintf("failed to count running executions of Job (ID: %s)", jobID), err, false, true)
	}
	return count, nil
}

func toDomainExecutions(entities []ExecutionEntity) []*model.Execution {
	out := make([]*model.Execution, 0, len(entities))
	for i := range entities {
		out = append(out, toDomainExecution(&entities[i]))
	}
	return out
}

var _ repository.ExecutionRepository = (*SQLExecutionRepository)(nil)
