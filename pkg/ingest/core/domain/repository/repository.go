// Package repository defines the persistence ports for jobs, executions, gaps and
// invalid-entity markers. Implementations live under infrastructure/repository.
package repository

import (
	"context"
	"errors"
	"time"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
)

var (
	// ErrJobNotFound is returned when a Job is not found.
	ErrJobNotFound = errors.New("job not found")
	// ErrExecutionNotFound is returned when an Execution is not found.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrGapNotFound is returned when a Gap is not found or is already filled.
	ErrGapNotFound = errors.New("gap not found")
	// ErrOptimisticLock is returned when a versioned update loses a race.
	ErrOptimisticLock = errors.New("optimistic locking failure")
)

func init() {
	exception.RegisterErrorType("ErrJobNotFound", ErrJobNotFound)
	exception.RegisterErrorType("ErrExecutionNotFound", ErrExecutionNotFound)
	exception.RegisterErrorType("ErrGapNotFound", ErrGapNotFound)
	exception.RegisterErrorType("ErrOptimisticLock", ErrOptimisticLock)
}

// JobRepository persists Job rows.
type JobRepository interface {
	// SaveJob inserts a new Job.
	SaveJob(ctx context.Context, job *model.Job) error
	// UpdateJob replaces the definition fields of a Job, guarded by its version.
	UpdateJob(ctx context.Context, job *model.Job) error
	// SetJobEnabled flips the enabled flag.
	SetJobEnabled(ctx context.Context, jobID string, enabled bool) error
	// RecordJobRun copies a finished execution's outcome into the job's last_run fields.
	RecordJobRun(ctx context.Context, jobID string, execution *model.Execution) error
	// FindJobByID returns ErrJobNotFound when the job does not exist.
	FindJobByID(ctx context.Context, jobID string) (*model.Job, error)
	// LockJob reads the job row with a write lock held until the surrounding transaction
	// ends, serializing launches of the same job.
	LockJob(ctx context.Context, jobID string) (*model.Job, error)
	// FindJobs lists every job ordered by id.
	FindJobs(ctx context.Context) ([]*model.Job, error)
}

// ExecutionRepository persists Execution rows. Rows are append-only; terminal rows are never rewritten.
type ExecutionRepository interface {
	// SaveExecution inserts a new Execution.
	SaveExecution(ctx context.Context, execution *model.Execution) error
	// UpdateExecutionStatus persists a non-terminal status change (queued -> running).
	UpdateExecutionStatus(ctx context.Context, execution *model.Execution) error
	// FinishExecution persists a terminal state only if the stored row is still running.
	// It returns false when the row had already been finished (cancelled, swept, ...).
	FinishExecution(ctx context.Context, execution *model.Execution) (bool, error)
	// FindExecutionByID returns ErrExecutionNotFound when the row does not exist.
	FindExecutionByID(ctx context.Context, executionID string) (*model.Execution, error)
	// FindExecutions returns history newest first.
	FindExecutions(ctx context.Context, filter model.ExecutionFilter) ([]*model.Execution, error)
	// FindRunningExecutions lists every execution whose status is running.
	FindRunningExecutions(ctx context.Context) ([]*model.Execution, error)
	// CountRunningExecutions counts running executions of one job.
	CountRunningExecutions(ctx context.Context, jobID string) (int64, error)
}

// GapRepository persists Gap rows.
type GapRepository interface {
	// SaveGaps inserts new gaps.
	SaveGaps(ctx context.Context, gaps []*model.Gap) error
	// FindGaps lists gaps matching filter ordered by priority desc, detected_at asc.
	FindGaps(ctx context.Context, filter model.GapFilter) ([]*model.Gap, error)
	// FindUnfilledGaps lists open gaps ordered by priority desc, detected_at asc.
	FindUnfilledGaps(ctx context.Context, limit int) ([]*model.Gap, error)
	// FindGapsByEntity lists open and filled gaps of one (type, entity).
	FindGapsByEntity(ctx context.Context, gapType model.GapType, entityKey string) ([]*model.Gap, error)
	// MarkGapFilled sets filled_at and fill_execution_id on an open gap.
	// It returns ErrGapNotFound when the gap does not exist or is already filled.
	MarkGapFilled(ctx context.Context, gapID string, filledAt time.Time, executionID string) error
}

// EntityRepository persists invalid-entity markers.
type EntityRepository interface {
	// MarkInvalid flags an entity so refresh cycles skip it. Re-marking updates the reason.
	MarkInvalid(ctx context.Context, entity model.InvalidEntity) error
	// IsInvalid reports whether source/entityKey is flagged.
	IsInvalid(ctx context.Context, source, entityKey string) (bool, error)
	// FindInvalid lists flagged entities of a source; empty source lists all.
	FindInvalid(ctx context.Context, source string) ([]model.InvalidEntity, error)
	// ClearInvalid removes a marker.
	ClearInvalid(ctx context.Context, source, entityKey string) error
}
