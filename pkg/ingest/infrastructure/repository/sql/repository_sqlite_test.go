package sql_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	gormadapter "github.com/tigerroll/tsingest/pkg/ingest/adapter/database/gorm"
	_ "github.com/tigerroll/tsingest/pkg/ingest/adapter/database/gorm/sqlite"
	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/core/domain/repository"
	"github.com/tigerroll/tsingest/pkg/ingest/core/tx"
	"github.com/tigerroll/tsingest/pkg/ingest/infrastructure/migration"
	sqlrepo "github.com/tigerroll/tsingest/pkg/ingest/infrastructure/repository/sql"
)

// setupSQLiteTestDB opens a migrated private in-memory database.
func setupSQLiteTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	cfg := config.DatabaseConfig{Type: "sqlite", Database: ":memory:", LogLevel: "SILENT"}
	db, err := gormadapter.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, migration.NewMigrator(db, cfg).Up(context.Background()))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestJobRepository_SaveFindUpdate(t *testing.T) {
	ctx := context.Background()
	repo := sqlrepo.NewSQLJobRepository(setupSQLiteTestDB(t))

	job := model.NewJob("prices-refresh", "Prices refresh", model.JobKindRefresh, "cron:0 22 * * 1-5", true, 0)
	require.NoError(t, repo.SaveJob(ctx, job))

	found, err := repo.FindJobByID(ctx, "prices-refresh")
	require.NoError(t, err)
	assert.Equal(t, model.JobKindRefresh, found.Kind)
	assert.Equal(t, 1, found.MaxInstances)
	assert.True(t, found.Enabled)
	assert.Nil(t, found.LastRunTime)

	found.TriggerSpec = "interval:1h"
	require.NoError(t, repo.UpdateJob(ctx, found))
	assert.Equal(t, 1, found.Version)

	// a stale copy loses the race
	job.TriggerSpec = "manual"
	err = repo.UpdateJob(ctx, job)
	assert.ErrorIs(t, err, repository.ErrOptimisticLock)

	reloaded, err := repo.FindJobByID(ctx, "prices-refresh")
	require.NoError(t, err)
	assert.Equal(t, "interval:1h", reloaded.TriggerSpec)
}

func TestJobRepository_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := sqlrepo.NewSQLJobRepository(setupSQLiteTestDB(t))

	_, err := repo.FindJobByID(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrJobNotFound)
	assert.ErrorIs(t, repo.SetJobEnabled(ctx, "missing", false), repository.ErrJobNotFound)
}

func TestJobRepository_EnableAndRecordRun(t *testing.T) {
	ctx := context.Background()
	repo := sqlrepo.NewSQLJobRepository(setupSQLiteTestDB(t))
	require.NoError(t, repo.SaveJob(ctx, model.NewJob("gaps", "", model.JobKindDetectGaps, "interval:6h", true, 1)))

	require.NoError(t, repo.SetJobEnabled(ctx, "gaps", false))

	exec := model.NewExecution("gaps", model.TriggerScheduled)
	require.NoError(t, exec.MarkAsRunning())
	require.NoError(t, exec.MarkAsSucceeded("3 gaps"))
	require.NoError(t, repo.RecordJobRun(ctx, "gaps", exec))

	job, err := repo.FindJobByID(ctx, "gaps")
	require.NoError(t, err)
	assert.False(t, job.Enabled)
	assert.Equal(t, model.ExecutionSuccess, job.LastRunStatus)
	require.NotNil(t, job.LastRunTime)
	assert.WithinDuration(t, exec.StartedAt, *job.LastRunTime, time.Millisecond)

	jobs, err := repo.FindJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestExecutionRepository_FinishIsConditionalOnRunning(t *testing.T) {
	ctx := context.Background()
	repo := sqlrepo.NewSQLExecutionRepository(setupSQLiteTestDB(t))

	exec := model.NewExecution("job-1", model.TriggerManual)
	require.NoError(t, repo.SaveExecution(ctx, exec))
	require.NoError(t, exec.MarkAsRunning())
	require.NoError(t, repo.UpdateExecutionStatus(ctx, exec))

	count, err := repo.CountRunningExecutions(ctx, "job-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	cancelled := *exec
	require.NoError(t, cancelled.MarkAsCancelled("cancelled by operator"))
	ok, err := repo.FinishExecution(ctx, &cancelled)
	require.NoError(t, err)
	assert.True(t, ok)

	// the worker finishing later must not overwrite the cancellation
	require.NoError(t, exec.MarkAsSucceeded("done"))
	ok, err = repo.FinishExecution(ctx, exec)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := repo.FindExecutionByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCancelled, stored.Status)
	assert.NotNil(t, stored.FinishedAt)

	running, err := repo.FindRunningExecutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestExecutionRepository_FindExecutionsFilters(t *testing.T) {
	ctx := context.Background()
	repo := sqlrepo.NewSQLExecutionRepository(setupSQLiteTestDB(t))

	for i := 0; i < 3; i++ {
		e := model.NewExecution("job-a", model.TriggerScheduled)
		e.StartedAt = time.Date(2024, 1, 1+i, 12, 0, 0, 0, time.UTC)
		require.NoError(t, repo.SaveExecution(ctx, e))
	}
	other := model.NewExecution("job-b", model.TriggerAPI)
	require.NoError(t, repo.SaveExecution(ctx, other))

	list, err := repo.FindExecutions(ctx, model.ExecutionFilter{JobID: "job-a"})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.True(t, list[0].StartedAt.After(list[1].StartedAt), "newest first")

	list, err = repo.FindExecutions(ctx, model.ExecutionFilter{JobID: "job-a", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = repo.FindExecutions(ctx, model.ExecutionFilter{
		From: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 1, 2, 23, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = repo.FindExecutionByID(ctx, "nope")
	assert.ErrorIs(t, err, repository.ErrExecutionNotFound)
}

func TestGapRepository_OrderingAndFill(t *testing.T) {
	ctx := context.Background()
	repo := sqlrepo.NewSQLGapRepository(setupSQLiteTestDB(t))

	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	low := model.NewGap(model.GapTypePrices, "ACME", day(1), day(2), 2, model.SeverityLow, 8)
	crit := model.NewGap(model.GapTypePrices, "ACME", day(8), day(11), 4, model.SeverityCritical, 40)
	news := model.NewGap(model.GapTypeNews, "ai", day(3), day(3), 1, model.SeverityCritical, 10)
	require.NoError(t, repo.SaveGaps(ctx, []*model.Gap{low, crit, news}))

	open, err := repo.FindUnfilledGaps(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 3)
	assert.Equal(t, crit.ID, open[0].ID)
	assert.Equal(t, day(8), open[0].FromDate)
	assert.Equal(t, day(11), open[0].ToDate)

	require.NoError(t, repo.MarkGapFilled(ctx, crit.ID, time.Now(), "exec-1"))
	assert.ErrorIs(t, repo.MarkGapFilled(ctx, crit.ID, time.Now(), "exec-2"), repository.ErrGapNotFound)

	open, err = repo.FindUnfilledGaps(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	filled := true
	done, err := repo.FindGaps(ctx, model.GapFilter{Filled: &filled})
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.NotNil(t, done[0].FillExecutionID)
	assert.Equal(t, "exec-1", *done[0].FillExecutionID)

	byEntity, err := repo.FindGapsByEntity(ctx, model.GapTypePrices, "ACME")
	require.NoError(t, err)
	assert.Len(t, byEntity, 2)

	crits, err := repo.FindGaps(ctx, model.GapFilter{Severity: model.SeverityCritical, Type: model.GapTypeNews})
	require.NoError(t, err)
	assert.Len(t, crits, 1)
}

func TestEntityRepository_MarkAndClear(t *testing.T) {
	ctx := context.Background()
	repo := sqlrepo.NewSQLEntityRepository(setupSQLiteTestDB(t))

	mark := model.InvalidEntity{Source: "prices", EntityKey: "ZZZZ", Reason: "404", MarkedAt: time.Now()}
	require.NoError(t, repo.MarkInvalid(ctx, mark))
	mark.Reason = "410"
	require.NoError(t, repo.MarkInvalid(ctx, mark))

	invalid, err := repo.IsInvalid(ctx, "prices", "ZZZZ")
	require.NoError(t, err)
	assert.True(t, invalid)

	list, err := repo.FindInvalid(ctx, "prices")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "410", list[0].Reason)

	require.NoError(t, repo.ClearInvalid(ctx, "prices", "ZZZZ"))
	invalid, err = repo.IsInvalid(ctx, "prices", "ZZZZ")
	require.NoError(t, err)
	assert.False(t, invalid)
}

func TestTransactionManager_RollsBackRepositoryWrites(t *testing.T) {
	ctx := context.Background()
	db := setupSQLiteTestDB(t)
	jobs := sqlrepo.NewSQLJobRepository(db)
	txm := tx.NewTransactionManager(db)

	err := txm.Do(ctx, func(ctx context.Context) error {
		require.NoError(t, jobs.SaveJob(ctx, model.NewJob("tmp", "", model.JobKindAdHoc, "manual", true, 1)))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = jobs.FindJobByID(ctx, "tmp")
	assert.ErrorIs(t, err, repository.ErrJobNotFound)
}
