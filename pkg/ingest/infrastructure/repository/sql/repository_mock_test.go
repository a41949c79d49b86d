package sql_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/core/domain/repository"
	"github.com/tigerroll/tsingest/pkg/ingest/core/tx"
	sqlrepo "github.com/tigerroll/tsingest/pkg/ingest/infrastructure/repository/sql"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
)

var errConnReset = errors.New("connection reset by peer")

// setupGormMock opens GORM over a sqlmock connection using the MySQL dialect.
func setupGormMock(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		mock.ExpectClose()
		_ = sqlDB.Close()
	})
	return gormDB, mock
}

func TestSQLJobRepository_FindJobByID_DriverErrorIsRetryable(t *testing.T) {
	db, mock := setupGormMock(t)
	repo := sqlrepo.NewSQLJobRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `ingest_job` WHERE id = ?")).
		WillReturnError(errConnReset)

	job, err := repo.FindJobByID(context.Background(), "prices-refresh")
	assert.Nil(t, job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errConnReset))
	assert.True(t, exception.IsTemporary(err))
	assert.False(t, errors.Is(err, repository.ErrJobNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLJobRepository_FindJobByID_NoRowsIsNotFound(t *testing.T) {
	db, mock := setupGormMock(t)
	repo := sqlrepo.NewSQLJobRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `ingest_job` WHERE id = ?")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.FindJobByID(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, repository.ErrJobNotFound))
	assert.True(t, exception.IsPermanent(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLJobRepository_LockJob_SelectsForUpdate(t *testing.T) {
	db, mock := setupGormMock(t)
	repo := sqlrepo.NewSQLJobRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM `+"`ingest_job`"+` WHERE id = \? .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "max_instances"}).AddRow("prices-refresh", "refresh", 2))
	mock.ExpectCommit()

	var job *model.Job
	err := tx.NewTransactionManager(db).Do(context.Background(), func(ctx context.Context) error {
		var err error
		job, err = repo.LockJob(ctx, "prices-refresh")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "prices-refresh", job.ID)
	assert.Equal(t, 2, job.MaxInstances)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLJobRepository_UpdateJob_StaleVersion(t *testing.T) {
	db, mock := setupGormMock(t)
	repo := sqlrepo.NewSQLJobRepository(db)

	job := model.NewJob("news-refresh", "News", model.JobKindRefresh, "interval:1h", true, 1)
	job.Version = 3

	mock.ExpectExec(regexp.QuoteMeta("UPDATE `ingest_job` SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateJob(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, repository.ErrOptimisticLock))
	assert.Equal(t, 3, job.Version, "version must not advance on a failed update")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLExecutionRepository_FinishExecution(t *testing.T) {
	finished := func() *model.Execution {
		exec := model.NewExecution("prices-refresh", model.TriggerScheduled)
		require.NoError(t, exec.MarkAsRunning())
		require.NoError(t, exec.MarkAsSucceeded("rows=10"))
		return exec
	}

	t.Run("driver error is wrapped as retryable", func(t *testing.T) {
		db, mock := setupGormMock(t)
		repo := sqlrepo.NewSQLExecutionRepository(db)

		mock.ExpectExec(regexp.QuoteMeta("UPDATE `ingest_execution` SET")).
			WillReturnError(errConnReset)

		ok, err := repo.FinishExecution(context.Background(), finished())
		assert.False(t, ok)
		require.Error(t, err)
		var ie *exception.IngestError
		require.True(t, errors.As(err, &ie))
		assert.Equal(t, "SQLExecutionRepository.FinishExecution", ie.Module)
		assert.True(t, exception.IsTemporary(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no running row reports false without error", func(t *testing.T) {
		db, mock := setupGormMock(t)
		repo := sqlrepo.NewSQLExecutionRepository(db)

		mock.ExpectExec(regexp.QuoteMeta("UPDATE `ingest_execution` SET")).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.FinishExecution(context.Background(), finished())
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unfinished execution never reaches the database", func(t *testing.T) {
		db, mock := setupGormMock(t)
		repo := sqlrepo.NewSQLExecutionRepository(db)

		exec := model.NewExecution("prices-refresh", model.TriggerManual)
		ok, err := repo.FinishExecution(context.Background(), exec)
		assert.False(t, ok)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSQLGapRepository_MarkGapFilled_AlreadyFilled(t *testing.T) {
	db, mock := setupGormMock(t)
	repo := sqlrepo.NewSQLGapRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE `ingest_gap` SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkGapFilled(context.Background(), "gap-1", time.Now(), "exec-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, repository.ErrGapNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}
