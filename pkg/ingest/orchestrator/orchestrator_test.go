package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/core/domain/repository"
	"github.com/tigerroll/tsingest/pkg/ingest/core/metrics"
	"github.com/tigerroll/tsingest/pkg/ingest/core/tx"
	sqlrepo "github.com/tigerroll/tsingest/pkg/ingest/infrastructure/repository/sql"
	"github.com/tigerroll/tsingest/pkg/ingest/test"
)

type fixture struct {
	orch  *Orchestrator
	jobs  repository.JobRepository
	execs repository.ExecutionRepository

	mu      sync.Mutex
	runners map[string]JobRunner
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	db := test.NewSQLiteDB(t)
	f := &fixture{
		jobs:    sqlrepo.NewSQLJobRepository(db),
		execs:   sqlrepo.NewSQLExecutionRepository(db),
		runners: make(map[string]JobRunner),
	}
	factory := func(def config.JobDefinition) (JobRunner, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		r, ok := f.runners[def.ID]
		if !ok {
			return nil, errors.New("no runner")
		}
		return r, nil
	}
	f.orch = New(f.jobs, f.execs, tx.NewTransactionManager(db), NewDispatcher(4), factory,
		metrics.NewNoOpMetricRecorder(), metrics.NewNoOpTracer(), timeout)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.orch.Shutdown(ctx)
	})
	return f
}

func (f *fixture) bootstrap(t *testing.T, id string, runner JobRunner, maxInstances int) {
	t.Helper()
	f.mu.Lock()
	f.runners[id] = runner
	f.mu.Unlock()
	def := config.JobDefinition{ID: id, Kind: string(model.JobKindRefresh), Trigger: "interval:1h", MaxInstances: maxInstances}
	require.NoError(t, f.orch.Bootstrap(context.Background(), []config.JobDefinition{def}))
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Wait(ctx))
}

func (f *fixture) execution(t *testing.T, id string) *model.Execution {
	t.Helper()
	exec, err := f.execs.FindExecutionByID(context.Background(), id)
	require.NoError(t, err)
	return exec
}

// blockingRunner returns a runner that signals started and waits for release.
func blockingRunner(started chan<- struct{}, release <-chan struct{}) JobRunner {
	return RunnerFunc(func(ctx context.Context, _ *model.Execution) (string, error) {
		started <- struct{}{}
		<-release
		return "done", nil
	})
}

func TestOrchestrator_TriggerNowSucceeds(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.bootstrap(t, "refresh", RunnerFunc(func(ctx context.Context, _ *model.Execution) (string, error) {
		return "entities=2 ok=2 rows=10", nil
	}), 1)

	exec, err := f.orch.TriggerNow(context.Background(), "refresh")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionRunning, exec.Status)
	assert.Equal(t, model.TriggerManual, exec.Trigger)
	f.wait(t)

	stored := f.execution(t, exec.ID)
	assert.Equal(t, model.ExecutionSuccess, stored.Status)
	assert.Equal(t, "entities=2 ok=2 rows=10", stored.ResultSummary)
	require.NotNil(t, stored.FinishedAt)

	job, err := f.jobs.FindJobByID(context.Background(), "refresh")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionSuccess, job.LastRunStatus)
	require.NotNil(t, job.LastRunTime)
}

func TestOrchestrator_ConcurrencyGuardDropsSecondFire(t *testing.T) {
	f := newFixture(t, time.Minute)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	f.bootstrap(t, "refresh", blockingRunner(started, release), 1)

	first, err := f.orch.Fire(context.Background(), "refresh", model.TriggerScheduled)
	require.NoError(t, err)
	<-started

	_, err = f.orch.Fire(context.Background(), "refresh", model.TriggerScheduled)
	assert.ErrorIs(t, err, ErrJobAlreadyRunning)

	close(release)
	f.wait(t)
	assert.Equal(t, model.ExecutionSuccess, f.execution(t, first.ID).Status)

	history, err := f.execs.FindExecutions(context.Background(), model.ExecutionFilter{JobID: "refresh"})
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestOrchestrator_ConcurrentFiresLaunchOnce(t *testing.T) {
	const fires = 8
	f := newFixture(t, time.Minute)
	started := make(chan struct{}, fires)
	release := make(chan struct{})
	f.bootstrap(t, "refresh", blockingRunner(started, release), 1)

	var launched, dropped atomic.Int32
	var wg sync.WaitGroup
	gate := make(chan struct{})
	for i := 0; i < fires; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			_, err := f.orch.Fire(context.Background(), "refresh", model.TriggerScheduled)
			switch {
			case err == nil:
				launched.Add(1)
			case errors.Is(err, ErrJobAlreadyRunning):
				dropped.Add(1)
			default:
				t.Errorf("unexpected fire error: %v", err)
			}
		}()
	}
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), launched.Load())
	assert.Equal(t, int32(fires-1), dropped.Load())
	running, err := f.execs.CountRunningExecutions(context.Background(), "refresh")
	require.NoError(t, err)
	assert.Equal(t, int64(1), running)

	close(release)
	f.wait(t)
	history, err := f.execs.FindExecutions(context.Background(), model.ExecutionFilter{JobID: "refresh"})
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestOrchestrator_MaxInstancesAllowsParallelRuns(t *testing.T) {
	f := newFixture(t, time.Minute)
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	f.bootstrap(t, "refresh", blockingRunner(started, release), 2)

	_, err := f.orch.TriggerNow(context.Background(), "refresh")
	require.NoError(t, err)
	_, err = f.orch.TriggerNow(context.Background(), "refresh")
	require.NoError(t, err)
	<-started
	<-started

	_, err = f.orch.TriggerNow(context.Background(), "refresh")
	assert.ErrorIs(t, err, ErrJobAlreadyRunning)

	close(release)
	f.wait(t)
}

func TestOrchestrator_CancelIsNotOverwritten(t *testing.T) {
	f := newFixture(t, time.Minute)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	f.bootstrap(t, "refresh", blockingRunner(started, release), 1)

	exec, err := f.orch.TriggerNow(context.Background(), "refresh")
	require.NoError(t, err)
	<-started

	cancelled, err := f.orch.Cancel(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCancelled, cancelled.Status)

	close(release)
	f.wait(t)

	stored := f.execution(t, exec.ID)
	assert.Equal(t, model.ExecutionCancelled, stored.Status)
	assert.Equal(t, cancelledReason, stored.Error)

	_, err = f.orch.Cancel(context.Background(), exec.ID)
	assert.ErrorIs(t, err, ErrExecutionNotRunning)
}

func TestOrchestrator_TimeoutAndPanic(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)

	slow, err := f.orch.SubmitAdHoc(context.Background(), "ingest:prices", "Ad hoc prices ingest",
		RunnerFunc(func(ctx context.Context, _ *model.Execution) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}))
	require.NoError(t, err)
	assert.Equal(t, model.TriggerAPI, slow.Trigger)

	boom, err := f.orch.SubmitAdHoc(context.Background(), "backfill:prices", "",
		RunnerFunc(func(ctx context.Context, _ *model.Execution) (string, error) {
			panic("adapter exploded")
		}))
	require.NoError(t, err)
	f.wait(t)

	assert.Equal(t, model.ExecutionTimeout, f.execution(t, slow.ID).Status)
	failed := f.execution(t, boom.ID)
	assert.Equal(t, model.ExecutionError, failed.Status)
	assert.Contains(t, failed.Error, "adapter exploded")

	job, err := f.jobs.FindJobByID(context.Background(), "ingest:prices")
	require.NoError(t, err)
	assert.Equal(t, model.JobKindAdHoc, job.Kind)
	assert.Equal(t, 1, job.MaxInstances)
}

func TestOrchestrator_SubmitAdHocRejectsOverlap(t *testing.T) {
	f := newFixture(t, time.Minute)
	started := make(chan struct{}, 1)
	release := make(chan struct{})

	_, err := f.orch.SubmitAdHoc(context.Background(), "ingest:news", "", blockingRunner(started, release))
	require.NoError(t, err)
	<-started

	_, err = f.orch.SubmitAdHoc(context.Background(), "ingest:news", "", blockingRunner(started, release))
	assert.ErrorIs(t, err, ErrJobAlreadyRunning)

	close(release)
	f.wait(t)
}

func TestOrchestrator_DisabledJobSkipsScheduledFires(t *testing.T) {
	f := newFixture(t, time.Minute)
	var runs atomic.Int32
	runner := RunnerFunc(func(ctx context.Context, _ *model.Execution) (string, error) {
		runs.Add(1)
		return "", nil
	})
	f.bootstrap(t, "refresh", runner, 1)
	require.NoError(t, f.orch.Disable(context.Background(), "refresh"))

	_, err := f.orch.Fire(context.Background(), "refresh", model.TriggerScheduled)
	assert.ErrorIs(t, err, ErrJobDisabled)

	_, err = f.orch.TriggerNow(context.Background(), "refresh")
	require.NoError(t, err)
	f.wait(t)
	assert.EqualValues(t, 1, runs.Load())

	// a restart keeps the operator's choice
	f.bootstrap(t, "refresh", runner, 1)
	job, err := f.jobs.FindJobByID(context.Background(), "refresh")
	require.NoError(t, err)
	assert.False(t, job.Enabled)

	require.NoError(t, f.orch.Enable(context.Background(), "refresh"))
	_, err = f.orch.Fire(context.Background(), "refresh", model.TriggerScheduled)
	require.NoError(t, err)
	f.wait(t)
	assert.EqualValues(t, 2, runs.Load())
}

func TestOrchestrator_RecoverSweepsOrphans(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	job := model.NewJob("refresh", "", model.JobKindRefresh, "manual", true, 1)
	require.NoError(t, f.jobs.SaveJob(ctx, job))
	orphan := model.NewExecution("refresh", model.TriggerScheduled)
	require.NoError(t, f.execs.SaveExecution(ctx, orphan))
	require.NoError(t, orphan.MarkAsRunning())
	require.NoError(t, f.execs.UpdateExecutionStatus(ctx, orphan))

	swept, err := f.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	stored := f.execution(t, orphan.ID)
	assert.Equal(t, model.ExecutionTimeout, stored.Status)
	assert.Equal(t, orphanedReason, stored.Error)

	reloaded, err := f.jobs.FindJobByID(ctx, "refresh")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionTimeout, reloaded.LastRunStatus)

	// the guard no longer counts the orphan
	f.bootstrap(t, "refresh", RunnerFunc(func(ctx context.Context, _ *model.Execution) (string, error) { return "", nil }), 1)
	_, err = f.orch.TriggerNow(ctx, "refresh")
	require.NoError(t, err)
	f.wait(t)
}

func TestOrchestrator_BootstrapRejectsBadDefinitions(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.runners["bad-trigger"] = RunnerFunc(func(ctx context.Context, _ *model.Execution) (string, error) { return "", nil })

	err := f.orch.Bootstrap(context.Background(), []config.JobDefinition{{ID: "bad-trigger", Kind: "refresh", Trigger: "every day"}})
	assert.Error(t, err)

	err = f.orch.Bootstrap(context.Background(), []config.JobDefinition{{ID: "no-runner", Kind: "refresh", Trigger: "manual"}})
	assert.Error(t, err)

	_, err = f.orch.TriggerNow(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrJobNotFound)
}
