// Package orchestrator owns jobs and executions: it parses triggers, enforces per-job
// concurrency, persists every state transition and hands work to a bounded dispatcher.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/core/domain/repository"
	"github.com/tigerroll/tsingest/pkg/ingest/core/metrics"
	"github.com/tigerroll/tsingest/pkg/ingest/core/tx"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

var (
	// ErrJobAlreadyRunning is returned when a fire would exceed the job's max_instances.
	ErrJobAlreadyRunning = errors.New("job already running")
	// ErrJobDisabled is returned when a scheduled fire hits a disabled job.
	ErrJobDisabled = errors.New("job disabled")
	// ErrExecutionNotRunning is returned when cancelling an execution that is not running.
	ErrExecutionNotRunning = errors.New("execution not running")
	// ErrNoRunner is returned when a job has no runner in this process.
	ErrNoRunner = errors.New("job has no runner")
)

func init() {
	exception.RegisterErrorType("ErrJobAlreadyRunning", ErrJobAlreadyRunning)
	exception.RegisterErrorType("ErrJobDisabled", ErrJobDisabled)
	exception.RegisterErrorType("ErrExecutionNotRunning", ErrExecutionNotRunning)
	exception.RegisterErrorType("ErrNoRunner", ErrNoRunner)
}

const (
	orphanedReason   = "execution orphaned by process restart"
	cancelledReason  = "cancelled by operator"
	finalizeTimeout  = 30 * time.Second
	defaultJobTimout = 30 * time.Minute
)

// Orchestrator is the single owner of job and execution state transitions.
type Orchestrator struct {
	jobs       repository.JobRepository
	executions repository.ExecutionRepository
	txManager  tx.TransactionManager
	dispatcher *Dispatcher
	factory    RunnerFactory
	recorder   metrics.MetricRecorder
	tracer     metrics.Tracer

	defaultTimeout time.Duration

	mu       sync.RWMutex
	runners  map[string]JobRunner
	timeouts map[string]time.Duration

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New creates an orchestrator. factory builds runners for static job definitions.
func New(jobs repository.JobRepository, executions repository.ExecutionRepository, txManager tx.TransactionManager, dispatcher *Dispatcher, factory RunnerFactory, recorder metrics.MetricRecorder, tracer metrics.Tracer, defaultTimeout time.Duration) *Orchestrator {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultJobTimout
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		jobs:           jobs,
		executions:     executions,
		txManager:      txManager,
		dispatcher:     dispatcher,
		factory:        factory,
		recorder:       recorder,
		tracer:         tracer,
		defaultTimeout: defaultTimeout,
		runners:        make(map[string]JobRunner),
		timeouts:       make(map[string]time.Duration),
		baseCtx:        base,
		cancelBase:     cancel,
	}
}

// Bootstrap recovers orphaned executions, then creates or updates the jobs of defs and
// builds their runners. An existing job keeps its enabled flag.
func (o *Orchestrator) Bootstrap(ctx context.Context, defs []config.JobDefinition) error {
	const op = "Orchestrator.Bootstrap"

	if _, err := o.Recover(ctx); err != nil {
		return err
	}

	for _, def := range defs {
		if def.ID == "" {
			return exception.NewIngestErrorf(op, "job definition without id")
		}
		if _, err := ParseTrigger(def.Trigger, nil); err != nil {
			return exception.NewIngestError(op, fmt.Sprintf("job '%s'", def.ID), err, true, false)
		}
		runner, err := o.factory(def)
		if err != nil {
			return exception.NewIngestError(op, fmt.Sprintf("job '%s'", def.ID), err, true, false)
		}

		job, err := o.jobs.FindJobByID(ctx, def.ID)
		switch {
		case errors.Is(err, repository.ErrJobNotFound):
			job = model.NewJob(def.ID, def.Name, model.JobKind(def.Kind), def.Trigger, def.IsEnabled(), def.MaxInstances)
			if err := o.jobs.SaveJob(ctx, job); err != nil {
				return err
			}
			logger.Infof("Created job '%s' (kind: %s, trigger: %s, enabled: %t).", job.ID, job.Kind, job.TriggerSpec, job.Enabled)
		case err != nil:
			return err
		default:
			updated := model.NewJob(def.ID, def.Name, model.JobKind(def.Kind), def.Trigger, job.Enabled, def.MaxInstances)
			if job.Name != updated.Name || job.Kind != updated.Kind || job.TriggerSpec != updated.TriggerSpec || job.MaxInstances != updated.MaxInstances {
				job.Name, job.Kind, job.TriggerSpec, job.MaxInstances = updated.Name, updated.Kind, updated.TriggerSpec, updated.MaxInstances
				if err := o.jobs.UpdateJob(ctx, job); err != nil {
					return err
				}
				logger.Infof("Updated job '%s' from its definition (trigger: %s).", job.ID, job.TriggerSpec)
			}
		}

		timeout := o.defaultTimeout
		if def.TimeoutSeconds > 0 {
			timeout = time.Duration(def.TimeoutSeconds) * time.Second
		}
		o.setRunner(def.ID, runner, timeout)
	}
	return nil
}

func (o *Orchestrator) setRunner(jobID string, runner JobRunner, timeout time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runners[jobID] = runner
	o.timeouts[jobID] = timeout
}

func (o *Orchestrator) runner(jobID string) (JobRunner, time.Duration, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runners[jobID]
	return r, o.timeouts[jobID], ok
}

// Fire starts a run of jobID for trigger. Scheduled fires skip disabled jobs.
func (o *Orchestrator) Fire(ctx context.Context, jobID string, trigger model.TriggerType) (*model.Execution, error) {
	const op = "Orchestrator.Fire"

	job, err := o.jobs.FindJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if trigger == model.TriggerScheduled && !job.Enabled {
		logger.Debugf("Job '%s' is disabled; scheduled fire skipped.", jobID)
		return nil, exception.NewIngestError(op, fmt.Sprintf("job '%s'", jobID), ErrJobDisabled, false, false)
	}
	runner, timeout, ok := o.runner(jobID)
	if !ok {
		return nil, exception.NewIngestError(op, fmt.Sprintf("job '%s'", jobID), ErrNoRunner, true, false)
	}
	return o.launch(ctx, job, trigger, runner, timeout)
}

// TriggerNow is the manual trigger. It also runs disabled jobs.
func (o *Orchestrator) TriggerNow(ctx context.Context, jobID string) (*model.Execution, error) {
	return o.Fire(ctx, jobID, model.TriggerManual)
}

// SubmitAdHoc runs work under the ad hoc job jobID, creating the job on first use. At most
// one ad hoc run per job id is in flight.
func (o *Orchestrator) SubmitAdHoc(ctx context.Context, jobID, name string, work JobRunner) (*model.Execution, error) {
	job, err := o.jobs.FindJobByID(ctx, jobID)
	if errors.Is(err, repository.ErrJobNotFound) {
		job = model.NewJob(jobID, name, model.JobKindAdHoc, string(TriggerManual), true, 1)
		if saveErr := o.jobs.SaveJob(ctx, job); saveErr != nil {
			// Lost a creation race with a concurrent submit.
			if job, err = o.jobs.FindJobByID(ctx, jobID); err != nil {
				return nil, saveErr
			}
		} else {
			err = nil
		}
	}
	if err != nil {
		return nil, err
	}
	return o.launch(ctx, job, model.TriggerAPI, work, o.defaultTimeout)
}

// launch applies the concurrency guard and persists queued -> running in one transaction,
// then dispatches the work.
func (o *Orchestrator) launch(ctx context.Context, job *model.Job, trigger model.TriggerType, runner JobRunner, timeout time.Duration) (*model.Execution, error) {
	const op = "Orchestrator.launch"

	exec := model.NewExecution(job.ID, trigger)
	err := o.txManager.Do(ctx, func(ctx context.Context) error {
		// Concurrent fires of one job queue on the row lock, so count-then-insert is atomic.
		locked, err := o.jobs.LockJob(ctx, job.ID)
		if err != nil {
			return err
		}
		running, err := o.executions.CountRunningExecutions(ctx, job.ID)
		if err != nil {
			return err
		}
		if running >= int64(locked.MaxInstances) {
			return exception.NewIngestError(op, fmt.Sprintf("job '%s' has %d running execution(s), max_instances is %d", job.ID, running, locked.MaxInstances), ErrJobAlreadyRunning, false, false)
		}
		if err := o.executions.SaveExecution(ctx, exec); err != nil {
			return err
		}
		if err := exec.MarkAsRunning(); err != nil {
			return err
		}
		return o.executions.UpdateExecutionStatus(ctx, exec)
	})
	if err != nil {
		if errors.Is(err, ErrJobAlreadyRunning) {
			logger.Warnf("Job '%s': %s fire dropped: %v", job.ID, trigger, err)
			o.recorder.RecordTriggerDropped(ctx, job.ID)
		}
		return nil, err
	}

	logger.Infof("Job '%s': execution %s started (trigger: %s).", job.ID, exec.ID, trigger)
	o.recorder.RecordExecutionStart(ctx, exec)
	snapshot := *exec
	o.dispatcher.Submit(exec.ID, func() { o.execute(job.ID, exec, runner, timeout) })
	return &snapshot, nil
}

// execute runs one unit and finalizes its execution. Panics are recorded as errors and a
// deadline hit is recorded as timeout. Finalization never overwrites a row that is no
// longer running.
func (o *Orchestrator) execute(jobID string, exec *model.Execution, runner JobRunner, timeout time.Duration) {
	runCtx, cancel := context.WithTimeout(o.baseCtx, timeout)
	defer cancel()
	spanCtx, endSpan := o.tracer.StartExecutionSpan(runCtx, exec)

	summary, err := safeRun(spanCtx, runner, exec)

	switch {
	case err == nil:
		_ = exec.MarkAsSucceeded(summary)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		_ = exec.MarkAsTimedOut(fmt.Sprintf("execution exceeded its timeout of %s", timeout))
		exec.ResultSummary = summary
	default:
		o.tracer.RecordError(spanCtx, "orchestrator.execute", err)
		_ = exec.MarkAsFailed(err, summary)
	}
	endSpan()

	ctx, cancelFinalize := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancelFinalize()
	o.finalize(ctx, jobID, exec)
}

func safeRun(ctx context.Context, runner JobRunner, exec *model.Execution) (summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Execution %s panicked: %v\n%s", exec.ID, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return runner.Run(ctx, exec)
}

// finalize persists a terminal execution and copies it into the job's last_run fields.
func (o *Orchestrator) finalize(ctx context.Context, jobID string, exec *model.Execution) {
	ok, err := o.executions.FinishExecution(ctx, exec)
	if err != nil {
		logger.Errorf("Job '%s': failed to persist terminal state of execution %s: %v", jobID, exec.ID, err)
		return
	}
	if !ok {
		logger.Infof("Job '%s': execution %s was finished elsewhere (e.g. cancelled); outcome %s discarded.", jobID, exec.ID, exec.Status)
		return
	}
	if err := o.jobs.RecordJobRun(ctx, jobID, exec); err != nil {
		logger.Errorf("Job '%s': failed to record last run: %v", jobID, err)
	}
	o.recorder.RecordExecutionEnd(ctx, exec)
	logger.Infof("Job '%s': execution %s finished as %s in %dms. %s", jobID, exec.ID, exec.Status, exec.DurationMs, exec.ResultSummary)
}

// Enable resumes scheduled fires of jobID.
func (o *Orchestrator) Enable(ctx context.Context, jobID string) error {
	return o.setEnabled(ctx, jobID, true)
}

// Disable stops scheduled fires of jobID. History and in-flight runs are untouched.
func (o *Orchestrator) Disable(ctx context.Context, jobID string) error {
	return o.setEnabled(ctx, jobID, false)
}

func (o *Orchestrator) setEnabled(ctx context.Context, jobID string, enabled bool) error {
	if err := o.jobs.SetJobEnabled(ctx, jobID, enabled); err != nil {
		return err
	}
	logger.Infof("Job '%s' enabled=%t.", jobID, enabled)
	return nil
}

// Cancel marks a running execution cancelled. The work itself is not interrupted; its
// eventual outcome is discarded.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) (*model.Execution, error) {
	const op = "Orchestrator.Cancel"

	exec, err := o.executions.FindExecutionByID(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != model.ExecutionRunning {
		return exec, exception.NewIngestError(op, fmt.Sprintf("execution %s is %s", executionID, exec.Status), ErrExecutionNotRunning, false, false)
	}
	if err := exec.MarkAsCancelled(cancelledReason); err != nil {
		return nil, err
	}
	ok, err := o.executions.FinishExecution(ctx, exec)
	if err != nil {
		return nil, err
	}
	if !ok {
		latest, findErr := o.executions.FindExecutionByID(ctx, executionID)
		if findErr != nil {
			return nil, findErr
		}
		return latest, exception.NewIngestError(op, fmt.Sprintf("execution %s is %s", executionID, latest.Status), ErrExecutionNotRunning, false, false)
	}
	if err := o.jobs.RecordJobRun(ctx, exec.JobID, exec); err != nil {
		logger.Errorf("Job '%s': failed to record cancelled run: %v", exec.JobID, err)
	}
	o.recorder.RecordExecutionEnd(ctx, exec)
	logger.Infof("Execution %s of job '%s' cancelled by operator.", exec.ID, exec.JobID)
	return exec, nil
}

// Recover marks every running execution without a live handle in this process as timed
// out. It returns the number of executions swept.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	running, err := o.executions.FindRunningExecutions(ctx)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, exec := range running {
		if o.dispatcher.Live(exec.ID) {
			continue
		}
		if err := exec.MarkAsTimedOut(orphanedReason); err != nil {
			logger.Warnf("Recovery: execution %s: %v", exec.ID, err)
			continue
		}
		ok, err := o.executions.FinishExecution(ctx, exec)
		if err != nil {
			return swept, err
		}
		if !ok {
			continue
		}
		if err := o.jobs.RecordJobRun(ctx, exec.JobID, exec); err != nil && !errors.Is(err, repository.ErrJobNotFound) {
			logger.Errorf("Recovery: failed to record last run of job '%s': %v", exec.JobID, err)
		}
		swept++
		logger.Warnf("Recovery: execution %s of job '%s' marked timeout (%s).", exec.ID, exec.JobID, orphanedReason)
	}
	if swept > 0 {
		logger.Infof("Recovery swept %d orphaned execution(s).", swept)
	}
	return swept, nil
}

// Shutdown waits for in-flight work until ctx is done, then cancels whatever is still running.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	logger.Infof("Orchestrator: waiting for %d in-flight execution(s).", o.dispatcher.InFlight())
	err := o.dispatcher.Wait(ctx)
	o.cancelBase()
	return err
}

// Wait blocks until every dispatched unit has returned or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	return o.dispatcher.Wait(ctx)
}

// Jobs lists every job.
func (o *Orchestrator) Jobs(ctx context.Context) ([]*model.Job, error) {
	return o.jobs.FindJobs(ctx)
}
