package orchestrator

import (
	"context"
	"time"

	"go.uber.org/fx"

	"github.com/tigerroll/tsingest/pkg/ingest/backfill"
	"github.com/tigerroll/tsingest/pkg/ingest/core/application/port"
	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	"github.com/tigerroll/tsingest/pkg/ingest/core/domain/repository"
	"github.com/tigerroll/tsingest/pkg/ingest/core/metrics"
	"github.com/tigerroll/tsingest/pkg/ingest/core/tx"
	"github.com/tigerroll/tsingest/pkg/ingest/gap"
	"github.com/tigerroll/tsingest/pkg/ingest/source"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

// OrchestratorParams defines the dependencies of NewOrchestratorFromConfig.
type OrchestratorParams struct {
	fx.In
	Config     *config.Config
	Jobs       repository.JobRepository
	Executions repository.ExecutionRepository
	TxManager  tx.TransactionManager
	Registry   *source.Registry
	Detector   *gap.Detector
	Executor   *backfill.Executor
	Submitter  port.RemoteJobSubmitter
	Recorder   metrics.MetricRecorder
	Tracer     metrics.Tracer
}

// NewOrchestratorFromConfig is an Fx provider for *Orchestrator.
func NewOrchestratorFromConfig(p OrchestratorParams) *Orchestrator {
	cfg := p.Config.Ingest
	runners := NewRunners(p.Registry, p.Detector, p.Executor, p.Submitter, cfg.Tracking)
	return New(
		p.Jobs,
		p.Executions,
		p.TxManager,
		NewDispatcher(cfg.Scheduler.MaxConcurrentJobs),
		runners.Build,
		p.Recorder,
		p.Tracer,
		config.Seconds(cfg.Scheduler.JobTimeoutSeconds, defaultJobTimout),
	)
}

// NewSchedulerFromConfig is an Fx provider for *Scheduler.
func NewSchedulerFromConfig(cfg *config.Config, o *Orchestrator) (*Scheduler, error) {
	loc, err := LoadLocation(cfg.Ingest.Scheduler.Timezone)
	if err != nil {
		return nil, err
	}
	return NewScheduler(o, loc), nil
}

// LifecycleParams defines the dependencies of RegisterLifecycle.
type LifecycleParams struct {
	fx.In
	Lifecycle    fx.Lifecycle
	Config       *config.Config
	Orchestrator *Orchestrator
	Scheduler    *Scheduler
}

// RegisterLifecycle bootstraps jobs and starts the scheduler on start, and drains in-flight
// executions on stop.
func RegisterLifecycle(p LifecycleParams) {
	cfg := p.Config.Ingest
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.Orchestrator.Bootstrap(ctx, cfg.Jobs); err != nil {
				return err
			}
			if !cfg.Scheduler.Enabled {
				logger.Infof("Scheduler disabled; jobs run only on manual or API triggers.")
				return nil
			}
			for _, def := range cfg.Jobs {
				if err := p.Scheduler.Add(def.ID, def.Trigger); err != nil {
					return err
				}
			}
			p.Scheduler.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cfg.Scheduler.Enabled {
				if err := p.Scheduler.Stop(ctx); err != nil {
					logger.Warnf("Scheduler did not stop cleanly: %v", err)
				}
			}
			drainCtx, cancel := context.WithTimeout(ctx, config.Seconds(cfg.Server.ShutdownTimeoutSeconds, 10*time.Second))
			defer cancel()
			if err := p.Orchestrator.Shutdown(drainCtx); err != nil {
				logger.Warnf("Orchestrator shut down with executions still in flight: %v", err)
			}
			return nil
		},
	})
}

// Module provides *Orchestrator and *Scheduler and hooks them into the application lifecycle.
var Module = fx.Options(
	fx.Provide(
		NewOrchestratorFromConfig,
		NewSchedulerFromConfig,
	),
	fx.Invoke(RegisterLifecycle),
)
