package source

import (
	"go.uber.org/fx"

	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	"github.com/tigerroll/tsingest/pkg/ingest/core/domain/repository"
	"github.com/tigerroll/tsingest/pkg/ingest/core/metrics"
)

// RegistryParams defines the dependencies of NewRegistryFromConfig.
type RegistryParams struct {
	fx.In
	Config   *config.Config
	Entities repository.EntityRepository
	Recorder metrics.MetricRecorder
	Tracer   metrics.Tracer
}

// NewRegistryFromConfig is an Fx provider for *Registry. Adapters register themselves
// through their own modules.
func NewRegistryFromConfig(p RegistryParams) *Registry {
	cfg := p.Config.Ingest
	return NewRegistry(p.Entities, NewRetryPolicy(cfg.Retry), p.Recorder, p.Tracer, cfg.Scheduler.BatchSize, cfg.Gaps.LookbackDays)
}

// Module provides *Registry.
var Module = fx.Options(
	fx.Provide(NewRegistryFromConfig),
)
