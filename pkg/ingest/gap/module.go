package gap

import (
	"go.uber.org/fx"

	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	"github.com/tigerroll/tsingest/pkg/ingest/core/domain/repository"
	"github.com/tigerroll/tsingest/pkg/ingest/core/metrics"
	"github.com/tigerroll/tsingest/pkg/ingest/source"
)

// DetectorParams defines the dependencies of NewDetectorFromConfig.
type DetectorParams struct {
	fx.In
	Config   *config.Config
	Gaps     repository.GapRepository
	Registry *source.Registry
	Recorder metrics.MetricRecorder
}

// NewDetectorFromConfig is an Fx provider for *Detector.
func NewDetectorFromConfig(p DetectorParams) (*Detector, error) {
	return NewDetector(p.Gaps, p.Registry, p.Recorder, p.Config.Ingest.Gaps, p.Config.Ingest.Tracking)
}

// Module provides *Detector.
var Module = fx.Options(fx.Provide(NewDetectorFromConfig))
