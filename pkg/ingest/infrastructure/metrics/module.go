// Package metrics provides the Prometheus and OpenTelemetry backends of the core
// observability ports.
package metrics

import (
	"go.uber.org/fx"

	metrics "github.com/tigerroll/tsingest/pkg/ingest/core/metrics"
)

// Module provides *PrometheusRecorder (also as metrics.MetricRecorder) and an
// OpenTelemetry-backed metrics.Tracer.
var Module = fx.Options(
	fx.Provide(
		NewPrometheusRecorder,
		func(r *PrometheusRecorder) metrics.MetricRecorder { return r },
		provideTracer,
		func(t *OpenTelemetryTracer) metrics.Tracer { return t },
	),
)
