package metrics

import (
	"context"
	"time"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
)

// NoOpMetricRecorder is a MetricRecorder that does nothing. Used in tests and when
// metrics are disabled.
type NoOpMetricRecorder struct{}

// NewNoOpMetricRecorder creates a new NoOpMetricRecorder.
func NewNoOpMetricRecorder() MetricRecorder {
	return &NoOpMetricRecorder{}
}

func (r *NoOpMetricRecorder) RecordExecutionStart(ctx context.Context, execution *model.Execution) {}
func (r *NoOpMetricRecorder) RecordExecutionEnd(ctx context.Context, execution *model.Execution)   {}
func (r *NoOpMetricRecorder) RecordFetch(ctx context.Context, source string, outcome string, duration time.Duration) {
}
func (r *NoOpMetricRecorder) RecordRowsSunk(ctx context.Context, source string, table string, count int) {
}
func (r *NoOpMetricRecorder) RecordGapsDetected(ctx context.Context, gapType model.GapType, severity model.Severity, count int) {
}
func (r *NoOpMetricRecorder) RecordGapFilled(ctx context.Context, gapType model.GapType) {}
func (r *NoOpMetricRecorder) RecordTriggerDropped(ctx context.Context, jobID string)     {}

// NoOpTracer is a Tracer that does nothing.
type NoOpTracer struct{}

// NewNoOpTracer creates a new NoOpTracer.
func NewNoOpTracer() Tracer {
	return &NoOpTracer{}
}

func (t *NoOpTracer) StartExecutionSpan(ctx context.Context, execution *model.Execution) (context.Context, func()) {
	return ctx, func() {}
}
func (t *NoOpTracer) StartSpan(ctx context.Context, name string, attributes map[string]string) (context.Context, func()) {
	return ctx, func() {}
}
func (t *NoOpTracer) RecordError(ctx context.Context, module string, err error) {}

var (
	_ MetricRecorder = (*NoOpMetricRecorder)(nil)
	_ Tracer         = (*NoOpTracer)(nil)
)
