package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
)

func TestPrometheusRecorder_ExecutionLifecycle(t *testing.T) {
	r := NewPrometheusRecorder()
	ctx := context.Background()

	exec := model.NewExecution("prices-refresh", model.TriggerScheduled)
	require.NoError(t, exec.MarkAsRunning())
	r.RecordExecutionStart(ctx, exec)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.executionsRunning.WithLabelValues("prices-refresh")))

	require.NoError(t, exec.MarkAsSucceeded("ok"))
	r.RecordExecutionEnd(ctx, exec)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.executionsRunning.WithLabelValues("prices-refresh")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.executionStatusCounter.WithLabelValues("prices-refresh", "success")))
}

func TestPrometheusRecorder_Counters(t *testing.T) {
	r := NewPrometheusRecorder()
	ctx := context.Background()

	r.RecordFetch(ctx, "prices", "success", 20*time.Millisecond)
	r.RecordFetch(ctx, "prices", "retry", 5*time.Millisecond)
	r.RecordRowsSunk(ctx, "prices", "daily_bars", 42)
	r.RecordGapsDetected(ctx, model.GapTypePrices, model.SeverityCritical, 2)
	r.RecordGapFilled(ctx, model.GapTypePrices)
	r.RecordTriggerDropped(ctx, "prices-refresh")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.fetchCounter.WithLabelValues("prices", "success")))
	assert.Equal(t, 42.0, testutil.ToFloat64(r.rowsSunkCounter.WithLabelValues("prices", "daily_bars")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.gapsDetectedCounter.WithLabelValues("prices", "critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.gapsFilledCounter.WithLabelValues("prices")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.triggerDropCounter.WithLabelValues("prices-refresh")))

	families, err := r.GetRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestOpenTelemetryTracer_WithoutExporter(t *testing.T) {
	tracer, err := NewOpenTelemetryTracer(context.Background(), config.TracingConfig{ServiceName: "tsingest-test", SampleRatio: 1})
	require.NoError(t, err)
	defer tracer.Shutdown(context.Background())

	exec := model.NewExecution("job", model.TriggerManual)
	ctx, end := tracer.StartExecutionSpan(context.Background(), exec)
	_, endChild := tracer.StartSpan(ctx, "fetch", map[string]string{"entity": "ACME"})
	tracer.RecordError(ctx, "test", assert.AnError)
	endChild()
	end()
}
