package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	metrics "github.com/tigerroll/tsingest/pkg/ingest/core/metrics"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

// PrometheusRecorder is a Prometheus implementation of metrics.MetricRecorder.
// It owns a private registry that the HTTP API exposes on /metrics.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	executionDurationSeconds *prometheus.HistogramVec
	executionStatusCounter   *prometheus.CounterVec
	executionsRunning        *prometheus.GaugeVec

	fetchDurationSeconds *prometheus.HistogramVec
	fetchCounter         *prometheus.CounterVec
	rowsSunkCounter      *prometheus.CounterVec

	gapsDetectedCounter *prometheus.CounterVec
	gapsFilledCounter   *prometheus.CounterVec
	triggerDropCounter  *prometheus.CounterVec
}

// NewPrometheusRecorder creates a PrometheusRecorder with Go and process collectors registered.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		executionDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tsingest_execution_duration_seconds",
			Help:    "Duration of finished job executions.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		}, []string{"job_id", "status"}),
		executionStatusCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tsingest_executions_total",
			Help: "Finished job executions by terminal status.",
		}, []string{"job_id", "status"}),
		executionsRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tsingest_executions_running",
			Help: "Executions currently in the running state.",
		}, []string{"job_id"}),
		fetchDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tsingest_fetch_duration_seconds",
			Help:    "Duration of single provider fetch attempts.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source", "outcome"}),
		fetchCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tsingest_fetch_total",
			Help: "Provider fetch attempts by outcome.",
		}, []string{"source", "outcome"}),
		rowsSunkCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tsingest_rows_sunk_total",
			Help: "Rows written to the partitioned store.",
		}, []string{"source", "table"}),
		gapsDetectedCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tsingest_gaps_detected_total",
			Help: "Gaps recorded by detection sweeps.",
		}, []string{"type", "severity"}),
		gapsFilledCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tsingest_gaps_filled_total",
			Help: "Gaps closed by backfill or by later coverage.",
		}, []string{"type"}),
		triggerDropCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tsingest_trigger_dropped_total",
			Help: "Trigger fires dropped because the job reached max_instances.",
		}, []string{"job_id"}),
	}

	registry.MustRegister(
		r.executionDurationSeconds,
		r.executionStatusCounter,
		r.executionsRunning,
		r.fetchDurationSeconds,
		r.fetchCounter,
		r.rowsSunkCounter,
		r.gapsDetectedCounter,
		r.gapsFilledCounter,
		r.triggerDropCounter,
	)
	return r
}

// GetRegistry returns the Prometheus registry.
func (r *PrometheusRecorder) GetRegistry() *prometheus.Registry {
	return r.registry
}

func (r *PrometheusRecorder) RecordExecutionStart(ctx context.Context, execution *model.Execution) {
	r.executionsRunning.WithLabelValues(execution.JobID).Inc()
	logger.Debugf("Metrics: execution %s of job '%s' started.", execution.ID, execution.JobID)
}

func (r *PrometheusRecorder) RecordExecutionEnd(ctx context.Context, execution *model.Execution) {
	r.executionsRunning.WithLabelValues(execution.JobID).Dec()
	r.executionStatusCounter.WithLabelValues(execution.JobID, execution.Status.String()).Inc()
	if execution.FinishedAt == nil {
		return
	}
	duration := execution.FinishedAt.Sub(execution.StartedAt).Seconds()
	r.executionDurationSeconds.WithLabelValues(execution.JobID, execution.Status.String()).Observe(duration)
	logger.Debugf("Metrics: execution %s of job '%s' ended (%s). Duration: %.3fs", execution.ID, execution.JobID, execution.Status, duration)
}

func (r *PrometheusRecorder) RecordFetch(ctx context.Context, source string, outcome string, duration time.Duration) {
	r.fetchCounter.WithLabelValues(source, outcome).Inc()
	r.fetchDurationSeconds.WithLabelValues(source, outcome).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) RecordRowsSunk(ctx context.Context, source string, table string, count int) {
	r.rowsSunkCounter.WithLabelValues(source, table).Add(float64(count))
}

func (r *PrometheusRecorder) RecordGapsDetected(ctx context.Context, gapType model.GapType, severity model.Severity, count int) {
	r.gapsDetectedCounter.WithLabelValues(string(gapType), string(severity)).Add(float64(count))
}

func (r *PrometheusRecorder) RecordGapFilled(ctx context.Context, gapType model.GapType) {
	r.gapsFilledCounter.WithLabelValues(string(gapType)).Inc()
}

func (r *PrometheusRecorder) RecordTriggerDropped(ctx context.Context, jobID string) {
	r.triggerDropCounter.WithLabelValues(jobID).Inc()
}

var _ metrics.MetricRecorder = (*PrometheusRecorder)(nil)
