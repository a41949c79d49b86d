package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"

	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	metrics "github.com/tigerroll/tsingest/pkg/ingest/core/metrics"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

const instrumentationName = "github.com/tigerroll/tsingest"

// OpenTelemetryTracer implements metrics.Tracer on an OpenTelemetry SDK tracer provider.
// Without an OTLP endpoint spans are sampled but never exported.
type OpenTelemetryTracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewOpenTelemetryTracer builds a tracer provider from cfg. When cfg.Endpoint is set spans
// are batched to an OTLP/HTTP collector.
func NewOpenTelemetryTracer(ctx context.Context, cfg config.TracingConfig) (*OpenTelemetryTracer, error) {
	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}
	if cfg.Endpoint != "" {
		exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.Infof("Exporting traces to OTLP endpoint %s.", cfg.Endpoint)
	}
	provider := sdktrace.NewTracerProvider(opts...)
	return &OpenTelemetryTracer{
		provider: provider,
		tracer:   provider.Tracer(instrumentationName),
	}, nil
}

// StartExecutionSpan starts a root span for one execution. The returned function records
// the execution's final status before ending the span.
func (t *OpenTelemetryTracer) StartExecutionSpan(ctx context.Context, execution *model.Execution) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, "execution "+execution.JobID,
		trace.WithAttributes(
			attribute.String("tsingest.job_id", execution.JobID),
			attribute.String("tsingest.execution_id", execution.ID),
			attribute.String("tsingest.trigger", string(execution.Trigger)),
		))
	return ctx, func() {
		span.SetAttributes(
			attribute.String("tsingest.status", execution.Status.String()),
			attribute.Int64("tsingest.duration_ms", execution.DurationMs),
		)
		if execution.Status != model.ExecutionSuccess && execution.Status.IsFinished() {
			span.SetStatus(codes.Error, execution.Error)
		}
		span.End()
	}
}

func (t *OpenTelemetryTracer) StartSpan(ctx context.Context, name string, attributes map[string]string) (context.Context, func()) {
	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func() { span.End() }
}

func (t *OpenTelemetryTracer) RecordError(ctx context.Context, module string, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err, trace.WithAttributes(attribute.String("tsingest.module", module)))
	span.SetStatus(codes.Error, err.Error())
}

// Shutdown flushes pending spans and stops the provider.
func (t *OpenTelemetryTracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

var _ metrics.Tracer = (*OpenTelemetryTracer)(nil)

// TracerParams defines the dependencies for provideTracer.
type TracerParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
}

func provideTracer(p TracerParams) (*OpenTelemetryTracer, error) {
	t, err := NewOpenTelemetryTracer(context.Background(), p.Config.Ingest.Tracing)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(t.provider)
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return t.Shutdown(ctx)
		},
	})
	return t, nil
}
