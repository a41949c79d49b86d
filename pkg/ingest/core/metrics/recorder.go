// Package metrics defines the observability ports used by the orchestrator, the adapter
// registry and the healing pipeline. Backends live in infrastructure/metrics.
package metrics

import (
	"context"
	"time"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
)

// MetricRecorder records ingestion metrics.
//
// Implementations must be safe for concurrent use; workers of one run call them in parallel.
type MetricRecorder interface {
	// RecordExecutionStart records an execution entering the running state.
	//
	// ctx: The context for the operation.
	// execution: The running execution.
	RecordExecutionStart(ctx context.Context, execution *model.Execution)

	// RecordExecutionEnd records a terminal execution and its duration.
	//
	// ctx: The context for the operation.
	// execution: The finished execution.
	RecordExecutionEnd(ctx context.Context, execution *model.Execution)

	// RecordFetch records one fetch attempt against a source.
	//
	// source: Adapter name.
	// outcome: "success", "retry", "permanent" or "error".
	// duration: Wall time of the attempt.
	RecordFetch(ctx context.Context, source string, outcome string, duration time.Duration)

	// RecordRowsSunk records rows written to the partitioned store.
	RecordRowsSunk(ctx context.Context, source string, table string, count int)

	// RecordGapsDetected records gaps created by a detection sweep.
	RecordGapsDetected(ctx context.Context, gapType model.GapType, severity model.Severity, count int)

	// RecordGapFilled records a gap closed by the backfill executor or the detector.
	RecordGapFilled(ctx context.Context, gapType model.GapType)

	// RecordTriggerDropped records a trigger fire dropped by the concurrency guard.
	RecordTriggerDropped(ctx context.Context, jobID string)
}
