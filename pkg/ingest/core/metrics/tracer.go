package metrics

import (
	"context"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
)

// Tracer abstracts distributed tracing.
type Tracer interface {
	// StartExecutionSpan starts a span for an execution and returns the derived context
	// and a function that ends the span.
	StartExecutionSpan(ctx context.Context, execution *model.Execution) (context.Context, func())

	// StartSpan starts a child span with the given name and string attributes.
	StartSpan(ctx context.Context, name string, attributes map[string]string) (context.Context, func())

	// RecordError records err on the span carried by ctx.
	RecordError(ctx context.Context, module string, err error)
}
