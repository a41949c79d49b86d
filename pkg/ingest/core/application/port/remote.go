// Package port holds the application-level ports implemented by infrastructure.
package port

import (
	"context"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
)

// RemoteJobSubmitter starts work on a remote ingestion service and waits for it.
type RemoteJobSubmitter interface {
	// Submit posts body to path and returns the remote execution id.
	Submit(ctx context.Context, path string, body []byte) (string, error)
	// AwaitCompletion polls the remote execution until it is terminal. A remote
	// status other than success is returned as an error together with the execution.
	AwaitCompletion(ctx context.Context, remoteExecutionID string) (*model.Execution, error)
}
