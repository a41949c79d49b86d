package storage

import (
	"context"

	"go.uber.org/fx"

	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
)

// ConnectionParams defines the dependencies for NewConnection.
type ConnectionParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
}

// NewConnection is an Fx provider that opens the configured backend and closes it on stop.
func NewConnection(p ConnectionParams) (StorageConnection, error) {
	conn, err := Open(context.Background(), p.Config.Ingest.Storage)
	if err != nil {
		return nil, err
	}
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return conn.Close()
		},
	})
	return conn, nil
}

// Module provides StorageConnection.
var Module = fx.Options(
	fx.Provide(NewConnection),
)
