// Package app assembles the tsingest service from its fx modules.
package app

import (
	"context"
	"time"

	"go.uber.org/fx"

	gormadapter "github.com/tigerroll/tsingest/pkg/ingest/adapter/database/gorm"
	"github.com/tigerroll/tsingest/pkg/ingest/adapter/storage"
	"github.com/tigerroll/tsingest/pkg/ingest/api"
	"github.com/tigerroll/tsingest/pkg/ingest/backfill"
	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	"github.com/tigerroll/tsingest/pkg/ingest/gap"
	metricsinfra "github.com/tigerroll/tsingest/pkg/ingest/infrastructure/metrics"
	"github.com/tigerroll/tsingest/pkg/ingest/infrastructure/migration"
	"github.com/tigerroll/tsingest/pkg/ingest/infrastructure/remote"
	sqlrepo "github.com/tigerroll/tsingest/pkg/ingest/infrastructure/repository/sql"
	"github.com/tigerroll/tsingest/pkg/ingest/orchestrator"
	"github.com/tigerroll/tsingest/pkg/ingest/source"
	"github.com/tigerroll/tsingest/pkg/ingest/source/macro"
	"github.com/tigerroll/tsingest/pkg/ingest/source/news"
	"github.com/tigerroll/tsingest/pkg/ingest/source/prices"
	"github.com/tigerroll/tsingest/pkg/ingest/store"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

// Modules lists every module of the service. Order matters: lifecycle hooks start in this
// order and stop in reverse, so the orchestrator drains before the HTTP server and the job
// store shut down.
func Modules() fx.Option {
	return fx.Options(
		logger.Module,
		config.Module,
		gormadapter.Module,
		migration.Module,
		storage.Module,
		store.Module,
		sqlrepo.Module,
		metricsinfra.Module,
		remote.Module,
		source.Module,
		prices.Module,
		macro.Module,
		news.Module,
		gap.Module,
		backfill.Module,
		api.Module,
		orchestrator.Module,
	)
}

// RunApplication starts the service and blocks until appCtx is cancelled.
func RunApplication(appCtx context.Context, envFilePath string, embeddedConfig config.EmbeddedConfig) error {
	application := fx.New(
		fx.Supply(
			embeddedConfig,
			fx.Annotate(envFilePath, fx.ResultTags(`name:"envFilePath"`)),
		),
		Modules(),
		fx.StartTimeout(time.Minute),
		fx.StopTimeout(time.Minute),
	)
	if err := application.Err(); err != nil {
		return err
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	defer cancelStart()
	if err := application.Start(startCtx); err != nil {
		return err
	}
	logger.Infof("tsingest started.")

	<-appCtx.Done()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), time.Minute)
	defer cancelStop()
	if err := application.Stop(stopCtx); err != nil {
		return err
	}
	logger.Infof("tsingest stopped.")
	return nil
}
