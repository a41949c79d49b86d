package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tigerroll/tsingest/internal/app"
	_ "github.com/tigerroll/tsingest/pkg/ingest/adapter/database/gorm/mysql"
	_ "github.com/tigerroll/tsingest/pkg/ingest/adapter/database/gorm/postgres"
	_ "github.com/tigerroll/tsingest/pkg/ingest/adapter/database/gorm/sqlite"
	_ "github.com/tigerroll/tsingest/pkg/ingest/adapter/storage/gcs"
	_ "github.com/tigerroll/tsingest/pkg/ingest/adapter/storage/local"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

// embeddedConfig is the default configuration. Environment variables and the .env file
// override it.
//
//go:embed application.yaml
var embeddedConfig []byte

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Warnf("Received signal '%v'. Shutting down...", sig)
		cancel()
	}()

	envFilePath := os.Getenv("ENV_FILE_PATH")
	if envFilePath == "" {
		envFilePath = ".env"
	}

	if err := app.RunApplication(ctx, envFilePath, embeddedConfig); err != nil {
		logger.Fatalf("Application run failed: %v", err)
	}
}
