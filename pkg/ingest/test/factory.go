// Package test provides fixtures shared by package tests: a migrated in-memory job store,
// a temp-dir partition store and a scripted source adapter.
package test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	gormadapter "github.com/tigerroll/tsingest/pkg/ingest/adapter/database/gorm"
	_ "github.com/tigerroll/tsingest/pkg/ingest/adapter/database/gorm/sqlite"
	"github.com/tigerroll/tsingest/pkg/ingest/adapter/storage/local"
	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	"github.com/tigerroll/tsingest/pkg/ingest/infrastructure/migration"
	"github.com/tigerroll/tsingest/pkg/ingest/store"
)

// NewSQLiteDB opens a private, migrated in-memory database closed at test cleanup.
func NewSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()
	cfg := config.DatabaseConfig{Type: "sqlite", Database: ":memory:", LogLevel: "SILENT"}
	db, err := gormadapter.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, migration.NewMigrator(db, cfg).Up(context.Background()))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// NewLocalStore returns a partition store rooted in a temp directory.
func NewLocalStore(t *testing.T) *store.Store {
	t.Helper()
	conn, err := local.NewLocalAdapter(t.TempDir())
	require.NoError(t, err)
	st, err := store.NewStore(conn, config.StorageConfig{Compression: "SNAPPY"})
	require.NoError(t, err)
	return st
}
