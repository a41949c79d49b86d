// Package migration applies the embedded job-store schema with golang-migrate.
package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/fx"
	"gorm.io/gorm"

	gormadapter "github.com/tigerroll/tsingest/pkg/ingest/adapter/database/gorm"
	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

//go:embed migrations
var migrationFS embed.FS

// MigrationsTable is the golang-migrate bookkeeping table.
const MigrationsTable = "ingest_schema_migrations"

// Migrator applies schema migrations to the job store.
type Migrator struct {
	db  *gorm.DB
	cfg config.DatabaseConfig
}

// NewMigrator creates a Migrator for db. cfg selects the dialect's migration directory.
func NewMigrator(db *gorm.DB, cfg config.DatabaseConfig) *Migrator {
	return &Migrator{db: db, cfg: cfg}
}

func (m *Migrator) databaseDriver(sqlDB *sql.DB) (database.Driver, error) {
	switch m.cfg.Type {
	case "postgres":
		return postgres.WithInstance(sqlDB, &postgres.Config{MigrationsTable: MigrationsTable})
	case "mysql":
		return mysql.WithInstance(sqlDB, &mysql.Config{MigrationsTable: MigrationsTable})
	case "sqlite":
		return sqlite.WithInstance(sqlDB, &sqlite.Config{MigrationsTable: MigrationsTable})
	default:
		return nil, fmt.Errorf("unsupported database type for migration: %s", m.cfg.Type)
	}
}

// sharedConnection reports whether the migration must run on the application's own pool.
// An in-memory SQLite database exists only on that connection.
func (m *Migrator) sharedConnection() bool {
	return m.cfg.Type == "sqlite" && strings.Contains(m.cfg.Database, ":memory:")
}

// Up applies every pending migration. An up-to-date schema is not an error.
func (m *Migrator) Up(ctx context.Context) error {
	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return err
	}
	sourceDriver, err := iofs.New(sub, m.cfg.Type)
	if err != nil {
		return fmt.Errorf("failed to create iofs source driver for %s: %w", m.cfg.Type, err)
	}

	// golang-migrate closes the *sql.DB it was given, so file-backed and server databases
	// get a dedicated connection.
	target := m.db
	if !m.sharedConnection() {
		target, err = gormadapter.Open(m.cfg)
		if err != nil {
			return fmt.Errorf("failed to open migration connection: %w", err)
		}
	}
	sqlDB, err := target.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	dbDriver, err := m.databaseDriver(sqlDB)
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	instance, err := migrate.NewWithInstance("iofs", sourceDriver, m.cfg.Type, dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if m.sharedConnection() {
		defer sourceDriver.Close()
	} else {
		defer instance.Close()
	}

	logger.Infof("Applying job store migrations (DB: %s, Table: %s)", m.cfg.Type, MigrationsTable)
	if err := instance.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		if version, dirty, vErr := instance.Version(); vErr == nil {
			logger.Errorf("Migration stopped at version %d (dirty: %t).", version, dirty)
		}
		return fmt.Errorf("migration failed (DB: %s): %w", m.cfg.Type, err)
	}
	logger.Infof("Job store schema is up to date.")
	return nil
}

// MigrateParams defines the dependencies for RunMigrations.
type MigrateParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	DB        *gorm.DB
	Config    *config.Config
}

// RunMigrations registers an OnStart hook that migrates before any other component starts.
func RunMigrations(p MigrateParams) {
	m := NewMigrator(p.DB, p.Config.Ingest.Database)
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return m.Up(ctx)
		},
	})
}

// Module runs migrations on application start.
var Module = fx.Options(
	fx.Invoke(RunMigrations),
)
