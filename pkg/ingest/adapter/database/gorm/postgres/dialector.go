// Package postgres registers the PostgreSQL dialector for deployments that keep the
// job store in a shared server instead of the embedded SQLite file.
package postgres

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	gormadapter "github.com/tigerroll/tsingest/pkg/ingest/adapter/database/gorm"
	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
)

func init() {
	gormadapter.RegisterDialector("postgres", func(cfg config.DatabaseConfig) (gorm.Dialector, error) {
		return postgres.Open(DSN(cfg)), nil
	})
}

// DSN builds a key/value PostgreSQL connection string.
func DSN(cfg config.DatabaseConfig) string {
	sslmode := cfg.Sslmode
	if sslmode == "" {
		sslmode = "disable"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		cfg.Host, port, cfg.User, cfg.Password, cfg.Database, sslmode)
}
