// Package sqlite registers the SQLite dialector. The DSN enables WAL journaling,
// a busy timeout and immediate transactions so that the trigger loop, workers and the
// API can share one file: readers are never blocked and writers serialize.
package sqlite

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	gormadapter "github.com/tigerroll/tsingest/pkg/ingest/adapter/database/gorm"
	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
)

// BusyTimeoutMillis is how long a writer waits for the database lock.
const BusyTimeoutMillis = 5000

func init() {
	gormadapter.RegisterDialector("sqlite", func(cfg config.DatabaseConfig) (gorm.Dialector, error) {
		if cfg.Database == "" {
			return nil, errors.New("SQLite database path cannot be empty")
		}
		if !isMemory(cfg.Database) {
			if dir := filepath.Dir(cfg.Database); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("failed to create SQLite directory '%s': %w", dir, err)
				}
			}
		}
		return sqlite.Open(DSN(cfg.Database)), nil
	})
}

// DSN builds the go-sqlite3 connection string for path.
func DSN(path string) string {
	if isMemory(path) {
		return fmt.Sprintf(":memory:?_busy_timeout=%d&_txlock=immediate", BusyTimeoutMillis)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL&_foreign_keys=on&_txlock=immediate", path, sep, BusyTimeoutMillis)
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}
