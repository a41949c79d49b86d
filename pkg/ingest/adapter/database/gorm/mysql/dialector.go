// Package mysql registers the MySQL dialector.
package mysql

import (
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	gormadapter "github.com/tigerroll/tsingest/pkg/ingest/adapter/database/gorm"
	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
)

func init() {
	gormadapter.RegisterDialector("mysql", func(cfg config.DatabaseConfig) (gorm.Dialector, error) {
		return mysql.Open(DSN(cfg)), nil
	})
}

// DSN builds a go-sql-driver DSN with parseTime enabled and UTC timestamps.
func DSN(cfg config.DatabaseConfig) string {
	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	c := gomysql.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = fmt.Sprintf("%s:%d", cfg.Host, port)
	c.DBName = cfg.Database
	c.ParseTime = true
	c.Loc = time.UTC
	c.MultiStatements = true
	return c.FormatDSN()
}
