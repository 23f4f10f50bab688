package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/bizsuite/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// ErrUnsupportedDialect is returned for database types the ledger cannot run
// on. The repositories rely on ON CONFLICT upserts and row locking, which
// limits the choice to postgres, or sqlite for local use.
var ErrUnsupportedDialect = errors.New("unsupported_database_type")

func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch dbType := strings.ToLower(strings.TrimSpace(cfg.DBType)); dbType {
	case "postgres", "postgresql":
		return postgres.Open(PostgresDSN(cfg)), nil
	case "sqlite":
		name := cfg.DBName
		if name == "" || name == "postgres" {
			name = "bizsuite.db"
		}
		return sqlite.Open(name + "?_foreign_keys=on&_busy_timeout=5000"), nil
	case "mysql":
		return nil, fmt.Errorf("%w: mysql has no ON CONFLICT upserts, use postgres", ErrUnsupportedDialect)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, cfg.DBType)
	}
}

// PostgresDSN renders the key/value connection string used by the postgres driver.
func PostgresDSN(cfg config.Config) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		cfg.DBHost,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBPort,
		cfg.DBSSLMode,
	)
}
