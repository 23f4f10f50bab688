package db

import (
	"testing"

	"github.com/smallbiznis/bizsuite/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialectSupportsPostgresAndSqlite(t *testing.T) {
	for _, dbType := range []string{"postgres", " PostgreSQL ", "sqlite"} {
		dialector, err := Dialect(config.Config{DBType: dbType, DBName: "ledger"})
		require.NoError(t, err, dbType)
		assert.NotNil(t, dialector)
	}
}

func TestDialectRejectsEnginesWithoutUpserts(t *testing.T) {
	_, err := Dialect(config.Config{DBType: "mysql"})
	assert.ErrorIs(t, err, ErrUnsupportedDialect)
	assert.Contains(t, err.Error(), "mysql")

	_, err = Dialect(config.Config{DBType: "oracle"})
	assert.ErrorIs(t, err, ErrUnsupportedDialect)
}

func TestPostgresDSN(t *testing.T) {
	dsn := PostgresDSN(config.Config{
		DBHost:     "db",
		DBUser:     "ledger",
		DBPassword: "secret",
		DBName:     "credits",
		DBPort:     "5433",
		DBSSLMode:  "require",
	})
	assert.Equal(t, "host=db user=ledger password=secret dbname=credits port=5433 sslmode=require TimeZone=UTC", dsn)
}
