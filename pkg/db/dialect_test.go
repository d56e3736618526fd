package db

import (
	"testing"

	"github.com/smallbiznis/promosale/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialectRejectsUnsupportedDrivers(t *testing.T) {
	for _, dbType := range []string{"oracle", "mysql", ""} {
		_, err := Dialect(config.Config{DBType: dbType})
		assert.ErrorIs(t, err, ErrUnsupportedDialect, dbType)
	}
}

func TestDialectOpensSupportedDrivers(t *testing.T) {
	d, err := Dialect(config.Config{DBType: " Postgres ", DBHost: "db", DBPort: "5432"})
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())

	d, err = Dialect(config.Config{DBType: "sqlite"})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name())
}

func TestPostgresDSNDefaultsSSLMode(t *testing.T) {
	dsn := postgresDSN(config.Config{
		DBHost: "db", DBPort: "5432", DBUser: "promo", DBName: "promosale", AppName: "promosale-api",
	})
	assert.Contains(t, dsn, "sslmode=disable")
	assert.Contains(t, dsn, "lock_timeout=5000")
	assert.Contains(t, dsn, "application_name=promosale-api")
}
