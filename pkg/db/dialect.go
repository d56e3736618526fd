package db

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/promosale/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Row locks on sellable_units are held for a single statement; anything
// longer than this is a stuck transaction, not contention.
const lockWaitTimeout = 5 * time.Second

// ErrUnsupportedDialect is returned for database types the ledger SQL does not run on.
var ErrUnsupportedDialect = errors.New("unsupported database type")

// Dialect opens postgres in production and sqlite for local runs. The ledger
// upserts rely on ON CONFLICT ... WHERE, which mysql has no form of.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.DBType)) {
	case "postgres":
		return postgres.Open(postgresDSN(cfg)), nil
	case "sqlite":
		name := cfg.DBName
		if name == "" {
			name = "promosale.db"
		}
		return sqlite.Open(name), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, cfg.DBType)
	}
}

func postgresDSN(cfg config.Config) string {
	sslMode := cfg.DBSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	pairs := []string{
		"host=" + cfg.DBHost,
		"port=" + cfg.DBPort,
		"user=" + cfg.DBUser,
		"password=" + cfg.DBPassword,
		"dbname=" + cfg.DBName,
		"sslmode=" + sslMode,
		"TimeZone=UTC",
		fmt.Sprintf("lock_timeout=%d", lockWaitTimeout.Milliseconds()),
	}
	if cfg.AppName != "" {
		pairs = append(pairs, "application_name="+cfg.AppName)
	}
	return strings.Join(pairs, " ")
}
