package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(embeddedMigrations, migrationsDir+"/*.up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)

	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		_, err := fs.Stat(embeddedMigrations, down)
		require.NoError(t, err, "missing down migration for %s", up)
	}
}

func TestEmbeddedMigrationsCreateCoreTables(t *testing.T) {
	var all strings.Builder
	ups, err := fs.Glob(embeddedMigrations, migrationsDir+"/*.up.sql")
	require.NoError(t, err)
	for _, up := range ups {
		b, err := fs.ReadFile(embeddedMigrations, up)
		require.NoError(t, err)
		all.Write(b)
	}
	for _, table := range []string{"activities", "activity_sessions", "sellable_units", "stock_ledger_writes", "buy_groups", "audit_logs", "operator_roles"} {
		require.Contains(t, all.String(), table)
	}
}

func TestRunMigrationsRequiresHandle(t *testing.T) {
	_, err := RunMigrations(nil, nil)
	require.Error(t, err)
}
