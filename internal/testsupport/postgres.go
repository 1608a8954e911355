package testsupport

import (
	"testing"

	"github.com/jmoiron/sqlx"

	"rolodex/internal/adapters/config"
	"rolodex/internal/adapters/postgres"
)

// PostgresTestHelper manages a database connection for integration tests.
type PostgresTestHelper struct {
	client *postgres.Client
}

// NewPostgresTestHelper opens a connection for the duration of the test.
func NewPostgresTestHelper(t *testing.T, cfg config.PostgresConfig) *PostgresTestHelper {
	t.Helper()

	client, err := postgres.NewClient(cfg)
	if err != nil {
		t.Fatalf("failed to create postgres client: %v", err)
	}

	helper := &PostgresTestHelper{client: client}
	t.Cleanup(func() {
		_ = client.Close()
	})

	return helper
}

// DB returns the underlying database handle.
func (h *PostgresTestHelper) DB() *sqlx.DB {
	return h.client.DB()
}

// NewTestPostgres creates a test postgres helper with config loaded from the
// environment. Skips the test when no integration database is configured.
func NewTestPostgres(t *testing.T) *PostgresTestHelper {
	t.Helper()

	dbConfigs := LoadDatabaseConfigsFromEnv(t)
	return NewPostgresTestHelper(t, dbConfigs.Postgres)
}
