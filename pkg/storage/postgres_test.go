package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestPostgresStore connects to CI_DATABASE_URL when set, otherwise
// starts a throwaway testcontainer.
func newTestPostgresStore(t *testing.T) *PostgresStore {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := pgContainer.Terminate(ctx); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	store, err := NewPostgresStore(ctx, PostgresConfig{DSN: connStr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgresStoreSuite(t *testing.T) {
	store := newTestPostgresStore(t)
	runStoreSuite(t, store)
}

func TestPostgresMigrationsIdempotent(t *testing.T) {
	store := newTestPostgresStore(t)
	// A second run against the same database must see no pending changes.
	require.NoError(t, runMigrations(store.DB()))
}
