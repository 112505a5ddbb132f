package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"gridmix/internal/storage/migrations"
	pgstore "gridmix/internal/storage/postgres"
)

// setupTestDB starts a PostgreSQL container, connects a pool and applies the
// embedded migrations. The container is terminated when the test ends.
func setupTestDB(t *testing.T) *pgstore.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("gridmix"),
		tcpostgres.WithUsername("gridmix"),
		tcpostgres.WithPassword("gridmix"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgstore.NewPool(ctx, dsn, pgstore.WithMaxConns(4), pgstore.WithMaxConnIdleTime(time.Minute))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	applied, err := migrations.RunPostgresMigrations(ctx, pool)
	require.NoError(t, err)
	require.NotEmpty(t, applied)

	// Migrations are idempotent; serve runs them on every start.
	_, err = migrations.RunPostgresMigrations(ctx, pool)
	require.NoError(t, err)

	return pool
}
