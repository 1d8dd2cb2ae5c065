package database

import (
	"context"
	stdsql "database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestConfig returns a Config pointed at a test database with CI/local
// environment detection.
// In CI (when CI_DATABASE_URL is set): connects to external PostgreSQL service container.
// In local dev: spins up a testcontainer with PostgreSQL.
func newTestConfig(t *testing.T) Config {
	ctx := context.Background()

	var connStr string
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		connStr = ciDatabaseURL
	} else {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
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
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		var err2 error
		connStr, err2 = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err2)
	}

	return Config{
		URL:             connStr,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	}
}

func TestNewClientAppliesMigrations(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)

	client, err := NewClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	// Both tables exist and are empty after a fresh migration.
	var runCount int
	require.NoError(t, client.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&runCount))
	assert.Equal(t, 0, runCount)

	var feedbackCount int
	require.NoError(t, client.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM feedback").Scan(&feedbackCount))
	assert.Equal(t, 0, feedbackCount)

	// The composite dashboard indices came up with the schema.
	rows, err := client.DB().QueryContext(ctx,
		`SELECT indexname FROM pg_indexes WHERE tablename = 'runs'`)
	require.NoError(t, err)
	defer rows.Close()

	indexes := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		indexes[name] = true
	}
	require.NoError(t, rows.Err())
	for _, want := range []string{
		"idx_runs_parent_start",
		"idx_runs_project_start",
		"idx_runs_type_start",
		"idx_runs_status_start",
		"idx_runs_updated_at",
	} {
		assert.True(t, indexes[want], "missing index %s", want)
	}
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	cfg := newTestConfig(t)

	db, err := stdsql.Open("pgx", cfg.DSN())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, RunMigrations(db, "test"))
	// Second application hits migrate.ErrNoChange internally and succeeds.
	require.NoError(t, RunMigrations(db, "test"))
}

func TestDatabaseClient_ConnectionPool(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)

	client, err := NewClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	// Test basic connectivity
	require.NoError(t, client.DB().PingContext(ctx))

	// Test health check
	health, err := Health(ctx, client.DB())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Greater(t, health.MaxOpenConns, 0)
}

func TestConfigDSN(t *testing.T) {
	t.Run("url wins", func(t *testing.T) {
		cfg := Config{URL: "postgres://u:p@h:5/x", Host: "ignored"}
		assert.Equal(t, "postgres://u:p@h:5/x", cfg.DSN())
	})

	t.Run("components compose", func(t *testing.T) {
		cfg := Config{Host: "db", Port: 5433, User: "spy", Password: "s3c", Database: "traces", SSLMode: "disable"}
		assert.Equal(t, "host=db port=5433 user=spy password=s3c dbname=traces sslmode=disable", cfg.DSN())
	})
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://spy@localhost/traces")
	t.Setenv("DATABASE_POOL_SIZE", "7")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "postgres://spy@localhost/traces", cfg.URL)
	assert.Equal(t, 7, cfg.MaxOpenConns)

	t.Run("invalid pool size", func(t *testing.T) {
		t.Setenv("DATABASE_POOL_SIZE", "lots")
		_, err := LoadConfigFromEnv()
		require.Error(t, err)
	})
}
