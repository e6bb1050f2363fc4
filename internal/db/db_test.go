package db

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestGetEnvIntUsesDefaultWhenUnset(t *testing.T) {
	os.Unsetenv("WORKFLOWCTL_TEST_INT")
	assert.Equal(t, 25, getEnvInt("WORKFLOWCTL_TEST_INT", 25))
}

func TestGetEnvIntParsesValidValue(t *testing.T) {
	t.Setenv("WORKFLOWCTL_TEST_INT", "42")
	assert.Equal(t, 42, getEnvInt("WORKFLOWCTL_TEST_INT", 25))
}

func TestGetEnvIntFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("WORKFLOWCTL_TEST_INT", "not-a-number")
	assert.Equal(t, 25, getEnvInt("WORKFLOWCTL_TEST_INT", 25))
}

func TestGetEnvDurationParsesValidValue(t *testing.T) {
	t.Setenv("WORKFLOWCTL_TEST_DURATION", "90s")
	assert.Equal(t, 90*time.Second, getEnvDuration("WORKFLOWCTL_TEST_DURATION", time.Minute))
}

func TestGetEnvDurationFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("WORKFLOWCTL_TEST_DURATION", "not-a-duration")
	assert.Equal(t, time.Minute, getEnvDuration("WORKFLOWCTL_TEST_DURATION", time.Minute))
}

func TestApplyMigrationsAndTxAgainstRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker for a PostgreSQL testcontainer")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute)),
	)
	require.NoError(t, err)
	defer pgContainer.Terminate(ctx)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sqlDB, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	defer sqlDB.Close()
	require.NoError(t, sqlDB.Ping())

	prevDB := DB
	DB = sqlDB
	defer func() { DB = prevDB }()

	require.NoError(t, applyMigrations())

	var tableExists bool
	require.NoError(t, DB.QueryRow(`SELECT EXISTS (
		SELECT 1 FROM information_schema.tables WHERE table_name = 'workflow_instances'
	)`).Scan(&tableExists))
	assert.True(t, tableExists, "applyMigrations must create the workflow_instances table")

	// a second call must be idempotent (schema_migrations already records the version)
	require.NoError(t, applyMigrations())

	require.NoError(t, Tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO workflow_instances (
			instance_id, workflow_id, workflow_version, status, current_step_id,
			created_at, updated_at, completed_at, context, history, metadata, error_info, chat_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			"tx-i1", "tx-workflow", "v1", "RUNNING", "start",
			1, 1, nil, []byte("{}"), []byte("[]"), []byte("{}"), nil, nil)
		return err
	}))

	var count int
	require.NoError(t, DB.QueryRow(`SELECT COUNT(*) FROM workflow_instances WHERE instance_id = $1`, "tx-i1").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestTxRollsBackOnError(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker for a PostgreSQL testcontainer")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute)),
	)
	require.NoError(t, err)
	defer pgContainer.Terminate(ctx)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sqlDB, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	defer sqlDB.Close()
	require.NoError(t, sqlDB.Ping())

	prevDB := DB
	DB = sqlDB
	defer func() { DB = prevDB }()
	require.NoError(t, applyMigrations())

	boom := assert.AnError
	err = Tx(func(tx *sql.Tx) error {
		if _, execErr := tx.Exec(`INSERT INTO workflow_instances (
			instance_id, workflow_id, workflow_version, status, current_step_id,
			created_at, updated_at, completed_at, context, history, metadata, error_info, chat_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			"tx-i2", "tx-workflow", "v1", "RUNNING", "start",
			1, 1, nil, []byte("{}"), []byte("[]"), []byte("{}"), nil, nil); execErr != nil {
			return execErr
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, DB.QueryRow(`SELECT COUNT(*) FROM workflow_instances WHERE instance_id = $1`, "tx-i2").Scan(&count))
	assert.Equal(t, 0, count, "Tx must roll back when fn returns an error")
}
