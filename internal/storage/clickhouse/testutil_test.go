package clickhouse_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	chstore "ore-agent/internal/storage/clickhouse"
	"ore-agent/internal/storage/migrations"
)

// setupTestDB connects to TEST_CLICKHOUSE_DSN when set, otherwise starts a
// clickhouse-server container, and applies the embedded migrations.
func setupTestDB(t *testing.T) (*chstore.Conn, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	dsn := os.Getenv("TEST_CLICKHOUSE_DSN")

	var container testcontainers.Container
	if dsn == "" {
		req := testcontainers.ContainerRequest{
			Image:        "clickhouse/clickhouse-server:24.1-alpine",
			ExposedPorts: []string{"9000/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForLog("Ready for connections").WithStartupTimeout(60*time.Second),
				wait.ForListeningPort("9000/tcp"),
			),
			Env: map[string]string{"CLICKHOUSE_SKIP_USER_SETUP": "1"},
		}

		var err error
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		require.NoError(t, err)

		host, err := container.Host(ctx)
		require.NoError(t, err)
		port, err := container.MappedPort(ctx, "9000")
		require.NoError(t, err)

		dsn = fmt.Sprintf("clickhouse://default:@%s:%s/ore_test", host, port.Port())
	}

	conn, err := migrations.RunClickhouseMigrations(ctx, dsn)
	require.NoError(t, err)

	// Shared DSN databases are reused across runs.
	require.NoError(t, conn.Exec(ctx, "TRUNCATE TABLE IF EXISTS placements"))
	require.NoError(t, conn.Exec(ctx, "TRUNCATE TABLE IF EXISTS round_outcomes"))

	return conn, func() {
		conn.Close()
		if container != nil {
			_ = container.Terminate(ctx)
		}
	}
}
