// Package pgtest connects tests to the database named by TEST_DATABASE.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// ConnString returns TEST_DATABASE.
func ConnString() string { return os.Getenv("TEST_DATABASE") }

// Require skips integration tests in short mode or without TEST_DATABASE.
func Require(t testing.TB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if ConnString() == "" {
		t.Skip("TEST_DATABASE not set")
	}
}

// Connect creates a new database connection for testing, closed on cleanup.
func Connect(ctx context.Context, t testing.TB) *pgx.Conn {
	conn, err := pgx.ConnectConfig(ctx, ParseConfig(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		Close(t, conn)
	})
	return conn
}

// Close safely closes a database connection
func Close(t testing.TB, conn *pgx.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Close(ctx))
}

// ParseConfig returns a test connection config that logs server notices.
func ParseConfig(t testing.TB) *pgx.ConnConfig {
	config, err := pgx.ParseConfig(ConnString())
	require.NoError(t, err)

	config.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("PostgreSQL %s: %s", n.Severity, n.Message)
	}
	return config
}

// Exec runs statements, failing the test on error.
func Exec(ctx context.Context, t testing.TB, conn *pgx.Conn, sql string) {
	t.Helper()
	_, err := conn.Exec(ctx, sql)
	require.NoError(t, err)
}

// DropReplication removes a publication and a slot left behind by an earlier run.
func DropReplication(ctx context.Context, t testing.TB, conn *pgx.Conn, publication, slot string) {
	t.Helper()
	_, err := conn.Exec(ctx, "DROP PUBLICATION IF EXISTS "+pgx.Identifier{publication}.Sanitize())
	require.NoError(t, err)
	_, err = conn.Exec(ctx, `
		SELECT pg_terminate_backend(active_pid) FROM pg_replication_slots
		WHERE slot_name = $1 AND active_pid IS NOT NULL`, slot)
	require.NoError(t, err)
	_, err = conn.Exec(ctx, `
		SELECT pg_drop_replication_slot(slot_name) FROM pg_replication_slots
		WHERE slot_name = $1 AND NOT active`, slot)
	require.NoError(t, err)
}
