package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/testdb"
)

// InitTestDBManager performs the standard initialization of a *testdb.Manager for feedpipe. It requires a *testing.M
// to ensure it is only called by TestMain. It returns nil when TEST_DATABASE is not set. If something else fails it
// calls os.Exit(1).
//
// The database named by TEST_DATABASE must be migrated and have pgundolog installed on every table.
func InitTestDBManager(*testing.M) *testdb.Manager {
	dbName := os.Getenv("TEST_DATABASE")
	if dbName == "" {
		return nil
	}

	manager := &testdb.Manager{
		ResetDB: func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, `select pgundolog.undo()`)
			return err
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	err := manager.Connect(ctx, fmt.Sprintf("dbname=%s", dbName))
	if err != nil {
		fmt.Println("failed to init testdb.Manager:", err)
		os.Exit(1)
	}

	return manager
}

// AcquirePool returns a pool connected to a freshly reset test database. It skips the test when manager is nil.
func AcquirePool(t testing.TB, ctx context.Context, manager *testdb.Manager) *pgxpool.Pool {
	t.Helper()
	if manager == nil {
		t.Skip("TEST_DATABASE is not set")
	}
	return manager.AcquireDB(t, ctx).PoolConnect(t, ctx)
}

// RedisAddr returns TEST_REDIS_ADDR or skips the test when it is not set.
func RedisAddr(t testing.TB) string {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR is not set")
	}
	return addr
}
