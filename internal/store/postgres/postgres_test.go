package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/vhskeelz/skeelzdb/internal/store"
)

// startPostgresContainer starts a PostgreSQL container for tests
// and returns a DSN suitable for pgx stdlib. It skips the test if Docker is unavailable.
func startPostgresContainer(t *testing.T) (dsn string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get host info: %v", err)
		return "", nil
	}

	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	dsn = fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}

	return dsn, terminate
}

func waitForPostgres(t *testing.T, dsn string) {
	// Try to ping until timeout; helps when container reports ready but DB not yet accepting connections
	deadline := time.Now().Add(45 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				_ = db.Close()
				cancel()
				return
			}
			_ = db.Close()
		}
		cancel()
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPostgresMinimalAPI(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	dsn, terminate := startPostgresContainer(t)
	defer func() {
		if terminate != nil {
			terminate()
		}
	}()
	waitForPostgres(t, dsn)

	db, err := New(dsn, store.Config{})
	if err != nil {
		t.Fatalf("pg open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	if err := store.EnsureSchema(ctx, db, []string{
		`CREATE TABLE IF NOT EXISTS kv(k TEXT NOT NULL, v TEXT, at TIMESTAMPTZ)`,
	}); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	// '?' placeholders are rebound to $n
	if _, err := db.ExecContext(ctx, `INSERT INTO kv(k, v, at) VALUES(?, ?, ?)`, "a", "1", time.Now().UTC()); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	stmt := `INSERT INTO kv(k, v, at) VALUES(` + store.Quote("b") + `, ` + store.Quote("it's") + `, ` + store.QuoteTime(time.Now()) + `)`
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		t.Fatalf("tx insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var v string
	if err := db.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, "b").Scan(&v); err != nil {
		t.Fatalf("select: %v", err)
	}
	if v != "it's" {
		t.Fatalf("unexpected value %q", v)
	}
}
