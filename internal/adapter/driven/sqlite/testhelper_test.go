package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"testing"
)

// setupTestDB creates a named shared in-memory SQLite database with the
// watermark schema applied. Writer and reader share the database via
// cache=shared; the name is derived from t.Name() so tests stay isolated.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)",
		url.PathEscape(t.Name()),
	)

	db := &DB{
		Writer: openTestPool(t, dsn, 1),
		Reader: openTestPool(t, dsn, 4),
		path:   dsn,
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := RunMigrations(db.Writer); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	return db
}

func openTestPool(t *testing.T, dsn string, maxConns int) *sql.DB {
	t.Helper()

	pool, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	pool.SetMaxOpenConns(maxConns)

	if err := pool.PingContext(context.Background()); err != nil {
		_ = pool.Close()
		t.Fatalf("ping test db: %v", err)
	}
	return pool
}
