// Package testdb connects integration tests to a disposable Postgres
// instance. Every test is skipped unless TEST_DATABASE_URL is set.
package testdb

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/selivandex/autopilot-runner/internal/adapters/database"
)

// tables cleaned between tests, children first.
var tables = []string{
	"market_signal_history",
	"market_signals",
	"agent_memory",
	"runs",
	"token_strategies",
	"autopilots",
}

// TestDB wraps the live database handle for integration tests.
type TestDB struct {
	DB *database.DB
}

// Setup connects to the test database, applies migrations and registers a
// cleanup that truncates every table. Skips the test when TEST_DATABASE_URL
// is not set.
func Setup(t *testing.T) *TestDB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database test")
	}

	db, err := database.NewFromDSN(dsn)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	if err := database.RunMigrations(db.Conn(), migrationsPath(t)); err != nil {
		db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	tdb := &TestDB{DB: db}
	tdb.Truncate(t)

	t.Cleanup(func() {
		tdb.Truncate(t)
		if err := db.Close(); err != nil {
			t.Logf("warning: failed to close database: %v", err)
		}
	})

	return tdb
}

// Truncate removes all rows from every known table.
func (tdb *TestDB) Truncate(t *testing.T) {
	t.Helper()

	for _, table := range tables {
		if _, err := tdb.DB.DB().Exec("TRUNCATE TABLE " + table + " CASCADE"); err != nil {
			t.Fatalf("failed to truncate %s: %v", table, err)
		}
	}
}

// Exec executes SQL against the test database.
func (tdb *TestDB) Exec(t *testing.T, query string, args ...interface{}) {
	t.Helper()

	if _, err := tdb.DB.DB().Exec(query, args...); err != nil {
		t.Fatalf("failed to execute query: %v\nQuery: %s", err, query)
	}
}

// Count returns the row count of table filtered by the optional WHERE clause.
func (tdb *TestDB) Count(t *testing.T, table, where string, args ...interface{}) int {
	t.Helper()

	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}

	var count int
	if err := tdb.DB.DB().QueryRow(query, args...).Scan(&count); err != nil {
		t.Fatalf("failed to count rows in %s: %v", table, err)
	}

	return count
}

// migrationsPath resolves the migrations directory relative to this file so
// tests work regardless of the package they run from.
func migrationsPath(t *testing.T) string {
	t.Helper()

	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("failed to resolve test file path")
	}

	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}
