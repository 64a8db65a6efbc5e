// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PGTest opens a test database connection and returns the *sql.DB plus a
// cleanup function. If POSTGRES_URL is set, that database is used; otherwise
// a disposable postgres container is started via testcontainers. If neither
// is available the test is skipped.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// Callers are responsible for running their store's Migrate and for
// truncating the tables they touch.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	if dbURL := os.Getenv("POSTGRES_URL"); dbURL != "" {
		db := open(t, dbURL)
		return db, func() { _ = db.Close() }
	}

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("safedeal_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("POSTGRES_URL not set and no container runtime available: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		t.Fatalf("pgtest: connection string: %v", err)
	}

	db := open(t, dsn)
	return db, func() {
		_ = db.Close()
		_ = testcontainers.TerminateContainer(ctr)
	}
}

func open(t *testing.T, dsn string) *sql.DB {
	t.Helper()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}
	return db
}
