// Package testutil holds integration test helpers.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/quietguard/migrations"
)

// Tables are the application tables emptied between tests.
var Tables = []string{"monitoring_profiles", "unblock_events", "risk_assessments"}

// PGTest returns a migrated PostgreSQL database for an integration test.
// POSTGRES_URL names an existing server; with TESTCONTAINERS=1 a throwaway
// container is started instead. Without either the test is skipped.
// The tables are truncated and the pool closed when the test ends.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" && os.Getenv("TESTCONTAINERS") == "1" {
		dsn = startContainer(t)
	}
	if dsn == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), "TRUNCATE "+strings.Join(Tables, ", ")) // #nosec G202 -- fixed table list
		_ = db.Close()
	})

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("pgtest: connect: %v", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		t.Fatalf("pgtest: migrate: %v", err)
	}
	return db
}

// startContainer runs postgres for the lifetime of the test.
func startContainer(t *testing.T) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("quietguard"),
		postgres.WithUsername("quietguard"),
		postgres.WithPassword("quietguard"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("pgtest: start container: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pgtest: container dsn: %v", err)
	}
	return dsn
}
