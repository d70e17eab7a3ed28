package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/stagebuild/internal/store/postgresql"
	"github.com/loykin/stagebuild/pkg/artifact"
	"github.com/loykin/stagebuild/pkg/stage"
)

// waitForPostgresDSN pings the DSN until it responds or timeout elapses (pgx stdlib).
func waitForPostgresDSN(dsn string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			pingErr := db.Ping()
			_ = db.Close()
			if pingErr == nil {
				return nil
			}
			lastErr = pingErr
		} else {
			lastErr = err
		}
		time.Sleep(500 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for postgres")
	}
	return lastErr
}

// Integration test with PostgreSQL via testcontainers
func TestPostgresManifest_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	req := tc.ContainerRequest{
		Image:        "postgres:16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "stagebuild_test",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections"),
		),
	}
	pg, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		// Skip on CI envs that cannot run containers, rather than failing whole suite
		t.Skipf("skipping Postgres container test: %v", err)
		return
	}
	defer func() { _ = pg.Terminate(ctx) }()

	host, err := pg.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := pg.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/stagebuild_test?sslmode=disable", host, port.Port())
	if err := waitForPostgresDSN(dsn, 30*time.Second); err != nil {
		t.Fatalf("postgres not ready: %v", err)
	}

	st, err := Open(ctx, Config{Type: "postgres", TablePrefix: "ci", Postgres: postgresql.Config{DSN: dsn}}, "")
	if err != nil {
		t.Fatalf("Open(postgres): %v", err)
	}
	defer func() { _ = st.Close() }()

	rec := succeeded("stage1", "fp1", artifact.Artifact{Stage: "stage1", Name: "bin/pd", Path: "/b/stage1/bin/pd", Fingerprint: "h", ProducedAt: time.Now().UTC()})
	if err := st.Commit(ctx, rec); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// Upsert path
	rec.Fingerprint = "fp2"
	if err := st.Commit(ctx, rec); err != nil {
		t.Fatalf("Commit again: %v", err)
	}

	recs, err := st.Records(ctx)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	got := recs["stage1"]
	if got == nil || got.Status != stage.StatusSucceeded || got.Fingerprint != "fp2" || len(got.Artifacts) != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}

	if err := st.Delete(ctx, "stage1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := st.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	recs, _ = st.Records(ctx)
	if len(recs) != 0 {
		t.Fatalf("expected empty manifest, got %d records", len(recs))
	}
}
