package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/stagebuild/internal/retry"
	"github.com/loykin/stagebuild/internal/store/connector"
	"github.com/loykin/stagebuild/internal/store/sqlite"
	"github.com/loykin/stagebuild/pkg/artifact"
	"github.com/loykin/stagebuild/pkg/builderr"
	"github.com/loykin/stagebuild/pkg/stage"
)

func succeeded(name, fp string, arts ...artifact.Artifact) *stage.Record {
	start := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	rec := stage.NewRecord(name)
	_ = rec.Start(start)
	_ = rec.Succeed(start.Add(1500*time.Millisecond), arts)
	rec.ExitCode = 0
	rec.Fingerprint = fp
	return rec
}

func TestTableNamesFor(t *testing.T) {
	tests := []struct {
		prefix string
		want   connector.TableNames
	}{
		{"", connector.TableNames{StageRecords: "stage_records", StageArtifacts: "stage_artifacts"}},
		{"ci", connector.TableNames{StageRecords: "ci_stage_records", StageArtifacts: "ci_stage_artifacts"}},
	}
	for _, tt := range tests {
		if got := TableNamesFor(tt.prefix); got != tt.want {
			t.Errorf("TableNamesFor(%q) = %+v, want %+v", tt.prefix, got, tt.want)
		}
	}
	if err := TableNamesFor("bad-prefix;").Validate(); err == nil {
		t.Error("Validate() should reject non-identifier table names")
	}
}

func TestOpen_UnsupportedType(t *testing.T) {
	_, err := Open(context.Background(), Config{Type: "mysql"}, "")
	if !errors.Is(err, builderr.ErrConfiguration) {
		t.Fatalf("Open() error = %v, want ConfigurationError", err)
	}
	_, err = Open(context.Background(), Config{Type: "postgres"}, "")
	if !errors.Is(err, builderr.ErrConfiguration) {
		t.Fatalf("Open(postgres without dsn) error = %v, want ConfigurationError", err)
	}
}

func TestStore_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "manifest.db")
	st, err := Open(ctx, Config{}, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = st.Close() }()
	if st.Driver() != DriverSQLite {
		t.Errorf("Driver() = %v, want sqlite", st.Driver())
	}

	a := succeeded("A", "fa", artifact.Artifact{Stage: "A", Name: "a.out", Path: "/b/A/a.out", Fingerprint: "ha", ProducedAt: time.Now().UTC()})
	if err := st.Commit(ctx, a); err != nil {
		t.Fatal(err)
	}

	failed := stage.NewRecord("B")
	_ = failed.Start(time.Now())
	failed.Artifacts = []artifact.Artifact{{Stage: "B", Name: "leak"}}
	_ = failed.Fail(time.Now(), builderr.ProcessFailure("B", 4, errors.New("exit status 4")))
	if err := st.Commit(ctx, failed); err != nil {
		t.Fatal(err)
	}

	recs, err := st.Records(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("Records() returned %d records", len(recs))
	}
	gotA := recs["A"]
	if gotA.Status != stage.StatusSucceeded || gotA.Fingerprint != "fa" || gotA.Duration != 1500*time.Millisecond {
		t.Errorf("record A = %+v", gotA)
	}
	if len(gotA.Artifacts) != 1 || gotA.Artifacts[0].Stage != "A" || gotA.Artifacts[0].Ref() != "A/a.out" {
		t.Errorf("artifacts of A = %+v", gotA.Artifacts)
	}
	gotB := recs["B"]
	if gotB.Status != stage.StatusFailed || gotB.ExitCode != 4 || gotB.Cause != builderr.KindProcessFailure {
		t.Errorf("record B = %+v", gotB)
	}
	if len(gotB.Artifacts) != 0 {
		t.Errorf("failed record persisted artifacts: %+v", gotB.Artifacts)
	}

	if err := st.Delete(ctx, "B"); err != nil {
		t.Fatal(err)
	}
	recs, _ = st.Records(ctx)
	if _, ok := recs["B"]; ok {
		t.Error("Delete() left record B")
	}

	// Reopening sees the same manifest
	_ = st.Close()
	st2, err := Open(ctx, Config{SQLite: sqliteConfig(path)}, "")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = st2.Close() }()
	recs, _ = st2.Records(ctx)
	if _, ok := recs["A"]; !ok {
		t.Error("record A did not survive reopen")
	}
	if err := st2.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	recs, _ = st2.Records(ctx)
	if len(recs) != 0 {
		t.Errorf("Reset() left %d records", len(recs))
	}
}

// flakyConnector fails the first n commits with a retryable error.
type flakyConnector struct {
	failures int
	commits  int
	entries  []connector.Entry
}

func (f *flakyConnector) Connect() (*sql.DB, error)             { return nil, nil }
func (f *flakyConnector) Validate() error                       { return nil }
func (f *flakyConnector) Load(map[string]interface{}) error     { return nil }
func (f *flakyConnector) Ensure(context.Context, connector.TableNames) error { return nil }
func (f *flakyConnector) ListEntries(context.Context, connector.TableNames) ([]connector.Entry, error) {
	return f.entries, nil
}
func (f *flakyConnector) Commit(_ context.Context, _ connector.TableNames, e connector.Entry) error {
	f.commits++
	if f.commits <= f.failures {
		return errors.New("database is locked (SQLITE_BUSY)")
	}
	f.entries = append(f.entries, e)
	return nil
}
func (f *flakyConnector) Delete(context.Context, connector.TableNames, string) error {
	return errors.New("no such table: stage_records")
}
func (f *flakyConnector) Reset(context.Context, connector.TableNames) error { return nil }
func (f *flakyConnector) Close() error                                     { return nil }

func TestStore_RetriesLockedDatabase(t *testing.T) {
	fc := &flakyConnector{failures: 2}
	st, err := openConnector(context.Background(), fc, "fake", TableNamesFor(""))
	if err != nil {
		t.Fatal(err)
	}
	st.retry = &retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1, RetryableErrors: []string{"database is locked"}}

	if err := st.Commit(context.Background(), succeeded("A", "f")); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if fc.commits != 3 {
		t.Errorf("commits = %d, want 3", fc.commits)
	}

	err = st.Delete(context.Background(), "A")
	if !errors.Is(err, builderr.ErrIO) {
		t.Errorf("Delete() error = %v, want IOError", err)
	}
}

func sqliteConfig(path string) sqlite.Config {
	return sqlite.Config{Path: path}
}
