package sqlite

import (
	"strings"
	"testing"
	"time"
)

func TestDialect_GetPlaceholder(t *testing.T) {
	dialect := NewDialect()
	for _, i := range []int{1, 2, 8} {
		if got := dialect.GetPlaceholder(i); got != "?" {
			t.Errorf("GetPlaceholder(%d) = %v, want ?", i, got)
		}
	}
}

func TestDialect_TimeRoundTrip(t *testing.T) {
	dialect := NewDialect()
	ts := time.Date(2026, 3, 4, 5, 6, 7, 890, time.FixedZone("KST", 9*3600))

	stored, ok := dialect.ConvertTimeToStorage(ts).(string)
	if !ok {
		t.Fatalf("ConvertTimeToStorage() returned %T, want string", dialect.ConvertTimeToStorage(ts))
	}
	if !strings.HasSuffix(stored, "Z") {
		t.Errorf("stored time %q is not UTC", stored)
	}
	if got := dialect.ConvertTimeFromStorage(stored); !got.Equal(ts) {
		t.Errorf("ConvertTimeFromStorage() = %v, want %v", got, ts)
	}

	if got := dialect.ConvertTimeToStorage(time.Time{}); got != "" {
		t.Errorf("zero time stored as %v, want empty", got)
	}
	if got := dialect.ConvertTimeFromStorage("garbage"); !got.IsZero() {
		t.Errorf("ConvertTimeFromStorage(garbage) = %v, want zero", got)
	}
}

func TestDialect_GetEnsureStatements(t *testing.T) {
	stmts := NewDialect().GetEnsureStatements("stage_records", "stage_artifacts")
	if len(stmts) != 2 {
		t.Fatalf("GetEnsureStatements() returned %d statements, want 2", len(stmts))
	}
	if !strings.Contains(stmts[0], "stage_records") || !strings.Contains(stmts[0], "stage TEXT PRIMARY KEY") {
		t.Errorf("unexpected records statement: %s", stmts[0])
	}
	if !strings.Contains(stmts[1], "PRIMARY KEY(stage, name)") {
		t.Errorf("unexpected artifacts statement: %s", stmts[1])
	}
}

func TestDialect_GetDriverName(t *testing.T) {
	if got := NewDialect().GetDriverName(); got != "sqlite" {
		t.Errorf("GetDriverName() = %v, want sqlite", got)
	}
}
