package connector

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"
)

// ArtifactRow is one row of the stage_artifacts table.
type ArtifactRow struct {
	Name        string
	Path        string
	Fingerprint string
	ProducedAt  time.Time
}

// Entry is the persisted state of one stage: its last record and, for a
// succeeded record, the artifacts it registered.
type Entry struct {
	Stage       string
	Status      string
	Fingerprint string
	ExitCode    int
	Cause       string
	StartedAt   time.Time
	FinishedAt  time.Time
	DurationMS  int64
	Artifacts   []ArtifactRow
}

// TableNames represents database table names
type TableNames struct {
	StageRecords   string
	StageArtifacts string
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Validate rejects table names that are not plain SQL identifiers. Table
// names are interpolated into statements, values never are.
func (th TableNames) Validate() error {
	for _, n := range []string{th.StageRecords, th.StageArtifacts} {
		if !identRe.MatchString(n) {
			return fmt.Errorf("invalid table name %q", n)
		}
	}
	return nil
}

// Connector is implemented by each manifest backend.
type Connector interface {
	Connect() (*sql.DB, error)
	Validate() error
	Load(config map[string]interface{}) error
	Ensure(ctx context.Context, th TableNames) error
	// ListEntries returns every stage entry ordered by stage name
	ListEntries(ctx context.Context, th TableNames) ([]Entry, error)
	// Commit replaces the stage's record and artifacts in one transaction
	Commit(ctx context.Context, th TableNames, e Entry) error
	Delete(ctx context.Context, th TableNames, stage string) error
	Reset(ctx context.Context, th TableNames) error
	Close() error
}
