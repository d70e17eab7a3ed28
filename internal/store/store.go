// Package store persists the build manifest: the last execution record of
// every stage and the artifacts a succeeded stage registered.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/stagebuild/internal/common"
	"github.com/loykin/stagebuild/internal/constants"
	"github.com/loykin/stagebuild/internal/retry"
	"github.com/loykin/stagebuild/internal/store/connector"
	"github.com/loykin/stagebuild/internal/store/postgresql"
	"github.com/loykin/stagebuild/internal/store/sqlite"
	"github.com/loykin/stagebuild/internal/util"
	"github.com/loykin/stagebuild/pkg/artifact"
	"github.com/loykin/stagebuild/pkg/builderr"
	"github.com/loykin/stagebuild/pkg/stage"
)

// Store is the manifest, keyed by stage name.
type Store struct {
	connector connector.Connector
	tn        connector.TableNames
	retry     *retry.Config
	driver    string
	logger    *common.Logger
}

// TableNamesFor derives the manifest table names from an optional prefix.
func TableNamesFor(prefix string) connector.TableNames {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return connector.TableNames{
			StageRecords:   constants.DefaultStageRecordsTable,
			StageArtifacts: constants.DefaultStageArtifactsTable,
		}
	}
	return connector.TableNames{
		StageRecords:   prefix + constants.StageRecordsSuffix,
		StageArtifacts: prefix + constants.StageArtifactsSuffix,
	}
}

// Open connects the configured backend and ensures its schema. For SQLite
// an empty path falls back to defaultPath.
func Open(ctx context.Context, cfg Config, defaultPath string) (*Store, error) {
	driver := util.TrimAndLower(cfg.Type)
	var (
		c  connector.Connector
		dc DriverConfig
	)
	switch driver {
	case "", DriverSQLite, "sqlite3":
		driver = DriverSQLite
		sc := cfg.SQLite
		if sc.Path == "" && sc.DSN == "" {
			sc.Path = defaultPath
		}
		c, dc = sqlite.NewStore(), &sc
	case DriverPostgres, "postgresql", "pg":
		driver = DriverPostgres
		pc := cfg.Postgres
		c, dc = postgresql.NewStore(), &pc
	default:
		return nil, builderr.Configuration("unsupported store type %q (want sqlite or postgres)", cfg.Type)
	}

	if err := c.Load(dc.ToMap()); err != nil {
		return nil, builderr.Configuration("store config: %v", err)
	}
	if err := c.Validate(); err != nil {
		return nil, builderr.Configuration("store config: %v", err)
	}
	return openConnector(ctx, c, driver, TableNamesFor(cfg.TablePrefix))
}

func openConnector(ctx context.Context, c connector.Connector, driver string, tn connector.TableNames) (*Store, error) {
	if err := tn.Validate(); err != nil {
		return nil, builderr.Configuration("store: %v", err)
	}
	s := &Store{
		connector: c,
		tn:        tn,
		retry:     retry.DefaultRetryConfig(),
		driver:    driver,
		logger:    common.GetLogger().WithComponent("manifest").WithStore(driver),
	}
	err := retry.WithRetry(ctx, s.retry, driver+" connect", func(context.Context) error {
		_, err := c.Connect()
		return err
	})
	if err != nil {
		return nil, builderr.IO("", "open manifest", err)
	}
	if err := retry.WithRetry(ctx, s.retry, driver+" ensure", func(ctx context.Context) error {
		return c.Ensure(ctx, tn)
	}); err != nil {
		_ = c.Close()
		return nil, builderr.IO("", "ensure manifest schema", err)
	}
	return s, nil
}

// Driver names the backend in use.
func (s *Store) Driver() string { return s.driver }

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.connector == nil {
		return nil
	}
	return s.connector.Close()
}

// Records loads every persisted record. Artifacts carry their stage name.
func (s *Store) Records(ctx context.Context) (map[string]*stage.Record, error) {
	var entries []connector.Entry
	err := retry.WithRetry(ctx, s.retry, "load manifest", func(ctx context.Context) error {
		var err error
		entries, err = s.connector.ListEntries(ctx, s.tn)
		return err
	})
	if err != nil {
		return nil, builderr.IO("", "load manifest", err)
	}
	out := make(map[string]*stage.Record, len(entries))
	for _, e := range entries {
		out[e.Stage] = fromEntry(e)
	}
	s.logger.Debug("manifest loaded", "records", len(out))
	return out, nil
}

// Commit writes rec as the stage's entry. A record that did not succeed
// is stored without artifacts.
func (s *Store) Commit(ctx context.Context, rec *stage.Record) error {
	e := toEntry(rec)
	err := retry.WithRetry(ctx, s.retry, "commit "+rec.Stage, func(ctx context.Context) error {
		return s.connector.Commit(ctx, s.tn, e)
	})
	if err != nil {
		return builderr.IO(rec.Stage, "commit manifest entry", err)
	}
	s.logger.Debug("manifest entry committed", "stage", rec.Stage, "status", string(rec.Status), "artifacts", len(e.Artifacts))
	return nil
}

// Delete removes a stage's entry.
func (s *Store) Delete(ctx context.Context, name string) error {
	err := retry.WithRetry(ctx, s.retry, "delete "+name, func(ctx context.Context) error {
		return s.connector.Delete(ctx, s.tn, name)
	})
	if err != nil {
		return builderr.IO(name, "delete manifest entry", err)
	}
	return nil
}

// Reset removes every entry.
func (s *Store) Reset(ctx context.Context) error {
	err := retry.WithRetry(ctx, s.retry, "reset manifest", func(ctx context.Context) error {
		return s.connector.Reset(ctx, s.tn)
	})
	if err != nil {
		return builderr.IO("", "reset manifest", err)
	}
	s.logger.Info("manifest reset")
	return nil
}

func toEntry(rec *stage.Record) connector.Entry {
	e := connector.Entry{
		Stage:       rec.Stage,
		Status:      string(rec.Status),
		Fingerprint: rec.Fingerprint,
		ExitCode:    rec.ExitCode,
		Cause:       string(rec.Cause),
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
		DurationMS:  rec.Duration.Milliseconds(),
	}
	if rec.Status == stage.StatusSucceeded {
		for _, a := range rec.Artifacts {
			e.Artifacts = append(e.Artifacts, connector.ArtifactRow{
				Name:        a.Name,
				Path:        a.Path,
				Fingerprint: a.Fingerprint,
				ProducedAt:  a.ProducedAt,
			})
		}
	}
	return e
}

func fromEntry(e connector.Entry) *stage.Record {
	rec := &stage.Record{
		Stage:       e.Stage,
		Status:      stage.Status(e.Status),
		Fingerprint: e.Fingerprint,
		ExitCode:    e.ExitCode,
		Cause:       builderr.Kind(e.Cause),
		StartedAt:   e.StartedAt,
		FinishedAt:  e.FinishedAt,
		Duration:    time.Duration(e.DurationMS) * time.Millisecond,
	}
	for _, a := range e.Artifacts {
		rec.Artifacts = append(rec.Artifacts, artifact.Artifact{
			Stage:       e.Stage,
			Name:        a.Name,
			Path:        a.Path,
			Fingerprint: a.Fingerprint,
			ProducedAt:  a.ProducedAt,
		})
	}
	return rec
}

// String describes the store for status output.
func (s *Store) String() string {
	return fmt.Sprintf("%s (%s, %s)", s.driver, s.tn.StageRecords, s.tn.StageArtifacts)
}
