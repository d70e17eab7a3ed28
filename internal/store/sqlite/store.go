package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/loykin/stagebuild/internal/common"
	"github.com/loykin/stagebuild/internal/store/connector"

	_ "modernc.org/sqlite"
)

type Store struct {
	db      *sql.DB
	dialect *Dialect
	DSN     string
}

// NewStore creates a new SQLite store
func NewStore() *Store {
	return &Store{
		dialect: NewDialect(),
	}
}

// Load loads configuration into the SQLite store
func (s *Store) Load(config map[string]interface{}) error {
	if dsn, ok := config["dsn"].(string); ok && dsn != "" {
		s.DSN = dsn
		return nil
	}
	if path, ok := config["path"].(string); ok && path != "" {
		s.DSN = fmt.Sprintf("file:%s?_busy_timeout=%d&%s", path, busyTimeoutMS, foreignKeysParam)
	}
	return nil
}

// Connect establishes a connection to SQLite using the dialect
func (s *Store) Connect() (*sql.DB, error) {
	if s.DSN == "" {
		// Default to in-memory database for testing
		s.DSN = ":memory:"
	}

	db, err := s.dialect.Connect(s.DSN)
	if err != nil {
		return nil, err
	}
	s.db = db

	logger := common.GetLogger().WithStore("sqlite")
	logger.Debug("SQLite manifest connection established", "dsn", s.DSN)
	return db, nil
}

// Validate performs basic validation (default implementation)
func (s *Store) Validate() error {
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure creates the manifest tables
func (s *Store) Ensure(ctx context.Context, th connector.TableNames) error {
	logger := common.GetLogger().WithStore("sqlite")
	logger.Debug("ensuring SQLite manifest schema", "tables", []string{th.StageRecords, th.StageArtifacts})

	for i, q := range s.dialect.GetEnsureStatements(th.StageRecords, th.StageArtifacts) {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			logger.Error("failed to create table in schema setup", "error", err.Error(), "table_index", i+1, "sql", q)
			return fmt.Errorf("failed to create table %d in schema setup: %w", i+1, err)
		}
	}
	return nil
}

// ListEntries loads every stage record with its artifacts
func (s *Store) ListEntries(ctx context.Context, th connector.TableNames) ([]connector.Entry, error) {
	// #nosec G201 -- validated table identifiers only
	q := fmt.Sprintf("SELECT stage, status, fingerprint, exit_code, cause, started_at, finished_at, duration_ms FROM %s ORDER BY stage ASC", th.StageRecords)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage records: %w", err)
	}
	var out []connector.Entry
	index := map[string]int{}
	for rows.Next() {
		var e connector.Entry
		var started, finished string
		if err := rows.Scan(&e.Stage, &e.Status, &e.Fingerprint, &e.ExitCode, &e.Cause, &started, &finished, &e.DurationMS); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan stage record: %w", err)
		}
		e.StartedAt = s.dialect.ConvertTimeFromStorage(started)
		e.FinishedAt = s.dialect.ConvertTimeFromStorage(finished)
		index[e.Stage] = len(out)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	// #nosec G201 -- validated table identifiers only
	q = fmt.Sprintf("SELECT stage, name, path, fingerprint, produced_at FROM %s ORDER BY stage ASC, name ASC", th.StageArtifacts)
	arows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage artifacts: %w", err)
	}
	defer func() { _ = arows.Close() }()
	for arows.Next() {
		var stageName, produced string
		var a connector.ArtifactRow
		if err := arows.Scan(&stageName, &a.Name, &a.Path, &a.Fingerprint, &produced); err != nil {
			return nil, fmt.Errorf("failed to scan stage artifact: %w", err)
		}
		a.ProducedAt = s.dialect.ConvertTimeFromStorage(produced)
		if i, ok := index[stageName]; ok {
			out[i].Artifacts = append(out[i].Artifacts, a)
		}
	}
	return out, arows.Err()
}

// Commit replaces a stage's record and artifacts in one transaction
func (s *Store) Commit(ctx context.Context, th connector.TableNames, e connector.Entry) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin manifest transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// #nosec G201 -- validated table identifier; stage is a bind parameter
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE stage = ?", th.StageArtifacts), e.Stage); err != nil {
		return fmt.Errorf("failed to clear artifacts of %s: %w", e.Stage, err)
	}
	if _, err = tx.ExecContext(ctx, s.dialect.GetUpsertRecordStatement(th.StageRecords),
		e.Stage, e.Status, e.Fingerprint, e.ExitCode, e.Cause,
		s.dialect.ConvertTimeToStorage(e.StartedAt), s.dialect.ConvertTimeToStorage(e.FinishedAt), e.DurationMS,
	); err != nil {
		return fmt.Errorf("failed to write record of %s: %w", e.Stage, err)
	}
	// #nosec G201 -- validated table identifier; all values are bind parameters
	ins := fmt.Sprintf("INSERT INTO %s(stage, name, path, fingerprint, produced_at) VALUES(?,?,?,?,?)", th.StageArtifacts)
	for _, a := range e.Artifacts {
		if _, err = tx.ExecContext(ctx, ins, e.Stage, a.Name, a.Path, a.Fingerprint, s.dialect.ConvertTimeToStorage(a.ProducedAt)); err != nil {
			return fmt.Errorf("failed to write artifact %s/%s: %w", e.Stage, a.Name, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit manifest transaction: %w", err)
	}
	return nil
}

// Delete removes a stage's record and artifacts
func (s *Store) Delete(ctx context.Context, th connector.TableNames, stage string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin manifest transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	// #nosec G201 -- validated table identifiers; stage is a bind parameter
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE stage = ?", th.StageArtifacts), stage); err != nil {
		return fmt.Errorf("failed to delete artifacts of %s: %w", stage, err)
	}
	// #nosec G201 -- validated table identifiers; stage is a bind parameter
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE stage = ?", th.StageRecords), stage); err != nil {
		return fmt.Errorf("failed to delete record of %s: %w", stage, err)
	}
	return tx.Commit()
}

// Reset empties both manifest tables
func (s *Store) Reset(ctx context.Context, th connector.TableNames) error {
	for _, table := range []string{th.StageArtifacts, th.StageRecords} {
		// #nosec G201 -- validated table identifier
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

var _ connector.Connector = (*Store)(nil)
