package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/stagebuild/internal/common"
	"github.com/loykin/stagebuild/internal/store/connector"
)

type Store struct {
	db      *sql.DB
	dialect *Dialect
	DSN     string
}

// NewStore creates a new PostgreSQL store
func NewStore() *Store {
	return &Store{
		dialect: NewDialect(),
	}
}

// Load loads configuration into the PostgreSQL store
func (p *Store) Load(config map[string]interface{}) error {
	if dsn, ok := config["dsn"].(string); ok && dsn != "" {
		p.DSN = dsn
	}
	return nil
}

// Connect establishes a connection to PostgreSQL using the dialect
func (p *Store) Connect() (*sql.DB, error) {
	db, err := p.dialect.Connect(p.DSN)
	if err != nil {
		return nil, err
	}
	p.db = db

	logger := common.GetLogger().WithStore("postgresql")
	logger.Info("PostgreSQL manifest connection established")
	return db, nil
}

// Validate requires a DSN
func (p *Store) Validate() error {
	if p.DSN == "" {
		return errors.New("postgres manifest requires store.postgres.dsn or store.postgres.host")
	}
	return nil
}

// Close closes the database connection
func (p *Store) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// Ensure creates the manifest tables
func (p *Store) Ensure(ctx context.Context, th connector.TableNames) error {
	logger := common.GetLogger().WithStore("postgresql")
	logger.Debug("ensuring PostgreSQL manifest schema", "tables", []string{th.StageRecords, th.StageArtifacts})

	for i, q := range p.dialect.GetEnsureStatements(th.StageRecords, th.StageArtifacts) {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			logger.Error("failed to create table in schema setup", "error", err.Error(), "table_index", i+1, "sql", q)
			return fmt.Errorf("failed to create table %d in schema setup: %w", i+1, err)
		}
	}
	return nil
}

// ListEntries loads every stage record with its artifacts
func (p *Store) ListEntries(ctx context.Context, th connector.TableNames) ([]connector.Entry, error) {
	// #nosec G201 -- validated table identifiers only
	q := fmt.Sprintf("SELECT stage, status, fingerprint, exit_code, cause, started_at, finished_at, duration_ms FROM %s ORDER BY stage ASC", th.StageRecords)
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage records: %w", err)
	}
	var out []connector.Entry
	index := map[string]int{}
	for rows.Next() {
		var e connector.Entry
		var started, finished sql.NullTime
		if err := rows.Scan(&e.Stage, &e.Status, &e.Fingerprint, &e.ExitCode, &e.Cause, &started, &finished, &e.DurationMS); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan stage record: %w", err)
		}
		e.StartedAt = p.dialect.ConvertTimeFromStorage(started)
		e.FinishedAt = p.dialect.ConvertTimeFromStorage(finished)
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
	arows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage artifacts: %w", err)
	}
	defer func() { _ = arows.Close() }()
	for arows.Next() {
		var stageName string
		var produced time.Time
		var a connector.ArtifactRow
		if err := arows.Scan(&stageName, &a.Name, &a.Path, &a.Fingerprint, &produced); err != nil {
			return nil, fmt.Errorf("failed to scan stage artifact: %w", err)
		}
		a.ProducedAt = produced.UTC()
		if i, ok := index[stageName]; ok {
			out[i].Artifacts = append(out[i].Artifacts, a)
		}
	}
	return out, arows.Err()
}

// Commit replaces a stage's record and artifacts in one transaction
func (p *Store) Commit(ctx context.Context, th connector.TableNames, e connector.Entry) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin manifest transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// #nosec G201 -- validated table identifier; stage is bind parameter $1
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE stage = $1", th.StageArtifacts), e.Stage); err != nil {
		return fmt.Errorf("failed to clear artifacts of %s: %w", e.Stage, err)
	}
	if _, err = tx.ExecContext(ctx, p.dialect.GetUpsertRecordStatement(th.StageRecords),
		e.Stage, e.Status, e.Fingerprint, e.ExitCode, e.Cause,
		p.dialect.ConvertTimeToStorage(e.StartedAt), p.dialect.ConvertTimeToStorage(e.FinishedAt), e.DurationMS,
	); err != nil {
		return fmt.Errorf("failed to write record of %s: %w", e.Stage, err)
	}
	// #nosec G201 -- validated table identifier; all values use bind parameters
	ins := fmt.Sprintf("INSERT INTO %s(stage, name, path, fingerprint, produced_at) VALUES($1,$2,$3,$4,$5)", th.StageArtifacts)
	for _, a := range e.Artifacts {
		produced := a.ProducedAt
		if produced.IsZero() {
			produced = time.Now()
		}
		if _, err = tx.ExecContext(ctx, ins, e.Stage, a.Name, a.Path, a.Fingerprint, produced.UTC()); err != nil {
			return fmt.Errorf("failed to write artifact %s/%s: %w", e.Stage, a.Name, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit manifest transaction: %w", err)
	}
	return nil
}

// Delete removes a stage's record and artifacts
func (p *Store) Delete(ctx context.Context, th connector.TableNames, stage string) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin manifest transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	// #nosec G201 -- validated table identifiers; stage is bind parameter $1
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE stage = $1", th.StageArtifacts), stage); err != nil {
		return fmt.Errorf("failed to delete artifacts of %s: %w", stage, err)
	}
	// #nosec G201 -- validated table identifiers; stage is bind parameter $1
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE stage = $1", th.StageRecords), stage); err != nil {
		return fmt.Errorf("failed to delete record of %s: %w", stage, err)
	}
	return tx.Commit()
}

// Reset empties both manifest tables
func (p *Store) Reset(ctx context.Context, th connector.TableNames) error {
	// #nosec G201 -- validated table identifiers
	q := fmt.Sprintf("TRUNCATE %s, %s", th.StageArtifacts, th.StageRecords)
	if _, err := p.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("failed to reset manifest: %w", err)
	}
	return nil
}

var _ connector.Connector = (*Store)(nil)
