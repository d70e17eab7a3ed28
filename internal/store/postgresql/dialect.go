package postgresql

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/loykin/stagebuild/internal/constants"
)

// Dialect implements SQL dialect for PostgreSQL
type Dialect struct{}

// NewDialect creates a new PostgreSQL dialect
func NewDialect() *Dialect {
	return &Dialect{}
}

// GetPlaceholder returns PostgreSQL-style placeholders ($1, $2, etc.)
func (p *Dialect) GetPlaceholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

// ConvertTimeToStorage converts time to PostgreSQL storage format. The zero
// time is stored as NULL.
func (p *Dialect) ConvertTimeToStorage(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// ConvertTimeFromStorage converts a nullable TIMESTAMPTZ into a UTC time
func (p *Dialect) ConvertTimeFromStorage(val sql.NullTime) time.Time {
	if !val.Valid {
		return time.Time{}
	}
	return val.Time.UTC()
}

// Connect establishes a connection to PostgreSQL with connection pooling
func (p *Dialect) Connect(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	db.SetMaxOpenConns(constants.DefaultPostgresMaxConnections)
	db.SetMaxIdleConns(constants.DefaultPostgresMaxIdleConns)
	db.SetConnMaxLifetime(constants.DefaultMaxConnLifetime)
	db.SetConnMaxIdleTime(constants.DefaultMaxIdleTime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL database: %w", err)
	}
	return db, nil
}

// GetEnsureStatements returns PostgreSQL-specific table creation statements
func (p *Dialect) GetEnsureStatements(stageRecords, stageArtifacts string) []string {
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (stage TEXT PRIMARY KEY, status TEXT NOT NULL, fingerprint TEXT NOT NULL DEFAULT '', exit_code INTEGER NOT NULL DEFAULT -1, cause TEXT NOT NULL DEFAULT '', started_at TIMESTAMPTZ NULL, finished_at TIMESTAMPTZ NULL, duration_ms BIGINT NOT NULL DEFAULT 0)", stageRecords),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (stage TEXT NOT NULL, name TEXT NOT NULL, path TEXT NOT NULL, fingerprint TEXT NOT NULL, produced_at TIMESTAMPTZ NOT NULL, PRIMARY KEY(stage, name))", stageArtifacts),
	}
}

// GetUpsertRecordStatement returns the statement that writes one stage record
func (p *Dialect) GetUpsertRecordStatement(stageRecords string) string {
	return fmt.Sprintf("INSERT INTO %s(stage, status, fingerprint, exit_code, cause, started_at, finished_at, duration_ms) VALUES($1,$2,$3,$4,$5,$6,$7,$8) "+
		"ON CONFLICT(stage) DO UPDATE SET status=EXCLUDED.status, fingerprint=EXCLUDED.fingerprint, exit_code=EXCLUDED.exit_code, cause=EXCLUDED.cause, "+
		"started_at=EXCLUDED.started_at, finished_at=EXCLUDED.finished_at, duration_ms=EXCLUDED.duration_ms", stageRecords)
}

// GetDriverName returns the driver name for logging
func (p *Dialect) GetDriverName() string {
	return "postgresql"
}
