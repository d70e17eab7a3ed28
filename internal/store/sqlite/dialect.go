package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/loykin/stagebuild/internal/constants"
)

// Dialect implements SQL dialect for SQLite
type Dialect struct{}

// NewDialect creates a new SQLite dialect
func NewDialect() *Dialect {
	return &Dialect{}
}

// GetPlaceholder returns SQLite-style placeholders (?)
func (s *Dialect) GetPlaceholder(int) string {
	return "?"
}

// ConvertTimeToStorage converts time to SQLite storage format (RFC3339Nano string)
func (s *Dialect) ConvertTimeToStorage(t time.Time) interface{} {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ConvertTimeFromStorage parses the RFC3339Nano text SQLite stores
func (s *Dialect) ConvertTimeFromStorage(val string) time.Time {
	if val == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Connect establishes a connection to SQLite with connection pooling
func (s *Dialect) Connect(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	db.SetMaxOpenConns(constants.DefaultSQLiteMaxConnections)
	db.SetMaxIdleConns(constants.DefaultSQLiteMaxIdleConns)
	db.SetConnMaxLifetime(constants.DefaultSQLiteLifetime)
	db.SetConnMaxIdleTime(constants.DefaultSQLiteIdleTime)

	return db, nil
}

// GetEnsureStatements returns SQLite-specific table creation statements
func (s *Dialect) GetEnsureStatements(stageRecords, stageArtifacts string) []string {
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (stage TEXT PRIMARY KEY, status TEXT NOT NULL, fingerprint TEXT NOT NULL DEFAULT '', exit_code INTEGER NOT NULL DEFAULT -1, cause TEXT NOT NULL DEFAULT '', started_at TEXT NOT NULL DEFAULT '', finished_at TEXT NOT NULL DEFAULT '', duration_ms INTEGER NOT NULL DEFAULT 0)", stageRecords),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (stage TEXT NOT NULL, name TEXT NOT NULL, path TEXT NOT NULL, fingerprint TEXT NOT NULL, produced_at TEXT NOT NULL, PRIMARY KEY(stage, name))", stageArtifacts),
	}
}

// GetUpsertRecordStatement returns the statement that writes one stage record
func (s *Dialect) GetUpsertRecordStatement(stageRecords string) string {
	return fmt.Sprintf("INSERT OR REPLACE INTO %s(stage, status, fingerprint, exit_code, cause, started_at, finished_at, duration_ms) VALUES(?,?,?,?,?,?,?,?)", stageRecords)
}

// GetDriverName returns the driver name for logging
func (s *Dialect) GetDriverName() string {
	return "sqlite"
}
