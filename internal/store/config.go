package store

import (
	"github.com/loykin/stagebuild/internal/store/postgresql"
	"github.com/loykin/stagebuild/internal/store/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures the manifest backend.
type Config struct {
	Type        string            `mapstructure:"type" yaml:"type"`
	TablePrefix string            `mapstructure:"table_prefix" yaml:"table_prefix"`
	SQLite      sqlite.Config     `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres    postgresql.Config `mapstructure:"postgres" yaml:"postgres"`
}

type DriverConfig interface {
	ToMap() map[string]interface{}
}
