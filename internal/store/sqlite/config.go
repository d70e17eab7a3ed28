package sqlite

import "github.com/loykin/stagebuild/internal/constants"

const (
	busyTimeoutMS    = constants.DefaultSQLiteBusyTimeoutMS
	foreignKeysParam = "_fk=1"
)

// Config selects the manifest database file.
type Config struct {
	Path string `mapstructure:"path" yaml:"path"`
	DSN  string `mapstructure:"dsn" yaml:"dsn"`
}

func (c *Config) ToMap() map[string]interface{} {
	m := map[string]interface{}{"path": c.Path}
	if c.DSN != "" {
		m["dsn"] = c.DSN
	}
	return m
}
