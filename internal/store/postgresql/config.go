package postgresql

import (
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/loykin/stagebuild/internal/constants"
	"github.com/loykin/stagebuild/internal/util"
)

// Config selects a shared PostgreSQL manifest. DSN wins over the individual
// fields. PasswordEnv names a variable holding the password so it can stay
// out of the config file.
type Config struct {
	DSN         string `mapstructure:"dsn" yaml:"dsn"`
	Host        string `mapstructure:"host" yaml:"host"`
	Port        int    `mapstructure:"port" yaml:"port"`
	User        string `mapstructure:"user" yaml:"user"`
	Password    string `mapstructure:"password" yaml:"password"`
	PasswordEnv string `mapstructure:"password_env" yaml:"password_env"`
	DBName      string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode     string `mapstructure:"sslmode" yaml:"sslmode"`
}

func (p *Config) password() string {
	if pw := strings.TrimSpace(p.Password); pw != "" {
		return pw
	}
	if name, ok := util.TrimEmptyCheck(p.PasswordEnv); ok {
		return os.Getenv(name)
	}
	return ""
}

func (p *Config) ToMap() map[string]interface{} {
	dsn, hasDSN := util.TrimEmptyCheck(p.DSN)
	host, hasHost := util.TrimEmptyCheck(p.Host)
	if !hasDSN && hasHost {
		port := p.Port
		if port == 0 {
			port = constants.DefaultPostgresPort
		}
		u := url.URL{
			Scheme: "postgres",
			Host:   net.JoinHostPort(host, strconv.Itoa(port)),
			Path:   "/" + strings.TrimSpace(p.DBName),
		}
		if user := strings.TrimSpace(p.User); user != "" {
			// url.UserPassword escapes reserved characters in the password.
			u.User = url.UserPassword(user, p.password())
		}
		q := url.Values{}
		q.Set("sslmode", util.TrimWithDefault(p.SSLMode, constants.DefaultPostgresSSLMode))
		u.RawQuery = q.Encode()
		dsn = u.String()
	}
	return map[string]interface{}{
		"dsn": dsn,
	}
}
