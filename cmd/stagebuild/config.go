package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/loykin/stagebuild"
	"github.com/loykin/stagebuild/internal/common"
	"github.com/loykin/stagebuild/internal/constants"
	"github.com/loykin/stagebuild/pkg/builderr"
)

// LoggingConfig selects level, format and masking of the tool's own logs
type LoggingConfig struct {
	Level         string `mapstructure:"level" yaml:"level"`                   // error, warn, info, debug
	Format        string `mapstructure:"format" yaml:"format"`                 // text, json, color
	Color         *bool  `mapstructure:"color" yaml:"color"`                   // force colors in text format
	MaskSensitive *bool  `mapstructure:"mask_sensitive" yaml:"mask_sensitive"` // default true
}

// BuildConfig holds the defaults for every build subcommand. Flags override it.
type BuildConfig struct {
	Dir      string        `mapstructure:"dir" yaml:"dir"`
	Pipeline string        `mapstructure:"pipeline" yaml:"pipeline"`
	Jobs     int           `mapstructure:"jobs" yaml:"jobs"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Release  bool          `mapstructure:"release" yaml:"release"`
	Prefix   []string      `mapstructure:"prefix" yaml:"prefix"`
	Force    bool          `mapstructure:"force" yaml:"force"`
	Stream   bool          `mapstructure:"stream" yaml:"stream"`
}

// ConfigDoc is the tool config file, stagebuild.config.yaml by default.
type ConfigDoc struct {
	Logging LoggingConfig          `mapstructure:"logging" yaml:"logging"`
	Store   stagebuild.StoreConfig `mapstructure:"store" yaml:"store"`
	Build   BuildConfig            `mapstructure:"build" yaml:"build"`
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("config", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.mask_sensitive", true)
	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.table_prefix", "")
	v.SetDefault("store.sqlite.path", "")
	for _, key := range []string{"dsn", "host", "user", "password", "password_env", "dbname", "sslmode"} {
		v.SetDefault("store.postgres."+key, "")
	}
	v.SetDefault("store.postgres.port", 0)
	v.SetDefault("build.dir", constants.DefaultBuildDir)
	v.SetDefault("build.pipeline", "")
	v.SetDefault("build.jobs", 1)
	v.SetDefault("build.timeout", time.Duration(0))
	v.SetDefault("build.release", false)
	v.SetDefault("build.prefix", []string{})
	v.SetDefault("build.force", false)
	v.SetDefault("build.stream", false)
}

// Load reads a YAML config file into a settings map.
func (c *ConfigDoc) Load(path string) (map[string]any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config path is not a regular file: %s", path)
	}
	// #nosec G304 -- path comes from --config or the well-known default
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	settings := map[string]any{}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// loadConfig merges the config file under env and flag values and decodes the result.
func loadConfig(v *viper.Viper) (*ConfigDoc, error) {
	doc := &ConfigDoc{}
	path := strings.TrimSpace(v.GetString("config"))
	explicit := path != ""
	if !explicit {
		path = constants.DefaultConfigFile
	}
	settings, err := doc.Load(path)
	switch {
	case err == nil:
		if err := v.MergeConfigMap(settings); err != nil {
			return nil, builderr.Configuration("config %s: %v", path, err)
		}
	case explicit || !os.IsNotExist(err):
		return nil, errors.WithHint(builderr.Configuration("config %s: %v", path, err),
			"pass --config with a readable YAML file")
	}

	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(string(os.PathListSeparator)),
	)
	if err := v.Unmarshal(doc, viper.DecodeHook(hook)); err != nil {
		return nil, builderr.Configuration("decode config: %v", err)
	}
	if doc.Build.Timeout < 0 {
		return nil, builderr.Configuration("build.timeout must not be negative, got %s", doc.Build.Timeout)
	}
	return doc, nil
}

func (c *ConfigDoc) parseLogLevel() (common.LogLevel, error) {
	level, ok := common.ParseLogLevel(c.Logging.Level)
	if !ok {
		return common.LogLevelInfo, fmt.Errorf("invalid logging level: %s (valid: error, warn, info, debug)", c.Logging.Level)
	}
	return level, nil
}

// SetupLogging configures the global logger based on config settings
func (c *ConfigDoc) SetupLogging() (*common.Logger, error) {
	level, err := c.parseLogLevel()
	if err != nil {
		return nil, builderr.Configuration("%v", err)
	}

	var logger *common.Logger
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))

	useColor := false
	if c.Logging.Color != nil {
		useColor = *c.Logging.Color
	} else if format == "color" || format == "colour" {
		useColor = true
	}

	switch format {
	case "json":
		logger = common.NewJSONLogger(level)
	case "color", "colour":
		logger = common.NewColorLogger(level)
	case "text", "":
		if useColor {
			logger = common.NewColorLogger(level)
		} else {
			logger = common.NewLogger(level)
		}
	default:
		return nil, builderr.Configuration("invalid logging format: %s (valid: text, json, color)", c.Logging.Format)
	}

	maskingEnabled := true
	if c.Logging.MaskSensitive != nil {
		maskingEnabled = *c.Logging.MaskSensitive
	}
	common.EnableMasking(maskingEnabled)
	common.SetDefaultLogger(logger)

	logger.Debug("logging configured",
		"level", level.String(),
		"format", format,
		"color", useColor,
		"mask_sensitive", maskingEnabled)

	return logger, nil
}

// sessionConfig maps the decoded config onto a library Config.
func (c *ConfigDoc) sessionConfig() stagebuild.Config {
	return stagebuild.Config{
		BuildDir: c.Build.Dir,
		Release:  c.Build.Release,
		Prefixes: c.Build.Prefix,
		Force:    c.Build.Force,
		Jobs:     c.Build.Jobs,
		Timeout:  c.Build.Timeout,
		Pipeline: c.Build.Pipeline,
		Store:    c.Store,
	}
}
