package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/loykin/stagebuild"
	"github.com/loykin/stagebuild/internal/common"
	"github.com/loykin/stagebuild/internal/constants"
)

// app is the state shared by the subcommands of one invocation.
type app struct {
	v      *viper.Viper
	cfg    *ConfigDoc
	logger *common.Logger
}

// flagKeys maps viper keys onto persistent flag names.
var flagKeys = map[string]string{
	"config":         "config",
	"build.dir":      "build",
	"build.release":  "release",
	"build.prefix":   "prefix",
	"build.force":    "force",
	"build.pipeline": "pipeline",
	"build.jobs":     "jobs",
	"build.timeout":  "timeout",
	"build.stream":   "stream",
	"logging.level":  "log-level",
}

// newViper returns a viper instance with every default registered.
func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// Environment variables support: STAGEBUILD_BUILD_DIR, STAGEBUILD_BUILD_JOBS, ...
	v.SetEnvPrefix("STAGEBUILD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func newRootCmd() *cobra.Command {
	a := &app{v: newViper()}
	v := a.v

	root := &cobra.Command{
		Use:           "stagebuild",
		Short:         "Bootstrap a toolchain in stages and rebuild only what changed",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", v.GetString("config"), "tool config file (default ./"+constants.DefaultConfigFile+" when present)")
	flags.String("build", v.GetString("build.dir"), "build directory")
	flags.Bool("release", v.GetBool("build.release"), "build the release configuration instead of debug")
	flags.StringSlice("prefix", nil, "install prefix; repeatable or "+string(os.PathListSeparator)+"-separated")
	flags.Bool("force", v.GetBool("build.force"), "rerun stages even when their fingerprint is unchanged")
	flags.String("pipeline", v.GetString("build.pipeline"), "pipeline file (default ./"+constants.DefaultPipelineFile+", then the built-in bootstrap)")
	flags.Int("jobs", v.GetInt("build.jobs"), "stages to run at once; 0 uses the CPU count")
	flags.Duration("timeout", v.GetDuration("build.timeout"), "timeout for stages without their own (default from the pipeline, then 2h)")
	flags.Bool("stream", v.GetBool("build.stream"), "copy stage output to stderr while it runs")
	flags.String("log-level", v.GetString("logging.level"), "log level: error, warn, info, debug")
	for key, name := range flagKeys {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	root.AddCommand(
		a.runCmd("all", "Build every stage in the build group", func(ctx context.Context, s *stagebuild.Session) (*stagebuild.Report, error) {
			return s.Run(ctx, stagebuild.GroupBuild)
		}),
		a.runCmd("build-pd", "Build only the pipeline's dependency stage and what it needs", func(ctx context.Context, s *stagebuild.Session) (*stagebuild.Report, error) {
			return s.BuildDependency(ctx)
		}),
		a.runCmd("test", "Build, then run the test group", func(ctx context.Context, s *stagebuild.Session) (*stagebuild.Report, error) {
			return s.Run(ctx, stagebuild.GroupBuild, stagebuild.GroupTest)
		}),
		a.runCmd("install", "Build, then install to every --prefix", func(ctx context.Context, s *stagebuild.Session) (*stagebuild.Report, error) {
			return s.Run(ctx, stagebuild.GroupBuild, stagebuild.GroupInstall)
		}),
		a.cleanCmd(),
		a.statusCmd(),
		a.planCmd(),
		a.validateCmd(),
	)
	return root
}

// init loads the config and configures logging before any subcommand runs.
func (a *app) init() error {
	cfg, err := loadConfig(a.v)
	if err != nil {
		return err
	}
	logger, err := cfg.SetupLogging()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// withSession opens the build directory for fn and releases it afterwards.
func (a *app) withSession(ctx context.Context, cmd *cobra.Command, fn func(*stagebuild.Session) error) (err error) {
	cfg := a.cfg.sessionConfig()
	cfg.Logger = a.logger
	cfg.Observer = newProgress(cmd.ErrOrStderr())
	if a.cfg.Build.Stream {
		cfg.Stream = cmd.ErrOrStderr()
	}
	s, err := stagebuild.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(s)
}

// interruptible cancels the command context on SIGINT or SIGTERM.
func interruptible(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		exitHandler.LogFatalError(err, "command execution failed")
	}
}
