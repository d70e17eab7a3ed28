// Package stagebuild bootstraps a toolchain in stages: it builds a
// dependency, builds the system with it, rebuilds the system with itself
// and tracks every artifact in between so unchanged stages are not rebuilt.
//
// A Session ties a pipeline definition to one build directory and
// configuration:
//
//	s, err := stagebuild.Open(ctx, stagebuild.Config{BuildDir: ".build"})
//	if err != nil { ... }
//	defer s.Close()
//	report, err := s.Run(ctx, stagebuild.GroupBuild)
package stagebuild

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/loykin/stagebuild/internal/common"
	"github.com/loykin/stagebuild/internal/constants"
	"github.com/loykin/stagebuild/internal/pipeline"
	"github.com/loykin/stagebuild/internal/store"
	"github.com/loykin/stagebuild/internal/util"
	"github.com/loykin/stagebuild/pkg/artifact"
	"github.com/loykin/stagebuild/pkg/builderr"
	"github.com/loykin/stagebuild/pkg/env"
	"github.com/loykin/stagebuild/pkg/executor"
	"github.com/loykin/stagebuild/pkg/orchestrator"
	"github.com/loykin/stagebuild/pkg/stage"
)

// Re-export commonly used types for public API

// Env is the immutable stage environment.
type Env = env.Env

// Record is the outcome of one stage.
type Record = stage.Record

// Report is the outcome of one run.
type Report = orchestrator.Report

// Observer receives stage progress.
type Observer = orchestrator.Observer

// StoreConfig selects the manifest backend.
type StoreConfig = store.Config

// Stage groups
const (
	GroupBuild   = constants.GroupBuild
	GroupTest    = constants.GroupTest
	GroupInstall = constants.GroupInstall
)

// Config configures a Session.
type Config struct {
	// BuildDir holds one subdirectory per configuration. Default ".build".
	BuildDir string
	// Release selects CONFIGURATION=release instead of debug.
	Release bool
	// Prefixes are the install destinations.
	Prefixes []string
	// Force reruns stages whose fingerprint is unchanged.
	Force bool
	// Jobs bounds concurrent stages. 1 is sequential; 0 or less uses the CPU count.
	Jobs int
	// Timeout applies to stages without their own. Zero uses the pipeline's, then 2h.
	Timeout time.Duration
	// Pipeline is the pipeline file. Empty uses ./stagebuild.yaml when present
	// and the built-in bootstrap pipeline otherwise.
	Pipeline string
	Store    StoreConfig
	// Stream, when set, receives the live output of every stage.
	Stream   io.Writer
	Observer Observer
	Logger   *common.Logger
}

// Session is an open build directory.
type Session struct {
	cfg      Config
	buildDir string
	root     string // <build>/<configuration>
	pipeline *pipeline.Pipeline
	env      *env.Env
	install  map[string]string // variables for the install group
	manifest *store.Store
	lock     *dirLock
	logger   *common.Logger
}

// Configuration returns the configuration name selected by release.
func Configuration(release bool) string {
	if release {
		return constants.ConfigurationRelease
	}
	return constants.ConfigurationDebug
}

// LoadPipeline resolves the pipeline a Config would use.
func LoadPipeline(path string) (*pipeline.Pipeline, error) {
	if path != "" {
		return pipeline.Load(path)
	}
	if info, err := os.Stat(constants.DefaultPipelineFile); err == nil && info.Mode().IsRegular() {
		return pipeline.Load(constants.DefaultPipelineFile)
	}
	return pipeline.LoadDefault()
}

// Open loads the pipeline, locks the build directory and opens the manifest.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = common.GetLogger()
	}

	p, err := LoadPipeline(cfg.Pipeline)
	if err != nil {
		return nil, err
	}

	buildDir, err := filepath.Abs(util.TrimWithDefault(cfg.BuildDir, constants.DefaultBuildDir))
	if err != nil {
		return nil, builderr.IO("", "resolve build directory", err)
	}
	configuration := Configuration(cfg.Release)
	root := filepath.Join(buildDir, configuration)

	lock, err := lockBuildDir(buildDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		_ = lock.release()
		return nil, builderr.IO("", "create configuration directory", err)
	}
	manifest, err := store.Open(ctx, cfg.Store, filepath.Join(root, constants.ManifestFileName))
	if err != nil {
		_ = lock.release()
		return nil, err
	}

	prefixes := make([]string, 0, len(cfg.Prefixes))
	for _, pfx := range util.SplitPathList(cfg.Prefixes...) {
		abs, err := filepath.Abs(pfx)
		if err != nil {
			_ = manifest.Close()
			_ = lock.release()
			return nil, builderr.Configuration("prefix %q: %v", pfx, err)
		}
		prefixes = append(prefixes, abs)
	}
	prefixes = util.Dedupe(prefixes)

	ev := p.Env().
		With(constants.EnvConfiguration, configuration).
		With(constants.EnvBuildDir, root)
	// Prefixes only reach install stages, so changing them never rebuilds the rest.
	installVars := map[string]string{}
	if len(prefixes) > 0 {
		installVars[constants.EnvPrefix] = prefixes[0]
		installVars[constants.EnvInstallPrefixes] = strings.Join(prefixes, string(os.PathListSeparator))
	}

	s := &Session{
		cfg:      cfg,
		buildDir: buildDir,
		root:     root,
		pipeline: p,
		env:      ev,
		install:  installVars,
		manifest: manifest,
		lock:     lock,
		logger:   logger,
	}
	logger.Debug("session opened", "build_dir", root, "pipeline", p.Source, "manifest", manifest.String())
	return s, nil
}

// Close releases the manifest and the build directory lock.
func (s *Session) Close() error {
	var errs []error
	if err := s.manifest.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.lock.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Root is <build>/<configuration>.
func (s *Session) Root() string { return s.root }

// Pipeline is the loaded pipeline.
func (s *Session) Pipeline() *pipeline.Pipeline { return s.pipeline }

// Env is the base environment handed to every stage.
func (s *Session) Env() *env.Env { return s.env }

// GroupEnv is the base environment of stages in group: Env plus, for the
// install group, PREFIX and INSTALL_PREFIXES.
func (s *Session) GroupEnv(group string) *env.Env {
	if group == GroupInstall && len(s.install) > 0 {
		return s.env.WithVars(s.install)
	}
	return s.env
}

func (s *Session) timeout() time.Duration {
	switch {
	case s.cfg.Timeout > 0:
		return s.cfg.Timeout
	case s.pipeline.Timeout > 0:
		return s.pipeline.Timeout
	}
	return constants.DefaultStageTimeout
}

func (s *Session) executor() *executor.Executor {
	return executor.New(executor.Config{
		Root:           s.root,
		Externals:      s.pipeline.Externals,
		DefaultTimeout: s.timeout(),
		Stream:         s.cfg.Stream,
		Logger:         s.logger,
	})
}

func (s *Session) orchestrator(targets []string) *orchestrator.Orchestrator {
	return orchestrator.New(s.pipeline.Graph, s.executor(), artifact.NewStore(), s.manifest, orchestrator.Options{
		Force:     s.cfg.Force,
		Targets:   targets,
		Jobs:      s.cfg.Jobs,
		Env:       s.env,
		GroupEnv:  map[string]map[string]string{GroupInstall: s.install},
		Externals: s.pipeline.Externals,
		Exclude:   []string{s.buildDir},
		Observer:  s.cfg.Observer,
		Logger:    s.logger,
	})
}

func (s *Session) targets(groups []string) ([]string, error) {
	targets := s.pipeline.Targets(groups...)
	if len(targets) == 0 {
		return nil, builderr.Configuration("pipeline %s has no stages in group %s", s.pipeline.Source, strings.Join(groups, ", "))
	}
	return targets, nil
}

// Run executes the stages of the given groups and everything they depend on.
func (s *Session) Run(ctx context.Context, groups ...string) (*Report, error) {
	targets, err := s.targets(groups)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, targets)
}

// RunStages executes the named stages and everything they depend on.
func (s *Session) RunStages(ctx context.Context, names ...string) (*Report, error) {
	if len(names) == 0 {
		return nil, builderr.Configuration("no stages named")
	}
	return s.run(ctx, names)
}

// run refuses to start when a tool required by the selected stages is
// missing, then hands the targets to the orchestrator.
func (s *Session) run(ctx context.Context, targets []string) (*Report, error) {
	closure, err := s.pipeline.Graph.Closure(targets...)
	if err != nil {
		return nil, err
	}
	if problems := s.pipeline.MissingTools(s.env, closure...); len(problems) > 0 {
		for _, p := range problems[1:] {
			s.logger.Error("required tool missing", "error", p.Error())
		}
		if len(problems) > 1 {
			return nil, builderr.Wrapf(problems[0], "%d required tools missing", len(problems))
		}
		return nil, problems[0]
	}
	return s.orchestrator(targets).Run(ctx)
}

// BuildDependency runs the pipeline's dependency_stage and its own dependencies only.
func (s *Session) BuildDependency(ctx context.Context) (*Report, error) {
	if s.pipeline.DependencyStage == "" {
		return nil, errors.WithHint(
			builderr.Configuration("pipeline %s declares no dependency_stage", s.pipeline.Source),
			"set dependency_stage in the pipeline file")
	}
	return s.RunStages(ctx, s.pipeline.DependencyStage)
}

// Plan returns the dry-run batches for the given groups.
func (s *Session) Plan(groups ...string) ([][]string, error) {
	targets, err := s.targets(groups)
	if err != nil {
		return nil, err
	}
	return s.orchestrator(targets).Plan()
}

// Status returns the manifest records, pipeline stages first in
// declaration order, then entries for stages the pipeline no longer has.
func (s *Session) Status(ctx context.Context) ([]*Record, error) {
	recs, err := s.manifest.Records(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(recs))
	for _, st := range s.pipeline.Graph.Stages() {
		if rec, ok := recs[st.Name]; ok {
			out = append(out, rec)
			delete(recs, st.Name)
		}
	}
	orphans := make([]string, 0, len(recs))
	for name := range recs {
		orphans = append(orphans, name)
	}
	sort.Strings(orphans)
	for _, name := range orphans {
		out = append(out, recs[name])
	}
	return out, nil
}

// Validate reports missing tools and externals without running anything.
func (s *Session) Validate() []error {
	return s.pipeline.Check(s.env)
}

// Clean resets the manifest and removes the stage output and log directories
// of the current configuration.
func (s *Session) Clean(ctx context.Context) error {
	if err := s.manifest.Reset(ctx); err != nil {
		return err
	}
	dirs := []string{
		filepath.Join(s.root, constants.StagesDirName),
		filepath.Join(s.root, constants.LogsDirName),
	}
	// Output directory overrides are removed only when they live under root.
	ex := s.executor()
	for _, st := range s.pipeline.Graph.Stages() {
		if st.OutputDir == "" {
			continue
		}
		dir := ex.OutputDir(st)
		if rel, err := filepath.Rel(s.root, dir); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
			dirs = append(dirs, dir)
		}
	}
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			return builderr.IO("", "remove "+dir, err)
		}
	}
	s.logger.Info("build directory cleaned", "root", s.root)
	return nil
}
