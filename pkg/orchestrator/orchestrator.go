// Package orchestrator drives a stage graph to completion. It decides which
// stages must run, runs them through a Runner, keeps dependents of a failed
// stage from running and commits every outcome to the manifest.
package orchestrator

import (
	"context"
	"time"

	"github.com/loykin/stagebuild/internal/common"
	"github.com/loykin/stagebuild/pkg/artifact"
	"github.com/loykin/stagebuild/pkg/env"
	"github.com/loykin/stagebuild/pkg/executor"
	"github.com/loykin/stagebuild/pkg/stage"
)

// Runner executes a single stage. *executor.Executor implements it.
type Runner interface {
	Run(ctx context.Context, s *stage.Stage, ev *env.Env, store executor.Store) *stage.Record
	OutputDir(s *stage.Stage) string
}

// Manifest persists stage records between runs.
type Manifest interface {
	Records(ctx context.Context) (map[string]*stage.Record, error)
	Commit(ctx context.Context, rec *stage.Record) error
	Delete(ctx context.Context, name string) error
}

// Observer is notified as stages start and reach a terminal status. Calls
// come from the scheduling goroutine, one at a time.
type Observer interface {
	StageStarted(s *stage.Stage)
	StageFinished(rec *stage.Record)
}

// Options tune a run.
type Options struct {
	// Force runs every selected stage regardless of fingerprints.
	Force bool
	// Targets limits the run to these stages and their dependencies. Empty means all.
	Targets []string
	// Jobs is the number of concurrent stages. 1 is sequential; 0 or less uses the CPU count.
	Jobs int
	// Env is the base environment every stage derives from.
	Env *env.Env
	// GroupEnv adds variables to the base environment of every stage in a
	// group, and only there. A change to them leaves other groups' fingerprints alone.
	GroupEnv map[string]map[string]string
	// Externals are the external dependency paths, used for fingerprinting.
	Externals map[string]string
	// Exclude lists paths left out when an external directory is hashed,
	// typically the build directory when it lives inside a source tree.
	Exclude  []string
	Observer Observer
	Logger   *common.Logger
}

// Orchestrator runs a graph. It is good for one Run at a time.
type Orchestrator struct {
	graph    *stage.Graph
	runner   Runner
	store    *artifact.Store
	manifest Manifest
	opts     Options
	env      *env.Env
	logger   *common.Logger
	now      func() time.Time
}

// New creates an orchestrator. A nil manifest keeps records in memory only.
func New(graph *stage.Graph, runner Runner, store *artifact.Store, manifest Manifest, opts Options) *Orchestrator {
	if manifest == nil {
		manifest = NewMemoryManifest()
	}
	if store == nil {
		store = artifact.NewStore()
	}
	base := opts.Env
	if base == nil {
		base = env.New(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = common.GetLogger()
	}
	return &Orchestrator{
		graph:    graph,
		runner:   runner,
		store:    store,
		manifest: manifest,
		opts:     opts,
		env:      base,
		logger:   logger.WithComponent("orchestrator"),
		now:      time.Now,
	}
}

// baseEnv is the base environment of s: the run's env plus its group's variables.
func (o *Orchestrator) baseEnv(s *stage.Stage) *env.Env {
	vars := o.opts.GroupEnv[s.Group]
	if len(vars) == 0 {
		return o.env
	}
	return o.env.WithVars(vars)
}

// selection returns the stages of this run in topological order. It fails
// before anything runs on cycles and dangling references.
func (o *Orchestrator) selection() ([]*stage.Stage, error) {
	order, err := o.graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	if len(o.opts.Targets) == 0 {
		return order, nil
	}
	names, err := o.graph.Closure(o.opts.Targets...)
	if err != nil {
		return nil, err
	}
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	selected := make([]*stage.Stage, 0, len(names))
	for _, s := range order {
		if keep[s.Name] {
			selected = append(selected, s)
		}
	}
	return selected, nil
}

// Plan returns the selected stages grouped into batches that could run
// concurrently, without running anything.
func (o *Orchestrator) Plan() ([][]string, error) {
	selected, err := o.selection()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(selected))
	for i, s := range selected {
		names[i] = s.Name
	}
	return o.graph.Subgraph(names).Batches()
}

// Run executes the selected stages. The returned error is reserved for
// problems that stop the run before any stage starts: an invalid graph or an
// unreadable manifest. Stage failures are reported in the Report.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	selected, err := o.selection()
	if err != nil {
		return nil, err
	}

	// Manifest writes must land even after an interrupt.
	persist := context.WithoutCancel(ctx)
	prev, err := o.manifest.Records(persist)
	if err != nil {
		return nil, err
	}
	for _, rec := range prev {
		if rec.Status == stage.StatusSucceeded {
			o.store.Seed(rec.Artifacts)
		}
	}

	jobs := o.opts.Jobs
	if jobs <= 0 {
		jobs = WorkerCount()
	}
	o.logger.Info("run started", "stages", len(selected), "jobs", jobs, "force", o.opts.Force)

	started := o.now()
	r := newRun(o, selected, prev, jobs)
	r.loop(ctx, persist)
	report := r.report(o.now().Sub(started))

	o.logger.Info("run finished",
		"succeeded", report.Counts[stage.StatusSucceeded],
		"failed", report.Counts[stage.StatusFailed],
		"skipped", report.Counts[stage.StatusSkipped],
		"duration", report.Duration)
	return report, nil
}
