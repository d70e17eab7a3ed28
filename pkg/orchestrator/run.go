package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/loykin/stagebuild/pkg/builderr"
	"github.com/loykin/stagebuild/pkg/stage"
)

// run is the state of one Orchestrator.Run. Only the scheduling goroutine
// touches it; runners report back over results.
type run struct {
	o         *Orchestrator
	order     []*stage.Stage
	prev      map[string]*stage.Record
	records   map[string]*stage.Record
	fps       map[string]string
	externals map[string]string // external name -> digest
	running   map[string]string // stage -> output directory
	results   chan *stage.Record
	jobs      int
	finished  []*stage.Record // completion order
}

func newRun(o *Orchestrator, order []*stage.Stage, prev map[string]*stage.Record, jobs int) *run {
	r := &run{
		o:         o,
		order:     order,
		prev:      prev,
		records:   make(map[string]*stage.Record, len(order)),
		fps:       make(map[string]string, len(order)),
		externals: map[string]string{},
		running:   map[string]string{},
		results:   make(chan *stage.Record, len(order)),
		jobs:      jobs,
	}
	for _, s := range order {
		r.records[s.Name] = stage.NewRecord(s.Name)
	}
	return r
}

func (r *run) loop(ctx, persist context.Context) {
	for {
		if ctx.Err() == nil {
			r.dispatch(ctx, persist)
		}
		if len(r.running) == 0 {
			break
		}
		r.complete(persist, <-r.results)
	}

	for _, s := range r.order {
		rec := r.records[s.Name]
		if rec.Status == stage.StatusPending {
			_ = rec.Skip(stage.SkipCanceled)
			r.done(rec)
		}
	}
}

// dispatch walks the stages in order and settles or starts everything that
// is ready. Dependencies come first in the order, so one pass sees every
// decision made earlier in the same pass.
func (r *run) dispatch(ctx, persist context.Context) {
	for _, s := range r.order {
		rec := r.records[s.Name]
		if rec.Status != stage.StatusPending {
			continue
		}

		ready, blocker := r.readiness(s)
		if blocker != "" {
			_ = rec.Skip(stage.SkipDependencyFailed)
			r.o.logger.WithStage(s.Name).Warn("stage skipped", "reason", string(rec.SkipReason), "blocked_by", blocker)
			r.done(rec)
			continue
		}
		if !ready {
			continue
		}

		fp, ok := r.fps[s.Name]
		if !ok {
			var err error
			if fp, err = r.fingerprint(s); err != nil {
				_ = rec.Start(r.o.now())
				_ = rec.Fail(r.o.now(), err)
				r.complete(persist, rec)
				continue
			}
			r.fps[s.Name] = fp
		}

		if r.unchanged(s, fp) {
			_ = rec.Skip(stage.SkipUnchanged)
			rec.Fingerprint = fp
			rec.Artifacts = r.o.store.Artifacts(s.Name)
			r.o.logger.WithStage(s.Name).Info("stage skipped", "reason", string(rec.SkipReason), "fingerprint", short(fp))
			r.done(rec)
			continue
		}

		dir := r.o.runner.OutputDir(s)
		if len(r.running) >= r.jobs || r.overlaps(dir) {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		r.start(ctx, s, rec, dir)
	}
}

// readiness reports whether every dependency is terminal, or names the first
// dependency whose outcome blocks s.
func (r *run) readiness(s *stage.Stage) (ready bool, blocker string) {
	ready = true
	for _, d := range s.Dependencies() {
		dep := r.records[d]
		switch {
		case dep.Blocking():
			return false, d
		case !dep.Status.Terminal():
			ready = false
		}
	}
	return ready, ""
}

func (r *run) unchanged(s *stage.Stage, fp string) bool {
	if r.o.opts.Force || s.AlwaysRun {
		return false
	}
	prev := r.prev[s.Name]
	if prev == nil || prev.Status != stage.StatusSucceeded || prev.Fingerprint != fp {
		return false
	}
	for _, out := range s.Outputs {
		if _, err := r.o.store.Get(s.Name, out); err != nil {
			return false
		}
	}
	if err := r.o.store.Verify(s.Name); err != nil {
		r.o.logger.WithStage(s.Name).Info("committed outputs changed on disk, rebuilding", "error", err.Error())
		return false
	}
	return true
}

func (r *run) overlaps(dir string) bool {
	for _, other := range r.running {
		if nested(dir, other) || nested(other, dir) {
			return true
		}
	}
	return false
}

// nested reports whether dir is parent or equal to other.
func nested(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
}

func (r *run) start(ctx context.Context, s *stage.Stage, rec *stage.Record, dir string) {
	_ = rec.Start(r.o.now())
	r.running[s.Name] = dir
	if r.o.opts.Observer != nil {
		r.o.opts.Observer.StageStarted(s)
	}
	ev := r.o.baseEnv(s).WithVars(s.Env).WithPaths(s.Paths)
	go func() {
		res := r.o.runner.Run(ctx, s, ev, r.o.store)
		if res == nil {
			res = stage.NewRecord(s.Name)
			_ = res.Start(r.o.now())
			_ = res.Fail(r.o.now(), errors.AssertionFailedf("runner returned no record for %s", s.Name))
		}
		res.Stage = s.Name
		r.results <- res
	}()
}

// complete takes a terminal record from a runner and commits it.
func (r *run) complete(persist context.Context, res *stage.Record) {
	name := res.Stage
	delete(r.running, name)
	res.Fingerprint = r.fps[name]
	logger := r.o.logger.WithStage(name)

	switch {
	case res.Status == stage.StatusSucceeded:
		if err := r.o.manifest.Commit(persist, res); err != nil {
			logger.Error("failed to commit stage", "error", err.Error())
			r.o.store.Forget(name)
			demote(res, err)
		}
	case res.Cause == builderr.KindCanceled:
		// An interrupted stage leaves nothing behind, not even a failed entry.
		r.o.store.Forget(name)
		if err := r.o.manifest.Delete(persist, name); err != nil {
			logger.Error("failed to drop manifest entry", "error", err.Error())
		}
	default:
		r.o.store.Forget(name)
		if err := r.o.manifest.Commit(persist, res); err != nil {
			logger.Error("failed to commit stage", "error", err.Error())
		}
	}
	r.records[name] = res
	r.done(res)
}

// demote turns a succeeded record into a failed one after its commit failed.
func demote(rec *stage.Record, err error) {
	rec.Status = stage.StatusFailed
	rec.Err = err
	rec.Cause = builderr.KindOf(err)
	rec.Artifacts = nil
}

func (r *run) done(rec *stage.Record) {
	r.finished = append(r.finished, rec)
	if r.o.opts.Observer != nil {
		r.o.opts.Observer.StageFinished(rec)
	}
}
