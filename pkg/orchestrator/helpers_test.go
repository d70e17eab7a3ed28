package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loykin/stagebuild/pkg/artifact"
	"github.com/loykin/stagebuild/pkg/env"
	"github.com/loykin/stagebuild/pkg/executor"
	"github.com/loykin/stagebuild/pkg/stage"
)

// fakeRunner writes each declared output with the stage command as content
// and registers it. behave, when set for a stage, runs first; a non-nil
// error fails the stage without producing anything.
type fakeRunner struct {
	root   string
	delay  time.Duration
	behave map[string]func(ctx context.Context) error

	mu        sync.Mutex
	calls     []string
	active    map[string]string
	maxActive int
	overlap   bool
}

func newFakeRunner(t *testing.T) *fakeRunner {
	return &fakeRunner{root: t.TempDir(), behave: map[string]func(context.Context) error{}, active: map[string]string{}}
}

func (f *fakeRunner) OutputDir(s *stage.Stage) string {
	if s.OutputDir != "" {
		return filepath.Join(f.root, s.OutputDir)
	}
	return filepath.Join(f.root, s.Name)
}

func (f *fakeRunner) Run(ctx context.Context, s *stage.Stage, _ *env.Env, store executor.Store) *stage.Record {
	dir := f.OutputDir(s)
	f.mu.Lock()
	f.calls = append(f.calls, s.Name)
	for _, other := range f.active {
		if nested(dir, other) || nested(other, dir) {
			f.overlap = true
		}
	}
	f.active[s.Name] = dir
	if len(f.active) > f.maxActive {
		f.maxActive = len(f.active)
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.active, s.Name)
		f.mu.Unlock()
	}()

	rec := stage.NewRecord(s.Name)
	_ = rec.Start(time.Now())
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if fn := f.behave[s.Name]; fn != nil {
		if err := fn(ctx); err != nil {
			_ = rec.Fail(time.Now(), err)
			return rec
		}
	}

	outputs := map[string]string{}
	for _, o := range s.Outputs {
		p := filepath.Join(dir, o)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			_ = rec.Fail(time.Now(), err)
			return rec
		}
		if err := os.WriteFile(p, []byte(s.Command), 0o644); err != nil {
			_ = rec.Fail(time.Now(), err)
			return rec
		}
		outputs[o] = p
	}
	arts, err := store.Register(s.Name, outputs)
	if err != nil {
		_ = rec.Fail(time.Now(), err)
		return rec
	}
	rec.ExitCode = 0
	_ = rec.Succeed(time.Now(), arts)
	return rec
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func st(name string, inputs ...string) *stage.Stage {
	s := &stage.Stage{Name: name, Command: "build " + name, Outputs: []string{"out"}}
	for _, in := range inputs {
		s.Inputs = append(s.Inputs, stage.MustParseRef(in))
	}
	return s
}

func mustGraph(t *testing.T, stages ...*stage.Stage) *stage.Graph {
	t.Helper()
	g := stage.NewGraph()
	for _, s := range stages {
		if err := g.AddStage(s); err != nil {
			t.Fatalf("AddStage(%s): %v", s.Name, err)
		}
	}
	return g
}

func mustRun(t *testing.T, o *Orchestrator) *Report {
	t.Helper()
	rep, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return rep
}

func statuses(rep *Report) map[string]string {
	out := map[string]string{}
	for _, rec := range rep.Records {
		s := string(rec.Status)
		if rec.SkipReason != "" {
			s += "/" + string(rec.SkipReason)
		}
		out[rec.Stage] = s
	}
	return out
}

type countingObserver struct {
	started  []string
	finished []string
}

func (c *countingObserver) StageStarted(s *stage.Stage)  { c.started = append(c.started, s.Name) }
func (c *countingObserver) StageFinished(r *stage.Record) { c.finished = append(c.finished, r.Stage) }

var _ Runner = (*fakeRunner)(nil)
var _ Runner = (*executor.Executor)(nil)
var _ Manifest = (*MemoryManifest)(nil)
var _ executor.Store = (*artifact.Store)(nil)
