// Package executor runs one stage: it resolves inputs, renders the command,
// spawns exactly one process in a fresh output directory and registers the
// declared outputs once the process exits cleanly.
package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"

	"github.com/loykin/stagebuild/internal/common"
	"github.com/loykin/stagebuild/internal/constants"
	"github.com/loykin/stagebuild/internal/util"
	"github.com/loykin/stagebuild/pkg/artifact"
	"github.com/loykin/stagebuild/pkg/builderr"
	"github.com/loykin/stagebuild/pkg/env"
	"github.com/loykin/stagebuild/pkg/stage"
)

// Store is the part of the artifact store the executor needs.
type Store interface {
	Get(stageID, name string) (artifact.Artifact, error)
	Register(stageID string, outputs map[string]string) ([]artifact.Artifact, error)
}

// Config configures an Executor.
type Config struct {
	// Root is <build>/<configuration>. Output and log directories live below it.
	Root string
	// Externals maps external dependency names to paths.
	Externals map[string]string
	// DefaultTimeout applies to stages without their own timeout. Zero disables it.
	DefaultTimeout time.Duration
	// CaptureLimit bounds each in-memory output tail.
	CaptureLimit int
	// Stream, when set, also receives the live output of every stage.
	Stream io.Writer
	Logger *common.Logger
}

// Executor runs stages. It never retries a command.
type Executor struct {
	cfg    Config
	logger *common.Logger
	now    func() time.Time
}

// New creates an executor.
func New(cfg Config) *Executor {
	if cfg.CaptureLimit <= 0 {
		cfg.CaptureLimit = constants.DefaultCaptureLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = common.GetLogger()
	}
	return &Executor{cfg: cfg, logger: logger.WithComponent("executor"), now: time.Now}
}

// OutputDir returns the directory a stage writes its outputs into.
func (e *Executor) OutputDir(s *stage.Stage) string {
	if s.OutputDir != "" {
		if filepath.IsAbs(s.OutputDir) {
			return filepath.Clean(s.OutputDir)
		}
		return filepath.Join(e.cfg.Root, s.OutputDir)
	}
	return filepath.Join(e.cfg.Root, constants.StagesDirName, s.Name)
}

// LogPaths returns the full stdout and stderr log files of a stage.
func (e *Executor) LogPaths(name string) (stdout, stderr string) {
	dir := filepath.Join(e.cfg.Root, constants.LogsDirName)
	return filepath.Join(dir, name+".stdout.log"), filepath.Join(dir, name+".stderr.log")
}

// Resolve returns the absolute path behind a reference.
func (e *Executor) Resolve(stageName string, ref stage.Ref, store Store) (string, error) {
	if ref.External {
		p, ok := e.cfg.Externals[ref.Name]
		if !ok || p == "" {
			return "", builderr.UnresolvedInput(stageName, ref.String(), errors.New("external not declared"))
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", builderr.UnresolvedInput(stageName, ref.String(), err)
		}
		if _, err := os.Stat(abs); err != nil {
			return "", builderr.UnresolvedInput(stageName, ref.String(), err)
		}
		return abs, nil
	}
	a, err := store.Get(ref.Stage, ref.Name)
	if err != nil {
		return "", builderr.UnresolvedInput(stageName, ref.String(), err)
	}
	return a.Path, nil
}

type templateData struct {
	Stage     string
	OutputDir string
	Inputs    map[string]string
	Env       map[string]string
	Prefixes  []string
}

// Run executes s and returns its record. The record is failed on any error;
// the output directory only survives a success.
func (e *Executor) Run(ctx context.Context, s *stage.Stage, ev *env.Env, store Store) *stage.Record {
	rec := stage.NewRecord(s.Name)
	_ = rec.Start(e.now())
	logger := e.logger.WithStage(s.Name)

	fail := func(err error) *stage.Record {
		_ = rec.Fail(e.now(), err)
		logger.Error("stage failed", "cause", string(rec.Cause), "exit_code", rec.ExitCode, "error", err.Error())
		logger.Debug("stage failure detail", "detail", fmt.Sprintf("%+v", err))
		return rec
	}

	if ev == nil {
		ev = env.New(nil)
	}

	inputs := make(map[string]string, len(s.Inputs))
	for _, ref := range s.Inputs {
		p, err := e.Resolve(s.Name, ref, store)
		if err != nil {
			return fail(err)
		}
		inputs[ref.String()] = p
	}

	if err := ctx.Err(); err != nil {
		return fail(builderr.Canceled(s.Name, err))
	}

	outDir := e.OutputDir(s)
	argv, err := e.command(s, ev, inputs, outDir)
	if err != nil {
		return fail(err)
	}
	environ := append(os.Environ(), ev.Environ()...)
	environ = append(environ, constants.EnvStageOutputDir+"="+outDir, constants.EnvStageName+"="+s.Name)
	if err := checkTools(s, environ); err != nil {
		return fail(err)
	}

	if !within(e.cfg.Root, outDir) {
		return fail(builderr.Configuration("stage %s: output directory %s is outside %s", s.Name, outDir, e.cfg.Root))
	}
	if err := os.RemoveAll(outDir); err != nil {
		return fail(builderr.IO(s.Name, "clear output directory "+outDir, err))
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fail(builderr.IO(s.Name, "create output directory "+outDir, err))
	}
	committed := false
	defer func() {
		if !committed {
			if rmErr := os.RemoveAll(outDir); rmErr != nil {
				logger.Warn("failed to remove output directory", "dir", outDir, "error", rmErr.Error())
			}
		}
	}()

	stdoutTail := newTailBuffer(e.cfg.CaptureLimit)
	stderrTail := newTailBuffer(e.cfg.CaptureLimit)
	defer func() {
		rec.Stdout = stdoutTail.String()
		rec.Stderr = stderrTail.String()
	}()

	stdoutLog, stderrLog := e.LogPaths(s.Name)
	rec.StdoutLog, rec.StderrLog = stdoutLog, stderrLog
	outFile, errFile, err := openLogs(stdoutLog, stderrLog)
	if err != nil {
		return fail(builderr.IO(s.Name, "open log files", err))
	}
	defer func() {
		_ = outFile.Close()
		_ = errFile.Close()
	}()

	workDir := outDir
	if s.WorkDir != "" {
		workDir = s.WorkDir
	}

	timeout := s.Timeout
	if timeout == 0 {
		timeout = e.cfg.DefaultTimeout
	}

	stdout := []io.Writer{outFile, stdoutTail}
	stderr := []io.Writer{errFile, stderrTail}
	if e.cfg.Stream != nil {
		stdout = append(stdout, e.cfg.Stream)
		stderr = append(stderr, e.cfg.Stream)
	}

	logger.Info("executing stage", "argv", common.MaskSensitiveData(shellquote.Join(argv...)), "output_dir", outDir)
	code, err := spawn(ctx, process{
		argv:    argv,
		dir:     workDir,
		env:     environ,
		stdout:  io.MultiWriter(stdout...),
		stderr:  io.MultiWriter(stderr...),
		timeout: timeout,
	})
	rec.ExitCode = code
	switch {
	case errors.Is(err, errTimedOut):
		return fail(builderr.Timeout(s.Name, timeout))
	case errors.Is(err, errInterrupted):
		return fail(builderr.Canceled(s.Name, ctx.Err()))
	case errors.Is(err, exec.ErrNotFound):
		return fail(builderr.MissingTool(s.Name, argv[0], err))
	case err != nil && code > 0:
		return fail(builderr.ProcessFailure(s.Name, code, err))
	case err != nil:
		return fail(builderr.ProcessFailure(s.Name, -1, err))
	}

	outputs := make(map[string]string, len(s.Outputs))
	for _, name := range s.Outputs {
		p := filepath.Join(outDir, name)
		if _, err := os.Lstat(p); err != nil {
			return fail(builderr.IO(s.Name, "declared output "+name+" missing", err))
		}
		outputs[name] = p
	}
	arts, err := store.Register(s.Name, outputs)
	if err != nil {
		return fail(err)
	}
	committed = true
	_ = rec.Succeed(e.now(), arts)
	logger.Info("stage succeeded", "duration", rec.Duration, "artifacts", len(arts))
	return rec
}

// command renders the template and splits it into argv.
func (e *Executor) command(s *stage.Stage, ev *env.Env, inputs map[string]string, outDir string) ([]string, error) {
	data := templateData{
		Stage:     s.Name,
		OutputDir: outDir,
		Inputs:    inputs,
		Env:       ev.Vars(),
		Prefixes:  util.SplitPathList(ev.Get(constants.EnvInstallPrefixes)),
	}
	funcs := map[string]any{
		"input": func(ref string) (string, error) {
			p, ok := inputs[ref]
			if !ok {
				return "", errors.Newf("%q is not an input of stage %s", ref, s.Name)
			}
			return p, nil
		},
	}
	rendered, err := ev.Render(s.Name, s.Command, data, funcs)
	if err != nil {
		return nil, builderr.Configuration("stage %s: render command: %v", s.Name, err)
	}
	rendered = strings.TrimSpace(rendered)
	if rendered == "" {
		return nil, builderr.Configuration("stage %s: command renders to nothing", s.Name)
	}
	if s.Shell {
		return []string{"/bin/sh", "-c", rendered}, nil
	}
	argv, err := shellquote.Split(rendered)
	if err != nil {
		return nil, builderr.Configuration("stage %s: split command: %v", s.Name, err)
	}
	if len(argv) == 0 {
		return nil, builderr.Configuration("stage %s: command renders to nothing", s.Name)
	}
	return argv, nil
}

// within reports whether dir lies strictly below root.
func within(root, dir string) bool {
	if filepath.IsAbs(root) != filepath.IsAbs(dir) {
		return false
	}
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func openLogs(stdoutPath, stderrPath string) (*os.File, *os.File, error) {
	if err := os.MkdirAll(filepath.Dir(stdoutPath), 0o755); err != nil {
		return nil, nil, err
	}
	out, err := os.Create(stdoutPath) // #nosec G304 -- log path under the build directory
	if err != nil {
		return nil, nil, err
	}
	errF, err := os.Create(stderrPath) // #nosec G304 -- log path under the build directory
	if err != nil {
		_ = out.Close()
		return nil, nil, err
	}
	return out, errF, nil
}

// checkTools verifies that every tool the stage requires is found on the
// PATH the stage will run with.
func checkTools(s *stage.Stage, environ []string) error {
	if len(s.Tools) == 0 {
		return nil
	}
	pathValue := ""
	for _, kv := range environ {
		if v, ok := strings.CutPrefix(kv, constants.EnvPath+"="); ok {
			pathValue = v
		}
	}
	tools := append([]string(nil), s.Tools...)
	sort.Strings(tools)
	for _, tool := range tools {
		if _, err := LookPath(tool, pathValue); err != nil {
			return builderr.MissingTool(s.Name, tool, err)
		}
	}
	return nil
}

// LookPath finds an executable in pathValue, a PATH-style list. Names
// containing a slash are checked as given.
func LookPath(file, pathValue string) (string, error) {
	if strings.Contains(file, "/") {
		if isExecutable(file) {
			return file, nil
		}
		return "", errors.Newf("%s is not an executable file", file)
	}
	for _, dir := range filepath.SplitList(pathValue) {
		if dir == "" {
			dir = "."
		}
		p := filepath.Join(dir, file)
		if isExecutable(p) {
			return p, nil
		}
	}
	return "", exec.ErrNotFound
}

func isExecutable(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
}
