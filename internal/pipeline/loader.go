// Package pipeline loads stage pipelines from YAML and turns them into a
// validated stage graph.
package pipeline

import (
	"bytes"
	_ "embed"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/loykin/stagebuild/internal/common"
	"github.com/loykin/stagebuild/internal/constants"
	"github.com/loykin/stagebuild/internal/util"
	"github.com/loykin/stagebuild/pkg/builderr"
	"github.com/loykin/stagebuild/pkg/env"
	"github.com/loykin/stagebuild/pkg/executor"
	"github.com/loykin/stagebuild/pkg/stage"
)

//go:embed default.yaml
var defaultPipeline []byte

// DefaultName is the source name reported for the embedded pipeline.
const DefaultName = "<default>"

// Pipeline is a loaded and validated pipeline definition.
type Pipeline struct {
	Source          string // file path, or DefaultName
	DependencyStage string
	Tools           []string
	Externals       map[string]string // name -> absolute path
	Timeout         time.Duration
	Graph           *stage.Graph

	vars  map[string]string
	paths map[string][]string
}

// Load reads a pipeline file. Relative externals and workdirs resolve
// against the file's directory.
func Load(path string) (*Pipeline, error) {
	cleanPath := filepath.Clean(path)
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, builderr.Configuration("pipeline %s: %v", cleanPath, err)
	}
	if !info.Mode().IsRegular() {
		return nil, builderr.Configuration("pipeline %s is not a regular file", cleanPath)
	}
	// #nosec G304 -- path is provided by the user on the command line
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, builderr.Configuration("pipeline %s: %v", cleanPath, err)
	}
	baseDir, err := filepath.Abs(filepath.Dir(cleanPath))
	if err != nil {
		return nil, builderr.IO("", "resolve pipeline directory", err)
	}
	return Parse(data, cleanPath, baseDir)
}

// LoadDefault returns the embedded bootstrap pipeline, resolved against the
// current working directory.
func LoadDefault() (*Pipeline, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, builderr.IO("", "getwd", err)
	}
	return Parse(defaultPipeline, DefaultName, wd)
}

// DefaultSource returns the YAML of the embedded pipeline.
func DefaultSource() []byte {
	return append([]byte(nil), defaultPipeline...)
}

// Parse decodes and validates pipeline YAML. source names it in errors.
func Parse(data []byte, source, baseDir string) (*Pipeline, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, builderr.Configuration("pipeline %s: parse: %v", source, err)
	}

	if doc.Version == "" {
		doc.Version = CurrentVersion
	}
	if doc.Version != CurrentVersion {
		return nil, builderr.Configuration("pipeline %s: unsupported version %q (want %q)", source, doc.Version, CurrentVersion)
	}
	if len(doc.Stages) == 0 {
		return nil, builderr.Configuration("pipeline %s: no stages defined", source)
	}
	if doc.Timeout < 0 {
		return nil, builderr.Configuration("pipeline %s: negative timeout %s", source, doc.Timeout)
	}

	p := &Pipeline{
		Source:          source,
		DependencyStage: strings.TrimSpace(doc.DependencyStage),
		Tools:           util.Dedupe(util.TrimSpaceFields(doc.Tools...)),
		Externals:       make(map[string]string, len(doc.Externals)),
		Timeout:         doc.Timeout,
		Graph:           stage.NewGraph(),
		vars:            doc.Env,
		paths:           doc.Paths,
	}
	for name, loc := range doc.Externals {
		loc, ok := util.TrimEmptyCheck(loc)
		if !ok {
			return nil, builderr.Configuration("pipeline %s: external %q has no path", source, name)
		}
		p.Externals[name] = resolve(baseDir, loc)
	}

	validator := NewTemplateValidator()
	for i := range doc.Stages {
		s, err := p.buildStage(&doc.Stages[i], baseDir, validator)
		if err != nil {
			return nil, errors.Wrapf(err, "pipeline %s: stage %d", source, i)
		}
		if err := p.Graph.AddStage(s); err != nil {
			return nil, errors.Wrapf(err, "pipeline %s", source)
		}
	}
	if err := p.Graph.Validate(); err != nil {
		return nil, errors.Wrapf(err, "pipeline %s", source)
	}
	if p.DependencyStage != "" {
		if _, ok := p.Graph.Stage(p.DependencyStage); !ok {
			return nil, builderr.Configuration("pipeline %s: dependency_stage %q is not a stage", source, p.DependencyStage)
		}
	}

	common.GetLogger().WithComponent("pipeline").Debug("pipeline loaded",
		"source", source, "stages", p.Graph.Len(), "externals", len(p.Externals))
	return p, nil
}

func (p *Pipeline) buildStage(doc *StageDoc, baseDir string, v *TemplateValidator) (*stage.Stage, error) {
	s := &stage.Stage{
		Name:      strings.TrimSpace(doc.Name),
		Group:     util.TrimWithDefault(doc.Group, GroupBuild),
		DependsOn: util.TrimSpaceFields(doc.DependsOn...),
		Command:   doc.Command,
		Shell:     doc.Shell,
		Outputs:   doc.Outputs,
		Env:       doc.Env,
		Paths:     doc.Paths,
		Timeout:   doc.Timeout,
		Tools:     util.TrimSpaceFields(doc.Tools...),
		OutputDir: strings.TrimSpace(doc.OutputDir),
	}
	switch s.Group {
	case GroupBuild, GroupTest, GroupInstall:
	default:
		return nil, builderr.Configuration("stage %s: unknown group %q (want build, test or install)", s.Name, s.Group)
	}
	if doc.AlwaysRun != nil {
		s.AlwaysRun = *doc.AlwaysRun
	} else {
		s.AlwaysRun = s.Group == GroupInstall
	}
	if wd, ok := util.TrimEmptyCheck(doc.WorkDir); ok {
		s.WorkDir = resolve(baseDir, wd)
	}

	declared := map[string]bool{}
	for _, raw := range doc.Inputs {
		ref, err := stage.ParseRef(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "stage %s", s.Name)
		}
		if ref.External {
			if _, ok := p.Externals[ref.Name]; !ok {
				return nil, builderr.Configuration("stage %s: external %q is not declared in externals", s.Name, ref.Name)
			}
		}
		declared[ref.String()] = true
		s.Inputs = append(s.Inputs, ref)
	}

	info, err := v.Validate(s.Command)
	if err != nil {
		return nil, builderr.Configuration("stage %s: command: %v", s.Name, err)
	}
	for _, used := range info.Inputs {
		ref, err := stage.ParseRef(used)
		if err != nil {
			return nil, errors.Wrapf(err, "stage %s: command", s.Name)
		}
		if !declared[ref.String()] {
			return nil, builderr.Configuration("stage %s: command uses input %q which is not listed in inputs", s.Name, used)
		}
	}
	return s, nil
}

func resolve(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(baseDir, p)
}

// Env returns the pipeline's declared variables and search paths.
func (p *Pipeline) Env() *env.Env {
	return env.New(p.vars).WithPaths(p.paths)
}

// Targets returns the stages of every listed group, in declaration order.
func (p *Pipeline) Targets(groups ...string) []string {
	want := map[string]bool{}
	for _, g := range groups {
		want[g] = true
	}
	var out []string
	for _, s := range p.Graph.Stages() {
		if want[s.Group] {
			out = append(out, s.Name)
		}
	}
	return out
}

// Check reports every required tool missing from the PATH of ev and every
// external that does not exist. It does not run anything.
func (p *Pipeline) Check(ev *env.Env) []error {
	problems := p.MissingTools(ev)

	externals := make([]string, 0, len(p.Externals))
	for name := range p.Externals {
		externals = append(externals, name)
	}
	sort.Strings(externals)
	for _, name := range externals {
		if _, err := os.Lstat(p.Externals[name]); err != nil {
			problems = append(problems, builderr.UnresolvedInput("", "@"+name, err))
		}
	}
	return problems
}

// MissingTools reports the required tools missing from the PATH of ev.
// Pipeline-wide tools are always checked. Stage tools are checked for the
// named stages, or for every stage when none are named.
func (p *Pipeline) MissingTools(ev *env.Env, stages ...string) []error {
	pathValue := os.Getenv(constants.EnvPath)
	for _, kv := range ev.Environ() {
		if v, ok := strings.CutPrefix(kv, constants.EnvPath+"="); ok {
			pathValue = v
		}
	}

	selected := map[string]bool{}
	for _, name := range stages {
		selected[name] = true
	}
	tools := map[string][]string{}
	for _, t := range p.Tools {
		tools[t] = append(tools[t], "")
	}
	for _, s := range p.Graph.Stages() {
		if len(selected) > 0 && !selected[s.Name] {
			continue
		}
		for _, t := range s.Tools {
			tools[t] = append(tools[t], s.Name)
		}
	}
	names := make([]string, 0, len(tools))
	for t := range tools {
		names = append(names, t)
	}
	sort.Strings(names)

	var problems []error
	for _, t := range names {
		if _, err := executor.LookPath(t, pathValue); err != nil {
			problems = append(problems, builderr.MissingTool(tools[t][0], t, err))
		}
	}
	return problems
}
