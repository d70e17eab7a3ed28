// Package stage holds the build-stage model: stages, artifact references,
// the dependency graph between stages and per-run execution records.
package stage

import (
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/cockroachdb/errors"

	"github.com/loykin/stagebuild/internal/constants"
	"github.com/loykin/stagebuild/pkg/builderr"
)

// Ref points at an input of a stage. "stage/name" refers to artifact name of
// stage, "@name" to an external dependency provided by the pipeline.
type Ref struct {
	Stage    string
	Name     string
	External bool
}

// ParseRef parses the textual reference form.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "@") {
		name := s[1:]
		if name == "" || strings.ContainsFunc(name, unicode.IsSpace) {
			return Ref{}, builderr.Configuration("malformed external reference %q", s)
		}
		return Ref{Name: name, External: true}, nil
	}
	stageName, name, ok := strings.Cut(s, "/")
	if !ok || stageName == "" || name == "" {
		return Ref{}, builderr.Configuration("malformed reference %q: want stage/name or @external", s)
	}
	if err := validName(stageName); err != nil {
		return Ref{}, builderr.Configuration("malformed reference %q: %v", s, err)
	}
	return Ref{Stage: stageName, Name: name}, nil
}

// MustParseRef is ParseRef that panics, for literals in tests and defaults.
func MustParseRef(s string) Ref {
	r, err := ParseRef(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Ref) String() string {
	if r.External {
		return "@" + r.Name
	}
	return r.Stage + "/" + r.Name
}

// Stage is one step of the bootstrap. Once added to a Graph it is never
// modified; the graph keeps its own copy.
type Stage struct {
	Name      string
	Group     string
	Inputs    []Ref
	DependsOn []string // ordering-only edges
	Command   string   // text/template source
	Shell     bool     // run through sh -c instead of argv splitting
	Outputs   []string // paths relative to the output directory
	Env       map[string]string
	Paths     map[string][]string // search paths prepended to the base environment
	Timeout   time.Duration       // zero means the executor default
	AlwaysRun bool
	Tools     []string
	WorkDir   string
	OutputDir string // overrides <build>/<configuration>/stages/<name>; relative to <build>/<configuration>
}

// Clone returns a deep copy.
func (s *Stage) Clone() *Stage {
	c := *s
	c.Inputs = append([]Ref(nil), s.Inputs...)
	c.DependsOn = append([]string(nil), s.DependsOn...)
	c.Outputs = append([]string(nil), s.Outputs...)
	c.Tools = append([]string(nil), s.Tools...)
	if s.Env != nil {
		c.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			c.Env[k] = v
		}
	}
	if s.Paths != nil {
		c.Paths = make(map[string][]string, len(s.Paths))
		for k, v := range s.Paths {
			c.Paths[k] = append([]string(nil), v...)
		}
	}
	return &c
}

// Dependencies returns the stages this one depends on: producers of its
// artifact inputs followed by depends_on, deduplicated, first mention wins.
func (s *Stage) Dependencies() []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	for _, in := range s.Inputs {
		if !in.External {
			add(in.Stage)
		}
	}
	for _, d := range s.DependsOn {
		add(d)
	}
	return out
}

// HasOutput reports whether name is a declared output.
func (s *Stage) HasOutput(name string) bool {
	for _, o := range s.Outputs {
		if o == name {
			return true
		}
	}
	return false
}

func validName(name string) error {
	switch {
	case name == "":
		return builderr.Configuration("stage name is empty")
	case strings.HasPrefix(name, "@"):
		return builderr.Configuration("stage name %q must not start with @", name)
	case strings.Contains(name, "/"):
		return builderr.Configuration("stage name %q must not contain /", name)
	case strings.ContainsFunc(name, unicode.IsSpace):
		return builderr.Configuration("stage name %q must not contain whitespace", name)
	}
	return nil
}

// Validate checks the stage on its own, without looking at other stages.
func (s *Stage) Validate() error {
	if err := validName(s.Name); err != nil {
		return err
	}
	if strings.TrimSpace(s.Command) == "" {
		return builderr.Configuration("stage %s: command is empty", s.Name)
	}
	if s.Timeout < 0 {
		return builderr.Configuration("stage %s: negative timeout %s", s.Name, s.Timeout)
	}
	seen := map[string]bool{}
	for _, o := range s.Outputs {
		switch {
		case o == "":
			return builderr.Configuration("stage %s: empty output name", s.Name)
		case filepath.IsAbs(o):
			return builderr.Configuration("stage %s: output %q must be relative to the output directory", s.Name, o)
		case filepath.Clean(o) != o || o == "." || o == ".." || strings.HasPrefix(o, "../"):
			return builderr.Configuration("stage %s: output %q is not a clean path inside the output directory", s.Name, o)
		case seen[o]:
			return builderr.Configuration("stage %s: output %q declared twice", s.Name, o)
		}
		seen[o] = true
	}
	if err := validOutputDir(s.OutputDir); err != nil {
		return builderr.Configuration("stage %s: %v", s.Name, err)
	}
	for _, d := range s.DependsOn {
		if err := validName(d); err != nil {
			return builderr.Configuration("stage %s: depends_on: %v", s.Name, err)
		}
	}
	for _, in := range s.Inputs {
		if in.Name == "" || (!in.External && in.Stage == "") {
			return builderr.Configuration("stage %s: malformed input %q", s.Name, in.String())
		}
	}
	return nil
}

// validOutputDir accepts an output directory override only when it stays
// inside <build>/<configuration> and clear of the directories and files the
// tool manages there. The executor empties it before every run.
func validOutputDir(dir string) error {
	if dir == "" {
		return nil
	}
	if filepath.IsAbs(dir) {
		return errors.Newf("output_dir %q must be relative to the build configuration directory", dir)
	}
	clean := filepath.Clean(dir)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return errors.Newf("output_dir %q must stay inside the build configuration directory", dir)
	}
	first, _, _ := strings.Cut(filepath.ToSlash(clean), "/")
	switch first {
	case constants.StagesDirName, constants.LogsDirName, constants.ManifestFileName, constants.LockFileName:
		return errors.Newf("output_dir %q overlaps %s, which stagebuild manages", dir, first)
	}
	return nil
}
