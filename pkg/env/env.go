// Package env holds the immutable Environment threaded into every stage.
//
// An Env carries two things: plain variables (CC, CONFIGURATION, PREFIX...)
// and named search-path lists (PATH, CMAKE_PREFIX_PATH...). There are no
// setters. Every With* method returns a derived copy and leaves the receiver
// untouched, so an Env can be shared between concurrently running stages.
package env

import (
	"bytes"
	"os"
	"sort"
	"strings"
	"text/template"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
)

// Env is an immutable set of variables and search paths. The zero value is empty and usable.
type Env struct {
	vars  map[string]string
	paths map[string][]string
}

// New returns an Env holding a copy of vars.
func New(vars map[string]string) *Env {
	e := &Env{vars: make(map[string]string, len(vars)), paths: map[string][]string{}}
	for k, v := range vars {
		e.vars[k] = v
	}
	return e
}

func (e *Env) clone() *Env {
	out := &Env{vars: map[string]string{}, paths: map[string][]string{}}
	if e == nil {
		return out
	}
	for k, v := range e.vars {
		out.vars[k] = v
	}
	for k, v := range e.paths {
		out.paths[k] = append([]string(nil), v...)
	}
	return out
}

// With returns a derived Env with key set to value.
func (e *Env) With(key, value string) *Env {
	out := e.clone()
	out.vars[key] = value
	return out
}

// WithVars returns a derived Env with every entry of vars set, overriding existing keys.
func (e *Env) WithVars(vars map[string]string) *Env {
	out := e.clone()
	for k, v := range vars {
		out.vars[k] = v
	}
	return out
}

// WithPath returns a derived Env whose search path name starts with dirs,
// followed by the existing entries. Duplicates keep their first position.
func (e *Env) WithPath(name string, dirs ...string) *Env {
	out := e.clone()
	merged := append(append([]string(nil), dirs...), out.paths[name]...)
	seen := map[string]bool{}
	list := merged[:0]
	for _, d := range merged {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		list = append(list, d)
	}
	out.paths[name] = list
	return out
}

// WithPaths applies WithPath for every entry of paths, in sorted key order.
func (e *Env) WithPaths(paths map[string][]string) *Env {
	out := e
	for _, name := range sortedKeys(paths) {
		out = out.WithPath(name, paths[name]...)
	}
	if out == e {
		return e.clone()
	}
	return out
}

// Lookup returns the value of a variable.
func (e *Env) Lookup(key string) (string, bool) {
	if e == nil {
		return "", false
	}
	v, ok := e.vars[key]
	return v, ok
}

// Get returns the value of a variable or the empty string.
func (e *Env) Get(key string) string {
	v, _ := e.Lookup(key)
	return v
}

// Path returns a copy of the named search path.
func (e *Env) Path(name string) []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.paths[name]...)
}

func (e *Env) hasPath(name string) bool {
	if e == nil {
		return false
	}
	_, ok := e.paths[name]
	return ok
}

// Vars returns a copy of the variables.
func (e *Env) Vars() map[string]string {
	out := map[string]string{}
	if e == nil {
		return out
	}
	for k, v := range e.vars {
		out[k] = v
	}
	return out
}

// Environ renders the Env as KEY=VALUE pairs, sorted by key, for exec.Cmd.Env.
// Search paths are joined with the OS list separator. When a search path
// shares its name with an inherited process variable (PATH), the inherited
// value is appended after the declared entries.
func (e *Env) Environ() []string {
	if e == nil {
		return nil
	}
	merged := map[string]string{}
	for k, v := range e.vars {
		merged[k] = v
	}
	for name, list := range e.paths {
		entries := append([]string(nil), list...)
		if inherited, ok := os.LookupEnv(name); ok && inherited != "" {
			entries = append(entries, inherited)
		}
		merged[name] = strings.Join(entries, string(os.PathListSeparator))
	}
	out := make([]string, 0, len(merged))
	for _, k := range sortedKeys(merged) {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// Canonical is a deterministic text form of the declared variables and
// paths. Inherited process variables are not part of it.
func (e *Env) Canonical() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	for _, k := range sortedKeys(e.vars) {
		b.WriteString("var ")
		b.WriteString(shellquote.Join(k, e.vars[k]))
		b.WriteByte('\n')
	}
	for _, k := range sortedKeys(e.paths) {
		b.WriteString("path ")
		b.WriteString(shellquote.Join(append([]string{k}, e.paths[k]...)...))
		b.WriteByte('\n')
	}
	return b.String()
}

// FuncMap returns the template functions bound to this Env:
// env "NAME", path "NAME" (joined search path) and quote (shell quoting).
// env and path fail on names the Env does not declare.
func (e *Env) FuncMap() template.FuncMap {
	return template.FuncMap{
		"env": func(key string) (string, error) {
			v, ok := e.Lookup(key)
			if !ok {
				return "", errors.Newf("variable %q is not set", key)
			}
			return v, nil
		},
		"path": func(name string) (string, error) {
			if !e.hasPath(name) {
				return "", errors.Newf("search path %q is not declared", name)
			}
			return strings.Join(e.Path(name), string(os.PathListSeparator)), nil
		},
		"quote": func(args ...string) string { return shellquote.Join(args...) },
	}
}

// Render executes a text/template against data with the Env functions plus
// extra. Missing keys are errors; a command must never run with a silently
// empty argument.
func (e *Env) Render(name, text string, data any, extra template.FuncMap) (string, error) {
	funcs := e.FuncMap()
	for k, fn := range extra {
		funcs[k] = fn
	}
	t, err := template.New(name).Option("missingkey=error").Funcs(funcs).Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
