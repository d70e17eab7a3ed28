package env

import (
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/kballard/go-shellquote"
)

func TestEnv_DerivationDoesNotMutate(t *testing.T) {
	base := New(map[string]string{"CC": "clang", "CONFIGURATION": "debug"})
	derived := base.With("CONFIGURATION", "release").WithVars(map[string]string{"CXX": "clang++"})

	if got := base.Get("CONFIGURATION"); got != "debug" {
		t.Errorf("base CONFIGURATION = %q, want debug", got)
	}
	if _, ok := base.Lookup("CXX"); ok {
		t.Error("base must not see CXX")
	}
	if got := derived.Get("CONFIGURATION"); got != "release" {
		t.Errorf("derived CONFIGURATION = %q, want release", got)
	}
	if got := derived.Get("CC"); got != "clang" {
		t.Errorf("derived CC = %q, want clang", got)
	}
}

func TestEnv_NewCopiesInput(t *testing.T) {
	in := map[string]string{"A": "1"}
	e := New(in)
	in["A"] = "2"
	if got := e.Get("A"); got != "1" {
		t.Errorf("Get(A) = %q, want 1", got)
	}
	vars := e.Vars()
	vars["A"] = "3"
	if got := e.Get("A"); got != "1" {
		t.Errorf("Vars() must return a copy, Get(A) = %q", got)
	}
}

func TestEnv_WithPath(t *testing.T) {
	e := New(nil).WithPath("CMAKE_PREFIX_PATH", "/opt/pd").WithPath("CMAKE_PREFIX_PATH", "/opt/stage1", "/opt/pd")

	want := []string{"/opt/stage1", "/opt/pd"}
	if got := e.Path("CMAKE_PREFIX_PATH"); !reflect.DeepEqual(got, want) {
		t.Errorf("Path() = %v, want %v", got, want)
	}

	p := e.Path("CMAKE_PREFIX_PATH")
	p[0] = "mutated"
	if e.Path("CMAKE_PREFIX_PATH")[0] != "/opt/stage1" {
		t.Error("Path() must return a copy")
	}
}

func TestEnv_Environ(t *testing.T) {
	t.Setenv("STAGEBUILD_TEST_PATH", "/usr/bin")
	e := New(map[string]string{"B": "2", "A": "1"}).WithPath("STAGEBUILD_TEST_PATH", "/opt/tc/bin")

	got := e.Environ()
	sep := string(os.PathListSeparator)
	want := []string{"A=1", "B=2", "STAGEBUILD_TEST_PATH=/opt/tc/bin" + sep + "/usr/bin"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Environ() = %v, want %v", got, want)
	}
}

func TestEnv_Canonical(t *testing.T) {
	a := New(map[string]string{"X": "1", "Y": "two words"}).WithPath("PATH", "/bin")
	b := New(map[string]string{"Y": "two words", "X": "1"}).WithPath("PATH", "/bin")
	if a.Canonical() != b.Canonical() {
		t.Errorf("Canonical() differs for equal envs:\n%s\n%s", a.Canonical(), b.Canonical())
	}
	if a.Canonical() == a.With("X", "2").Canonical() {
		t.Error("Canonical() must change when a variable changes")
	}
	t.Setenv("HOME", "/somewhere/else")
	if a.Canonical() != b.Canonical() {
		t.Error("Canonical() must not depend on inherited variables")
	}
}

func TestEnv_Render(t *testing.T) {
	e := New(map[string]string{"CC": "clang"}).WithPath("PATH", "/a", "/b")
	data := map[string]any{"OutputDir": "/build/out dir"}

	tests := []struct {
		name    string
		tmpl    string
		want    string
		wantErr bool
	}{
		{"env func", `{{ env "CC" }} -c x.c`, "clang -c x.c", false},
		{"path func", `{{ path "PATH" }}`, "/a" + string(os.PathListSeparator) + "/b", false},
		{"missing key", `{{ .Nope }}`, "", true},
		{"undeclared variable", `{{ env "CXX" }} -c x.cc`, "", true},
		{"undeclared search path", `{{ path "CMAKE_PREFIX_PATH" }}`, "", true},
		{"parse error", `{{ .OutputDir`, "", true},
		{"extra func", `{{ input "a/a.out" }}`, "/resolved/a.out", false},
	}

	extra := map[string]any{"input": func(ref string) string { return "/resolved/" + strings.TrimPrefix(ref, "a/") }}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Render(tt.name, tt.tmpl, data, extra)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Render() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEnv_RenderQuote(t *testing.T) {
	e := New(nil)
	got, err := e.Render("quote", `ninja -C {{ quote .OutputDir }}`, map[string]any{"OutputDir": "/build/out dir"}, nil)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	argv, err := shellquote.Split(got)
	if err != nil {
		t.Fatalf("Split(%q) error = %v", got, err)
	}
	if want := []string{"ninja", "-C", "/build/out dir"}; !reflect.DeepEqual(argv, want) {
		t.Errorf("argv = %v, want %v", argv, want)
	}
}

func TestEnv_ConcurrentDerive(t *testing.T) {
	base := New(map[string]string{"CC": "clang"})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := base.With("JOB", string(rune('a'+i))).WithPath("PATH", "/tmp")
			_ = d.Environ()
			_ = base.Canonical()
		}(i)
	}
	wg.Wait()
	if len(base.Vars()) != 1 {
		t.Errorf("base vars = %v, want only CC", base.Vars())
	}
}

func TestEnv_NilSafe(t *testing.T) {
	var e *Env
	if _, ok := e.Lookup("X"); ok {
		t.Error("nil Env Lookup must report missing")
	}
	if e.Environ() != nil || e.Canonical() != "" {
		t.Error("nil Env must render empty")
	}
	if got := e.With("X", "1").Get("X"); got != "1" {
		t.Errorf("nil Env With() = %q, want 1", got)
	}
}

func FuzzRender(f *testing.F) {
	f.Add("")
	f.Add("plain text")
	f.Add(`{{ env "CC" }}`)
	f.Add("{{.MISSING}")
	e := New(map[string]string{"CC": "cc"})
	f.Fuzz(func(t *testing.T, s string) {
		_, _ = e.Render("fuzz", s, map[string]any{}, nil)
	})
}
