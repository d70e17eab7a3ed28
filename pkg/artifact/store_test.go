package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/loykin/stagebuild/pkg/builderr"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStore_PutGet(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, filepath.Join(dir, "a.out"), "binary")

	s := NewStore()
	a, err := s.Put("A", "a.out", p)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if a.Fingerprint == "" || !filepath.IsAbs(a.Path) {
		t.Fatalf("unexpected artifact %+v", a)
	}

	got, err := s.Get("A", "a.out")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Fingerprint != a.Fingerprint {
		t.Errorf("fingerprint mismatch: %s vs %s", got.Fingerprint, a.Fingerprint)
	}
	if got.Ref() != "A/a.out" {
		t.Errorf("Ref() = %q", got.Ref())
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := NewStore()
	_, err := s.Get("A", "nope")
	if !errors.Is(err, builderr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.FingerprintOf("A"); !errors.Is(err, builderr.ErrNotFound) {
		t.Fatalf("FingerprintOf on empty stage: %v", err)
	}
}

func TestStore_PutUnreadable(t *testing.T) {
	s := NewStore()
	_, err := s.Put("A", "x", filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, builderr.ErrIO) {
		t.Fatalf("expected IOError, got %v", err)
	}
}

func TestStore_FingerprintOfTracksContent(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, filepath.Join(dir, "lib.a"), "v1")
	s := NewStore()
	if _, err := s.Put("B", "lib.a", p); err != nil {
		t.Fatal(err)
	}
	first, err := s.FingerprintOf("B")
	if err != nil {
		t.Fatal(err)
	}

	again, _ := s.FingerprintOf("B")
	if again != first {
		t.Fatal("FingerprintOf must be deterministic")
	}

	writeFile(t, p, "v2")
	if _, err := s.Put("B", "lib.a", p); err != nil {
		t.Fatal(err)
	}
	second, _ := s.FingerprintOf("B")
	if second == first {
		t.Fatal("fingerprint did not change with content")
	}
}

func TestStore_RegisterIsAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, filepath.Join(dir, "good"), "ok")

	s := NewStore()
	if _, err := s.Register("C", map[string]string{"old": good}); err != nil {
		t.Fatal(err)
	}

	_, err := s.Register("C", map[string]string{
		"good":    good,
		"missing": filepath.Join(dir, "missing"),
	})
	if !errors.Is(err, builderr.ErrIO) {
		t.Fatalf("expected IOError, got %v", err)
	}

	arts := s.Artifacts("C")
	if len(arts) != 1 || arts[0].Name != "old" {
		t.Fatalf("failed Register must leave previous set untouched, got %+v", arts)
	}

	if _, err := s.Register("C", map[string]string{"good": good}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("C", "old"); !errors.Is(err, builderr.ErrNotFound) {
		t.Fatal("Register must replace the whole set")
	}
}

func TestStore_SeedForgetVerify(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, filepath.Join(dir, "out"), "x")
	sum, err := HashPath(p)
	if err != nil {
		t.Fatal(err)
	}

	s := NewStore()
	s.Seed([]Artifact{
		{Stage: "A", Name: "out", Path: p, Fingerprint: sum},
		{Stage: "B", Name: "gone", Path: filepath.Join(dir, "gone"), Fingerprint: "f2"},
	})
	if got := s.Stages(); len(got) != 2 {
		t.Fatalf("Stages() = %v", got)
	}
	if err := s.Verify("A"); err != nil {
		t.Errorf("Verify(A): %v", err)
	}
	if err := s.Verify("B"); !errors.Is(err, builderr.ErrIO) {
		t.Errorf("Verify(B) expected IOError, got %v", err)
	}

	writeFile(t, p, "tampered")
	if err := s.Verify("A"); !errors.Is(err, builderr.ErrIO) {
		t.Errorf("Verify(A) after an edit expected IOError, got %v", err)
	}
	writeFile(t, p, "x")
	if err := s.Verify("A"); err != nil {
		t.Errorf("Verify(A) after restoring the content: %v", err)
	}

	s.Forget("A")
	if _, err := s.Get("A", "out"); !errors.Is(err, builderr.ErrNotFound) {
		t.Error("Forget did not drop artifacts")
	}
	s.Reset()
	if len(s.Stages()) != 0 {
		t.Error("Reset did not clear the store")
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, filepath.Join(dir, "f"), "x")
	s := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = s.Register("S", map[string]string{"a": p, "b": p})
				if arts := s.Artifacts("S"); len(arts) != 0 && len(arts) != 2 {
					t.Errorf("observed partial set of %d artifacts", len(arts))
				}
			}
		}()
	}
	wg.Wait()
}
