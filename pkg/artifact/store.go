package artifact

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/loykin/stagebuild/pkg/builderr"
)

// Store is the in-memory artifact index of one orchestrator run. It is
// seeded from the persisted manifest and updated as stages succeed. A stage's
// artifact set is always replaced as a whole under one write lock, so readers
// never observe a partially registered stage.
type Store struct {
	mu      sync.RWMutex
	entries map[string]map[string]Artifact
	now     func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{entries: map[string]map[string]Artifact{}, now: time.Now}
}

func (s *Store) measure(stageID, name, path string) (Artifact, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Artifact{}, builderr.IO(stageID, "resolve "+path, err)
	}
	sum, err := HashPath(abs)
	if err != nil {
		return Artifact{}, builderr.IO(stageID, "fingerprint "+abs, err)
	}
	return Artifact{Stage: stageID, Name: name, Path: abs, Fingerprint: sum, ProducedAt: s.now().UTC()}, nil
}

// Put fingerprints path and stores it as (stageID, name), overwriting any
// previous record with that key. Other artifacts of the stage are kept.
func (s *Store) Put(stageID, name, path string) (Artifact, error) {
	a, err := s.measure(stageID, name, path)
	if err != nil {
		return Artifact{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[stageID] == nil {
		s.entries[stageID] = map[string]Artifact{}
	}
	s.entries[stageID][name] = a
	return a, nil
}

// Register measures every output of a stage and then replaces the stage's
// artifact set with them. If any output cannot be fingerprinted nothing is
// registered and the previous set is left as it was.
func (s *Store) Register(stageID string, outputs map[string]string) ([]Artifact, error) {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	measured := make(map[string]Artifact, len(names))
	out := make([]Artifact, 0, len(names))
	for _, name := range names {
		a, err := s.measure(stageID, name, outputs[name])
		if err != nil {
			return nil, err
		}
		measured[name] = a
		out = append(out, a)
	}

	s.mu.Lock()
	s.entries[stageID] = measured
	s.mu.Unlock()
	return out, nil
}

// Get returns the artifact registered as (stageID, name).
func (s *Store) Get(stageID, name string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.entries[stageID][name]
	if !ok {
		return Artifact{}, builderr.NotFound(stageID, name)
	}
	return a, nil
}

// FingerprintOf returns a digest over all artifacts of a stage, ordered by name.
func (s *Store) FingerprintOf(stageID string) (string, error) {
	arts := s.Artifacts(stageID)
	if len(arts) == 0 {
		return "", builderr.NotFound(stageID, "")
	}
	h := NewHasher().Field(stageID)
	for _, a := range arts {
		h.Field(a.Name).Field(a.Fingerprint)
	}
	return h.Sum(), nil
}

// Artifacts lists a stage's artifacts ordered by name.
func (s *Store) Artifacts(stageID string) []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.entries[stageID]
	out := make([]Artifact, 0, len(set))
	for _, a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stages lists the stages that currently have artifacts, sorted.
func (s *Store) Stages() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for id, set := range s.entries {
		if len(set) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Forget drops every artifact of a stage.
func (s *Store) Forget(stageID string) {
	s.mu.Lock()
	delete(s.entries, stageID)
	s.mu.Unlock()
}

// Reset drops everything.
func (s *Store) Reset() {
	s.mu.Lock()
	s.entries = map[string]map[string]Artifact{}
	s.mu.Unlock()
}

// Seed loads previously committed artifacts without re-measuring them.
// Seeded stages are replaced wholesale like Register does.
func (s *Store) Seed(arts []Artifact) {
	grouped := map[string]map[string]Artifact{}
	for _, a := range arts {
		if grouped[a.Stage] == nil {
			grouped[a.Stage] = map[string]Artifact{}
		}
		grouped[a.Stage][a.Name] = a
	}
	s.mu.Lock()
	for id, set := range grouped {
		s.entries[id] = set
	}
	s.mu.Unlock()
}

// Verify re-measures every artifact of a stage and fails when one is gone
// or its content no longer matches the recorded fingerprint.
func (s *Store) Verify(stageID string) error {
	for _, a := range s.Artifacts(stageID) {
		sum, err := HashPath(a.Path)
		if err != nil {
			return builderr.IO(stageID, "verify "+a.Ref(), err)
		}
		if sum != a.Fingerprint {
			return builderr.IO(stageID, "verify "+a.Ref(),
				errors.Newf("%s changed on disk since it was committed", a.Path))
		}
	}
	return nil
}
