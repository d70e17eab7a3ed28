package orchestrator

import (
	"context"
	"sync"

	"github.com/loykin/stagebuild/pkg/artifact"
	"github.com/loykin/stagebuild/pkg/stage"
)

// MemoryManifest keeps records for the lifetime of the process.
type MemoryManifest struct {
	mu      sync.Mutex
	records map[string]*stage.Record
}

// NewMemoryManifest returns an empty in-memory manifest.
func NewMemoryManifest() *MemoryManifest {
	return &MemoryManifest{records: map[string]*stage.Record{}}
}

func (m *MemoryManifest) Records(context.Context) (map[string]*stage.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*stage.Record, len(m.records))
	for k, v := range m.records {
		out[k] = snapshot(v)
	}
	return out, nil
}

func (m *MemoryManifest) Commit(_ context.Context, rec *stage.Record) error {
	m.mu.Lock()
	m.records[rec.Stage] = snapshot(rec)
	m.mu.Unlock()
	return nil
}

func (m *MemoryManifest) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.records, name)
	m.mu.Unlock()
	return nil
}

// snapshot copies what a persistent manifest would keep.
func snapshot(rec *stage.Record) *stage.Record {
	c := &stage.Record{
		Stage:       rec.Stage,
		Status:      rec.Status,
		Cause:       rec.Cause,
		ExitCode:    rec.ExitCode,
		Fingerprint: rec.Fingerprint,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
		Duration:    rec.Duration,
	}
	if rec.Status == stage.StatusSucceeded {
		c.Artifacts = append([]artifact.Artifact(nil), rec.Artifacts...)
	}
	return c
}
