// Package artifact is the content-addressed record of stage outputs.
package artifact

import (
	"time"
)

// Artifact is one registered output of a stage. A rebuild supersedes it with
// a new Artifact; existing values are never modified.
type Artifact struct {
	Stage       string    `json:"stage" yaml:"stage"`
	Name        string    `json:"name" yaml:"name"`
	Path        string    `json:"path" yaml:"path"`
	Fingerprint string    `json:"fingerprint" yaml:"fingerprint"`
	ProducedAt  time.Time `json:"produced_at" yaml:"produced_at"`
}

// Key identifies an artifact inside a store.
type Key struct {
	Stage string
	Name  string
}

// Key returns the store key of a.
func (a Artifact) Key() Key {
	return Key{Stage: a.Stage, Name: a.Name}
}

// Ref returns the input reference other stages use to consume a.
func (a Artifact) Ref() string {
	return a.Stage + "/" + a.Name
}
