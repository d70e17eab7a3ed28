package pipeline

import (
	"time"

	"github.com/loykin/stagebuild/internal/constants"
)

// CurrentVersion is the only pipeline format version understood.
const CurrentVersion = "1"

// Stage groups
const (
	GroupBuild   = constants.GroupBuild
	GroupTest    = constants.GroupTest
	GroupInstall = constants.GroupInstall
)

// Document is the YAML form of a pipeline file.
type Document struct {
	Version         string              `yaml:"version"`
	DependencyStage string              `yaml:"dependency_stage"`
	Tools           []string            `yaml:"tools"`
	Externals       map[string]string   `yaml:"externals"`
	Env             map[string]string   `yaml:"env"`
	Paths           map[string][]string `yaml:"paths"`
	Timeout         time.Duration       `yaml:"timeout"`
	Stages          []StageDoc          `yaml:"stages"`
}

// StageDoc is one entry of the stages list.
type StageDoc struct {
	Name      string              `yaml:"name"`
	Group     string              `yaml:"group"`
	Inputs    []string            `yaml:"inputs"`
	DependsOn []string            `yaml:"depends_on"`
	Command   string              `yaml:"command"`
	Shell     bool                `yaml:"shell"`
	Outputs   []string            `yaml:"outputs"`
	Env       map[string]string   `yaml:"env"`
	Paths     map[string][]string `yaml:"paths"`
	Timeout   time.Duration       `yaml:"timeout"`
	AlwaysRun *bool               `yaml:"always_run"` // nil: true for the install group
	Tools     []string            `yaml:"tools"`
	WorkDir   string              `yaml:"workdir"`
	OutputDir string              `yaml:"output_dir"`
}
