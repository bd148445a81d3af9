// Package project describes what a controller session runs: where the
// specifications live, which system executes them and how the queue is
// filtered. A project directory holds YAML specification files and an
// optional project.yaml manifest.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/specrun/internal/model"
	"github.com/seantiz/specrun/internal/queue"
)

// ManifestFile is the name of the optional project manifest.
const ManifestFile = "project.yaml"

// DefaultTimeout bounds a single specification run.
const DefaultTimeout = 30 * time.Second

// Project is the run configuration of one controller session. It is
// read-only once the session has started.
type Project struct {
	Path       string
	SystemName string
	MaxRetries int
	Lifecycle  model.Lifecycle
	Workspace  string
	Timeout    time.Duration
}

// Filter returns the queue filter the project selects specifications with.
func (p Project) Filter() queue.Filter {
	return queue.Filter{Lifecycle: p.Lifecycle, Workspace: p.Workspace}
}

// SpecTimeout returns the per-specification deadline, falling back to
// DefaultTimeout.
func (p Project) SpecTimeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultTimeout
	}
	return p.Timeout
}

// Manifest is the on-disk form of project defaults.
type Manifest struct {
	System     string `yaml:"system"`
	MaxRetries int    `yaml:"max_retries"`
	Lifecycle  string `yaml:"lifecycle"`
	Workspace  string `yaml:"workspace"`
	Timeout    string `yaml:"timeout"`
}

// Load returns the project rooted at path with defaults from its manifest,
// if one exists.
func Load(path string) (Project, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Project{}, fmt.Errorf("open project: %w", err)
	}
	if !info.IsDir() {
		return Project{}, fmt.Errorf("project path %s is not a directory", path)
	}

	p := Project{Path: path, Timeout: DefaultTimeout}

	data, err := os.ReadFile(filepath.Join(path, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return Project{}, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Project{}, fmt.Errorf("parse %s: %w", ManifestFile, err)
	}
	if m.MaxRetries < 0 {
		return Project{}, fmt.Errorf("parse %s: max_retries must not be negative", ManifestFile)
	}
	p.SystemName = m.System
	p.MaxRetries = m.MaxRetries
	p.Workspace = m.Workspace
	if p.Lifecycle, err = model.ParseLifecycle(m.Lifecycle); err != nil {
		return Project{}, fmt.Errorf("parse %s: %w", ManifestFile, err)
	}
	if m.Timeout != "" {
		if p.Timeout, err = time.ParseDuration(m.Timeout); err != nil {
			return Project{}, fmt.Errorf("parse %s: timeout: %w", ManifestFile, err)
		}
	}
	return p, nil
}
