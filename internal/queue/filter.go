// Package queue selects the specifications a run should execute and keeps
// the engine's run queue: one running specification, the rest queued in
// submission order.
package queue

import (
	"strings"

	"github.com/seantiz/specrun/internal/model"
)

// Filter selects specifications by lifecycle and workspace. Zero fields match
// everything.
type Filter struct {
	Lifecycle model.Lifecycle
	Workspace string
}

// Match reports whether s passes every set filter.
func (f Filter) Match(s model.SpecSummary) bool {
	if f.Lifecycle != model.LifecycleAny && s.Lifecycle != f.Lifecycle {
		return false
	}
	if f.Workspace != "" && !InWorkspace(s.Suite, f.Workspace) {
		return false
	}
	return true
}

// Apply returns the specifications in specs that match f, in input order.
func (f Filter) Apply(specs []model.SpecSummary) []model.SpecSummary {
	out := make([]model.SpecSummary, 0, len(specs))
	for _, s := range specs {
		if f.Match(s) {
			out = append(out, s)
		}
	}
	return out
}

// IsZero reports whether f matches everything.
func (f Filter) IsZero() bool {
	return f.Lifecycle == model.LifecycleAny && f.Workspace == ""
}

// InWorkspace reports whether a specification in suite belongs to workspace:
// the suite is the workspace itself or nested below it.
func InWorkspace(suite, workspace string) bool {
	suite = strings.Trim(suite, "/")
	workspace = strings.Trim(workspace, "/")
	if workspace == "" {
		return true
	}
	return suite == workspace || strings.HasPrefix(suite, workspace+"/")
}

// IDs returns the ids of specs in order.
func IDs(specs []model.SpecSummary) []string {
	ids := make([]string, len(specs))
	for i, s := range specs {
		ids[i] = s.ID
	}
	return ids
}
