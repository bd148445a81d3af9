package model

// Cell is a named input or output slot of a step. When Expect is set the
// cell is an output: Value is the expected actual.
type Cell struct {
	Key    string `json:"key" yaml:"key"`
	Value  string `json:"value" yaml:"value"`
	Expect bool   `json:"expect,omitempty" yaml:"expect,omitempty"`
}

// Step invokes one grammar of the enclosing section's fixture.
type Step struct {
	ID       string    `json:"id,omitempty" yaml:"id,omitempty"`
	Grammar  string    `json:"grammar" yaml:"grammar"`
	Cells    []Cell    `json:"cells,omitempty" yaml:"cells,omitempty"`
	Sections []Section `json:"sections,omitempty" yaml:"sections,omitempty"`
}

// Section binds an ordered list of steps to one fixture.
type Section struct {
	ID      string `json:"id,omitempty" yaml:"id,omitempty"`
	Fixture string `json:"fixture" yaml:"fixture"`
	Steps   []Step `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// Specification is a named, versioned acceptance test in structured form.
type Specification struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name,omitempty" yaml:"name,omitempty"`
	Lifecycle Lifecycle `json:"lifecycle" yaml:"lifecycle"`
	Suite     string    `json:"suite,omitempty" yaml:"suite,omitempty"`
	Revision  string    `json:"revision,omitempty" yaml:"revision,omitempty"`
	Sections  []Section `json:"sections" yaml:"sections"`
}

// SpecSummary is the header of a specification without its body.
type SpecSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Lifecycle Lifecycle `json:"lifecycle,omitempty"`
	Suite     string    `json:"suite,omitempty"`
	Revision  string    `json:"revision,omitempty"`
}

// Summary returns the header of s.
func (s *Specification) Summary() SpecSummary {
	return SpecSummary{
		ID:        s.ID,
		Name:      s.Name,
		Lifecycle: s.Lifecycle,
		Suite:     s.Suite,
		Revision:  s.Revision,
	}
}
