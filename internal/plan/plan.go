// Package plan compiles a specification against a fixture library into an
// executable, read-only tree. Unresolved fixture, grammar and cell keys do not
// fail compilation: they become placeholder nodes carrying a
// CompilationError, which the executor reports as syntax errors.
package plan

import (
	"errors"
	"fmt"

	"github.com/seantiz/specrun/internal/fixture"
	"github.com/seantiz/specrun/internal/model"
)

// Structural errors returned by CreatePlan.
var (
	ErrNilSpecification = errors.New("specification is nil")
	ErrNilLibrary       = errors.New("fixture library is nil")
	ErrDuplicateID      = errors.New("duplicate node id")
)

// CompilationError describes a node whose fixture, grammar or cell key could
// not be resolved.
type CompilationError struct {
	NodeID  string
	Fixture string
	Grammar string
	Cell    string
	Err     error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// ErrCellNotFound is wrapped by CompilationErrors for unknown cell keys.
var ErrCellNotFound = errors.New("cell not found")

// Plan is the compiled form of one specification. A Plan is never modified
// after CreatePlan returns and may be executed any number of times.
type Plan struct {
	Spec     model.SpecSummary
	Sections []*Section

	errs []*CompilationError
}

// Section is a compiled section. Err is set when its fixture is unknown, in
// which case Steps is empty.
type Section struct {
	ID      string
	Fixture string
	Steps   []*Step
	Err     *CompilationError
}

// Step is a compiled step. Err is set when its grammar is unknown, in which
// case it has no cells or nested sections.
type Step struct {
	ID       string
	Grammar  string
	Action   fixture.StepFunc
	Cells    []*Cell
	Sections []*Section
	Err      *CompilationError
}

// Cell is a compiled cell. Err is set when its key is unknown to the grammar.
type Cell struct {
	Key    string
	Value  string
	Expect bool
	Func   fixture.CellFunc
	Err    *CompilationError
}

// Errors returns every compilation error in the plan, in tree order.
func (p *Plan) Errors() []*CompilationError {
	return append([]*CompilationError(nil), p.errs...)
}

// CreatePlan compiles spec against lib.
func CreatePlan(spec *model.Specification, lib *fixture.Library) (*Plan, error) {
	if spec == nil {
		return nil, ErrNilSpecification
	}
	if lib == nil {
		return nil, ErrNilLibrary
	}

	c := &compiler{lib: lib, seen: make(map[string]bool)}
	p := &Plan{Spec: spec.Summary()}
	for i := range spec.Sections {
		sec, err := c.section(&spec.Sections[i], fmt.Sprintf("s%d", i+1))
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", spec.ID, err)
		}
		p.Sections = append(p.Sections, sec)
	}
	p.errs = c.errs
	return p, nil
}

type compiler struct {
	lib  *fixture.Library
	seen map[string]bool
	errs []*CompilationError
}

func (c *compiler) claim(id, fallback string) (string, error) {
	if id == "" {
		id = fallback
	}
	if c.seen[id] {
		return "", fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}
	c.seen[id] = true
	return id, nil
}

func (c *compiler) section(src *model.Section, path string) (*Section, error) {
	id, err := c.claim(src.ID, path)
	if err != nil {
		return nil, err
	}
	sec := &Section{ID: id, Fixture: src.Fixture}

	f, ok := c.lib.Fixture(src.Fixture)
	if !ok {
		sec.Err = &CompilationError{
			NodeID:  id,
			Fixture: src.Fixture,
			Err:     fmt.Errorf("%w: %q", fixture.ErrFixtureNotFound, src.Fixture),
		}
		c.errs = append(c.errs, sec.Err)
		return sec, nil
	}

	for i := range src.Steps {
		st, err := c.step(f, &src.Steps[i], fmt.Sprintf("%s.%d", id, i+1))
		if err != nil {
			return nil, err
		}
		sec.Steps = append(sec.Steps, st)
	}
	return sec, nil
}

func (c *compiler) step(f *fixture.Fixture, src *model.Step, path string) (*Step, error) {
	id, err := c.claim(src.ID, path)
	if err != nil {
		return nil, err
	}
	st := &Step{ID: id, Grammar: src.Grammar}

	g, ok := f.Grammar(src.Grammar)
	if !ok {
		st.Err = &CompilationError{
			NodeID:  id,
			Fixture: f.Key,
			Grammar: src.Grammar,
			Err:     fmt.Errorf("%w: %q in fixture %q", fixture.ErrGrammarNotFound, src.Grammar, f.Key),
		}
		c.errs = append(c.errs, st.Err)
		return st, nil
	}
	st.Action = g.Action()

	for _, cell := range src.Cells {
		compiled := &Cell{Key: cell.Key, Value: cell.Value, Expect: cell.Expect}
		fn, ok := g.CellFunc(cell.Key)
		if ok {
			compiled.Func = fn
		} else {
			compiled.Err = &CompilationError{
				NodeID:  id,
				Fixture: f.Key,
				Grammar: g.Key,
				Cell:    cell.Key,
				Err:     fmt.Errorf("%w: %q in grammar %q", ErrCellNotFound, cell.Key, g.Key),
			}
			c.errs = append(c.errs, compiled.Err)
		}
		st.Cells = append(st.Cells, compiled)
	}

	for i := range src.Sections {
		sec, err := c.section(&src.Sections[i], fmt.Sprintf("%s.s%d", id, i+1))
		if err != nil {
			return nil, err
		}
		st.Sections = append(st.Sections, sec)
	}
	return st, nil
}
