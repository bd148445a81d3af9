package fixture

import (
	"fmt"

	"github.com/seantiz/specrun/internal/model"
)

// StepFunc runs once when a step starts, before any of its cells.
type StepFunc func(env *Env) error

// CellFunc is invoked for one cell of a step with the cell's value from the
// specification. The returned actual is compared against the expected value
// for output cells and recorded as-is for input cells.
type CellFunc func(env *Env, value string) (actual string, err error)

type cellBinding struct {
	key string
	fn  CellFunc
}

// Grammar is a single named behavior exposed by a fixture.
type Grammar struct {
	Key   string
	Title string

	action StepFunc
	cells  []cellBinding
	index  map[string]int
	errs   []string
}

// NewGrammar creates an empty grammar.
func NewGrammar(key, title string) *Grammar {
	return &Grammar{
		Key:   key,
		Title: title,
		index: make(map[string]int),
	}
}

// Do sets the step-level action.
func (g *Grammar) Do(fn StepFunc) *Grammar {
	g.action = fn
	return g
}

// Cell binds fn to the cell key.
func (g *Grammar) Cell(key string, fn CellFunc) *Grammar {
	if key == "" {
		g.errs = append(g.errs, "cell key must not be empty")
		return g
	}
	if _, dup := g.index[key]; dup {
		g.errs = append(g.errs, fmt.Sprintf("duplicate cell %q", key))
		return g
	}
	g.index[key] = len(g.cells)
	g.cells = append(g.cells, cellBinding{key: key, fn: fn})
	return g
}

// Input binds an input cell that consumes its value.
func (g *Grammar) Input(key string, fn func(env *Env, value string) error) *Grammar {
	return g.Cell(key, func(env *Env, value string) (string, error) {
		return value, fn(env, value)
	})
}

// Check binds an output cell whose actual is produced by fn.
func (g *Grammar) Check(key string, fn func(env *Env) (string, error)) *Grammar {
	return g.Cell(key, func(env *Env, _ string) (string, error) {
		return fn(env)
	})
}

// Action returns the step-level action, or nil.
func (g *Grammar) Action() StepFunc {
	return g.action
}

// CellFunc returns the function bound to key.
func (g *Grammar) CellFunc(key string) (CellFunc, bool) {
	i, ok := g.index[key]
	if !ok {
		return nil, false
	}
	return g.cells[i].fn, true
}

// Cells returns the cell keys in registration order.
func (g *Grammar) Cells() []string {
	keys := make([]string, len(g.cells))
	for i, c := range g.cells {
		keys[i] = c.key
	}
	return keys
}

func (g *Grammar) model() model.GrammarModel {
	return model.GrammarModel{Key: g.Key, Title: g.Title, Cells: g.Cells()}
}
