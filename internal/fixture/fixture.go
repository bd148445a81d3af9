package fixture

import (
	"fmt"

	"github.com/seantiz/specrun/internal/model"
)

// Fixture is a named capability implementing the grammars a specification's
// steps invoke.
type Fixture struct {
	Key   string
	Title string

	grammars map[string]*Grammar
	order    []string
	errs     []model.GrammarError
}

// New creates an empty fixture.
func New(key, title string) *Fixture {
	return &Fixture{
		Key:      key,
		Title:    title,
		grammars: make(map[string]*Grammar),
	}
}

// Add registers grammars on the fixture. Grammars with an empty or duplicate
// key, or with invalid cell bindings, are recorded as grammar errors; a
// grammar with invalid bindings is still registered with its valid cells.
func (f *Fixture) Add(grammars ...*Grammar) *Fixture {
	for _, g := range grammars {
		for _, msg := range g.errs {
			f.errs = append(f.errs, model.GrammarError{Fixture: f.Key, Grammar: g.Key, Message: msg})
		}
		switch {
		case g.Key == "":
			f.errs = append(f.errs, model.GrammarError{Fixture: f.Key, Message: "grammar key must not be empty"})
			continue
		case f.grammars[g.Key] != nil:
			f.errs = append(f.errs, model.GrammarError{
				Fixture: f.Key,
				Grammar: g.Key,
				Message: fmt.Sprintf("grammar %q is already registered", g.Key),
			})
			continue
		}
		f.grammars[g.Key] = g
		f.order = append(f.order, g.Key)
	}
	return f
}

// Grammar returns the grammar registered under key.
func (f *Fixture) Grammar(key string) (*Grammar, bool) {
	g, ok := f.grammars[key]
	return g, ok
}

// Errors returns the grammar errors recorded while building the fixture.
func (f *Fixture) Errors() []model.GrammarError {
	return append([]model.GrammarError(nil), f.errs...)
}

// Model returns the catalogue entry for the fixture, grammars in
// registration order.
func (f *Fixture) Model() model.FixtureModel {
	m := model.FixtureModel{Key: f.Key, Title: f.Title, Grammars: make([]model.GrammarModel, 0, len(f.order))}
	for _, key := range f.order {
		m.Grammars = append(m.Grammars, f.grammars[key].model())
	}
	return m
}
