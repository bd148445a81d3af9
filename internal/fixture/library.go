package fixture

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/specrun/internal/model"
)

// Resolution errors returned by Library.Resolve.
var (
	ErrFixtureNotFound = errors.New("fixture not found")
	ErrGrammarNotFound = errors.New("grammar not found")
)

// Library holds registered fixtures and resolves (fixture, grammar) keys to
// executable grammars. It is safe for concurrent use.
type Library struct {
	mu       sync.RWMutex
	fixtures map[string]*Fixture
	errs     []model.GrammarError
}

// NewLibrary creates a library holding the given fixtures.
func NewLibrary(fixtures ...*Fixture) *Library {
	l := &Library{
		fixtures: make(map[string]*Fixture),
	}
	for _, f := range fixtures {
		l.Register(f)
	}
	return l
}

// Register adds a fixture under its key. Registering a second fixture with the
// same key keeps the first and records a grammar error.
func (l *Library) Register(f *Fixture) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.fixtures[f.Key]; dup {
		l.errs = append(l.errs, model.GrammarError{
			Fixture: f.Key,
			Message: fmt.Sprintf("fixture %q is already registered", f.Key),
		})
		return
	}
	l.fixtures[f.Key] = f
}

// Fixture returns the fixture registered under key.
func (l *Library) Fixture(key string) (*Fixture, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	f, ok := l.fixtures[key]
	return f, ok
}

// Resolve returns the grammar for the given fixture and grammar keys.
func (l *Library) Resolve(fixtureKey, grammarKey string) (*Grammar, error) {
	f, ok := l.Fixture(fixtureKey)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFixtureNotFound, fixtureKey)
	}
	g, ok := f.Grammar(grammarKey)
	if !ok {
		return nil, fmt.Errorf("%w: %q in fixture %q", ErrGrammarNotFound, grammarKey, fixtureKey)
	}
	return g, nil
}

// Catalogue returns a model of every registered fixture, sorted by key for a
// stable handshake.
func (l *Library) Catalogue() []model.FixtureModel {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]model.FixtureModel, 0, len(l.fixtures))
	for _, f := range l.fixtures {
		out = append(out, f.Model())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}

// Errors returns every grammar error recorded by the library and its
// fixtures, sorted by fixture then grammar.
func (l *Library) Errors() []model.GrammarError {
	l.mu.RLock()
	defer l.mu.RUnlock()

	errs := append([]model.GrammarError(nil), l.errs...)
	for _, f := range l.fixtures {
		errs = append(errs, f.errs...)
	}
	sort.SliceStable(errs, func(i, j int) bool {
		if errs[i].Fixture != errs[j].Fixture {
			return errs[i].Fixture < errs[j].Fixture
		}
		return errs[i].Grammar < errs[j].Grammar
	})
	return errs
}
