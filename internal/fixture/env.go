package fixture

import (
	"context"
	"strconv"
)

// Services is the service locator fixtures use to reach their dependencies.
type Services interface {
	Service(name string) (any, bool)
}

// ServiceMap is a Services backed by a map.
type ServiceMap map[string]any

// Service implements Services.
func (m ServiceMap) Service(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// Lookup returns the service registered under name if it has type T.
func Lookup[T any](s Services, name string) (T, bool) {
	var zero T
	if s == nil {
		return zero, false
	}
	v, ok := s.Service(name)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// State is a per-fixture key/value bag that lives for one specification run.
type State struct {
	values map[string]any
}

// NewState creates an empty state bag.
func NewState() *State {
	return &State{values: make(map[string]any)}
}

// Set stores v under key.
func (s *State) Set(key string, v any) {
	s.values[key] = v
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Int returns the integer stored under key, or 0.
func (s *State) Int(key string) int {
	switch v := s.values[key].(type) {
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

// Env is what a grammar sees while a step runs.
type Env struct {
	Ctx      context.Context
	Services Services
	State    *State
}

// Context returns the run's context, never nil.
func (e *Env) Context() context.Context {
	if e.Ctx == nil {
		return context.Background()
	}
	return e.Ctx
}
