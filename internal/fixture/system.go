package fixture

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// System is a named fixture library together with the services its fixtures
// depend on. A project may define several systems and select one by name.
type System interface {
	Name() string
	Library() *Library
	Services() Services
}

// Starter is implemented by systems that must be brought up before the
// engine reports ready. A Start error is a startup fault.
type Starter interface {
	Start(ctx context.Context) error
}

// ContextCreator is implemented by systems that build fresh services for
// every specification run. Services that also implement io.Closer are closed
// when the run is over.
type ContextCreator interface {
	CreateContext(ctx context.Context) (Services, error)
}

// StartSystem starts sys if it is a Starter.
func StartSystem(ctx context.Context, sys System) error {
	st, ok := sys.(Starter)
	if !ok {
		return nil
	}
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("start system %s: %w", sys.Name(), err)
	}
	return nil
}

// RunServices returns the services for one specification run and a function
// releasing them.
func RunServices(ctx context.Context, sys System) (Services, func() error, error) {
	cc, ok := sys.(ContextCreator)
	if !ok {
		return sys.Services(), func() error { return nil }, nil
	}
	services, err := cc.CreateContext(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create context: %w", err)
	}
	if services == nil {
		services = ServiceMap{}
	}
	release := func() error { return nil }
	if c, ok := services.(io.Closer); ok {
		release = c.Close
	}
	return services, release, nil
}

// CloseSystem closes sys if it is an io.Closer.
func CloseSystem(sys System) error {
	if c, ok := sys.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type basicSystem struct {
	name     string
	library  *Library
	services Services
}

// NewSystem creates a System.
func NewSystem(name string, library *Library, services Services) System {
	if services == nil {
		services = ServiceMap{}
	}
	return &basicSystem{name: name, library: library, services: services}
}

func (s *basicSystem) Name() string       { return s.name }
func (s *basicSystem) Library() *Library  { return s.library }
func (s *basicSystem) Services() Services { return s.services }

// Systems holds the systems a binary knows about. The first registered system
// is the default.
type Systems struct {
	mu      sync.RWMutex
	systems map[string]System
	first   string
}

// NewSystems creates a registry holding the given systems.
func NewSystems(systems ...System) *Systems {
	s := &Systems{systems: make(map[string]System)}
	for _, sys := range systems {
		s.Register(sys)
	}
	return s
}

// Register adds sys under its name, replacing any system with the same name.
func (s *Systems) Register(sys System) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.first == "" {
		s.first = sys.Name()
	}
	s.systems[sys.Name()] = sys
}

// Resolve returns the system registered under name. An empty name resolves to
// the default system.
func (s *Systems) Resolve(name string) (System, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if name == "" {
		name = s.first
	}
	sys, ok := s.systems[name]
	if !ok {
		return nil, fmt.Errorf("system %q is not registered", name)
	}
	return sys, nil
}

// Names returns the registered system names, sorted.
func (s *Systems) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.systems))
	for name := range s.systems {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
