package fixture_test

import (
	"context"
	"errors"
	"testing"

	"github.com/seantiz/specrun/internal/fixture"
)

type hookedSystem struct {
	fixture.System
	startErr  error
	started   int
	contexts  int
	closed    int
	runClosed int
}

func (s *hookedSystem) Start(context.Context) error {
	s.started++
	return s.startErr
}

func (s *hookedSystem) CreateContext(context.Context) (fixture.Services, error) {
	s.contexts++
	return &runServices{ServiceMap: fixture.ServiceMap{"run": s.contexts}, owner: s}, nil
}

func (s *hookedSystem) Close() error {
	s.closed++
	return nil
}

type runServices struct {
	fixture.ServiceMap
	owner *hookedSystem
}

func (r *runServices) Close() error {
	r.owner.runClosed++
	return nil
}

func newHooked() *hookedSystem {
	return &hookedSystem{System: fixture.NewSystem("Hooked", fixture.NewLibrary(), nil)}
}

func TestStartSystem(t *testing.T) {
	sys := newHooked()
	if err := fixture.StartSystem(context.Background(), sys); err != nil {
		t.Fatalf("StartSystem: %v", err)
	}
	if sys.started != 1 {
		t.Errorf("started = %d, want 1", sys.started)
	}

	boom := errors.New("database unreachable")
	sys.startErr = boom
	err := fixture.StartSystem(context.Background(), sys)
	if !errors.Is(err, boom) {
		t.Errorf("StartSystem error = %v, want %v", err, boom)
	}

	plain := fixture.NewSystem("Plain", fixture.NewLibrary(), nil)
	if err := fixture.StartSystem(context.Background(), plain); err != nil {
		t.Errorf("StartSystem on a plain system: %v", err)
	}
}

func TestRunServicesAreFreshPerRun(t *testing.T) {
	sys := newHooked()
	for want := 1; want <= 2; want++ {
		services, release, err := fixture.RunServices(context.Background(), sys)
		if err != nil {
			t.Fatalf("RunServices: %v", err)
		}
		got, ok := fixture.Lookup[int](services, "run")
		if !ok || got != want {
			t.Errorf("run service = %d, %v; want %d", got, ok, want)
		}
		if err := release(); err != nil {
			t.Fatalf("release: %v", err)
		}
		if sys.runClosed != want {
			t.Errorf("runClosed = %d, want %d", sys.runClosed, want)
		}
	}
}

func TestRunServicesFallBackToSystemServices(t *testing.T) {
	plain := fixture.NewSystem("Plain", fixture.NewLibrary(), fixture.ServiceMap{"db": "shared"})
	services, release, err := fixture.RunServices(context.Background(), plain)
	if err != nil {
		t.Fatalf("RunServices: %v", err)
	}
	if v, _ := fixture.Lookup[string](services, "db"); v != "shared" {
		t.Errorf("db = %q, want %q", v, "shared")
	}
	if err := release(); err != nil {
		t.Errorf("release: %v", err)
	}
}

func TestCloseSystem(t *testing.T) {
	sys := newHooked()
	if err := fixture.CloseSystem(sys); err != nil {
		t.Fatalf("CloseSystem: %v", err)
	}
	if sys.closed != 1 {
		t.Errorf("closed = %d, want 1", sys.closed)
	}
	if err := fixture.CloseSystem(fixture.NewSystem("Plain", fixture.NewLibrary(), nil)); err != nil {
		t.Errorf("CloseSystem on a plain system: %v", err)
	}
}
