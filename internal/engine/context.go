package engine

import (
	"context"

	"github.com/seantiz/specrun/internal/fixture"
	"github.com/seantiz/specrun/internal/model"
)

// RunState is the lifecycle state of a Context.
type RunState string

// Run states.
const (
	StateNotStarted RunState = "not-started"
	StateRunning    RunState = "running"
	StateCompleted  RunState = "completed"
	StateCancelled  RunState = "cancelled"
)

// Context is the mutable state of a single plan execution: the append-only
// results, the running counts, the cancellation signal and the services
// fixtures may use. A Context belongs to exactly one Execute call and is not
// safe for concurrent use.
type Context struct {
	ctx      context.Context
	services fixture.Services
	state    RunState
	results  []model.Result
	counts   model.Counts
	fixtures map[string]*fixture.State
}

// NewContext creates a Context whose run is cancelled when ctx is done.
func NewContext(ctx context.Context, services fixture.Services) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if services == nil {
		services = fixture.ServiceMap{}
	}
	return &Context{
		ctx:      ctx,
		services: services,
		state:    StateNotStarted,
		fixtures: make(map[string]*fixture.State),
	}
}

// State returns the run state.
func (c *Context) State() RunState {
	return c.state
}

// Cancelled reports whether the run stopped because its context was done.
func (c *Context) Cancelled() bool {
	return c.state == StateCancelled
}

// Err returns the cause of cancellation, or nil.
func (c *Context) Err() error {
	if c.state != StateCancelled {
		return nil
	}
	return context.Cause(c.ctx)
}

// Results returns a copy of the collected results in append order.
func (c *Context) Results() []model.Result {
	return append([]model.Result(nil), c.results...)
}

// Counts returns the running tally.
func (c *Context) Counts() model.Counts {
	return c.counts
}

// Status returns the most severe status recorded so far.
func (c *Context) Status() model.Status {
	return c.counts.Status()
}

// StepResult returns the result of the step or section with the given id.
func (c *Context) StepResult(id string) (model.Result, bool) {
	for _, r := range c.results {
		if r.ID == id && r.Kind != model.KindCell {
			return r, true
		}
	}
	return model.Result{}, false
}

// CellResult returns the result of the cell with the given key in the given step.
func (c *Context) CellResult(stepID, key string) (model.Result, bool) {
	for _, r := range c.results {
		if r.ID == stepID && r.Kind == model.KindCell && r.Cell == key {
			return r, true
		}
	}
	return model.Result{}, false
}

// checkCancelled moves the run to Cancelled once its context is done.
func (c *Context) checkCancelled() bool {
	if c.state == StateCancelled {
		return true
	}
	if c.ctx.Err() != nil {
		c.state = StateCancelled
		return true
	}
	return false
}

func (c *Context) fixtureState(key string) *fixture.State {
	s, ok := c.fixtures[key]
	if !ok {
		s = fixture.NewState()
		c.fixtures[key] = s
	}
	return s
}

func (c *Context) append(r model.Result, tally bool) {
	c.results = append(c.results, r)
	if tally {
		c.counts.Tally(r.Status)
	}
}
