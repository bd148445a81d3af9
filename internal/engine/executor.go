package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/specrun/internal/fixture"
	"github.com/seantiz/specrun/internal/model"
	"github.com/seantiz/specrun/internal/plan"
)

// Misuse errors returned by Execute.
var (
	ErrNilPlan       = errors.New("plan is nil")
	ErrNilContext    = errors.New("context is nil")
	ErrContextReused = errors.New("context has already been used for a run")
)

// Executor runs plans. The zero value is ready to use.
type Executor struct {
	observer func(model.Result)
}

// Option configures an Executor.
type Option func(*Executor)

// WithObserver registers fn to receive every result as it is appended.
func WithObserver(fn func(model.Result)) Option {
	return func(e *Executor) {
		e.observer = fn
	}
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute walks p depth-first against c and returns when the walk completes or
// c's context is cancelled. Cancellation is checked before every section, step
// and cell; results collected before cancellation are kept. The returned error
// is non-nil only for misuse.
//
// Counts are tallied once per cell result, plus once for a section or step
// that executed no children and did not succeed (compile placeholders and
// failed step actions).
func (e *Executor) Execute(c *Context, p *plan.Plan) error {
	if p == nil {
		return ErrNilPlan
	}
	if c == nil {
		return ErrNilContext
	}
	if c.state != StateNotStarted {
		return ErrContextReused
	}

	c.state = StateRunning
	start := time.Now()

	for _, sec := range p.Sections {
		if c.checkCancelled() {
			break
		}
		e.section(c, sec)
	}
	if c.state == StateRunning {
		c.state = StateCompleted
	}

	runsTotal.WithLabelValues(string(c.state)).Inc()
	runDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (e *Executor) record(c *Context, r model.Result, tally bool) {
	c.append(r, tally)
	if r.Kind == model.KindCell {
		cellsTotal.WithLabelValues(string(r.Status)).Inc()
	}
	if e.observer != nil {
		e.observer(r)
	}
}

func (e *Executor) section(c *Context, sec *plan.Section) model.Status {
	if sec.Err != nil {
		e.record(c, model.Result{
			ID:     sec.ID,
			Kind:   model.KindSection,
			Status: model.StatusSyntaxError,
			Error:  sec.Err.Error(),
		}, true)
		return model.StatusSyntaxError
	}

	statuses := make([]model.Status, 0, len(sec.Steps))
	for _, st := range sec.Steps {
		if c.checkCancelled() {
			break
		}
		statuses = append(statuses, e.step(c, sec.Fixture, st))
	}

	status := model.Worst(statuses...)
	e.record(c, model.Result{ID: sec.ID, Kind: model.KindSection, Status: status}, false)
	return status
}

func (e *Executor) step(c *Context, fixtureKey string, st *plan.Step) model.Status {
	if st.Err != nil {
		e.record(c, model.Result{
			ID:     st.ID,
			Kind:   model.KindStep,
			Status: model.StatusSyntaxError,
			Error:  st.Err.Error(),
		}, true)
		return model.StatusSyntaxError
	}

	env := &fixture.Env{
		Ctx:      c.ctx,
		Services: c.services,
		State:    c.fixtureState(fixtureKey),
	}

	if st.Action != nil {
		if err := invokeAction(env, st.Action); err != nil {
			e.record(c, model.Result{
				ID:     st.ID,
				Kind:   model.KindStep,
				Status: model.StatusError,
				Error:  err.Error(),
			}, true)
			return model.StatusError
		}
	}

	statuses := make([]model.Status, 0, len(st.Cells)+len(st.Sections))
	aborted := false
	for _, cell := range st.Cells {
		if c.checkCancelled() {
			break
		}
		r := e.cell(c, env, st.ID, cell)
		statuses = append(statuses, r.Status)
		if r.aborted {
			aborted = true
			break
		}
	}

	if !aborted {
		for _, nested := range st.Sections {
			if c.checkCancelled() {
				break
			}
			statuses = append(statuses, e.section(c, nested))
		}
	}

	status := model.Worst(statuses...)
	e.record(c, model.Result{ID: st.ID, Kind: model.KindStep, Status: status}, false)
	return status
}

type cellOutcome struct {
	model.Result
	aborted bool
}

func (e *Executor) cell(c *Context, env *fixture.Env, stepID string, cell *plan.Cell) cellOutcome {
	r := model.Result{ID: stepID, Kind: model.KindCell, Cell: cell.Key}
	aborted := false

	switch {
	case cell.Err != nil:
		r.Status = model.StatusSyntaxError
		r.Error = cell.Err.Error()
	default:
		actual, err := invokeCell(env, cell.Func, cell.Value)
		switch {
		case err != nil:
			r.Status = model.StatusError
			r.Error = err.Error()
			aborted = fixture.IsAbort(err)
		case cell.Expect && actual != cell.Value:
			r.Status = model.StatusFailed
			r.Actual = actual
		default:
			r.Status = model.StatusSuccess
			r.Actual = actual
		}
	}

	e.record(c, r, true)
	return cellOutcome{Result: r, aborted: aborted}
}

func invokeCell(env *fixture.Env, fn fixture.CellFunc, value string) (actual string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = recovered(rec)
		}
	}()
	return fn(env, value)
}

func invokeAction(env *fixture.Env, fn fixture.StepFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = recovered(rec)
		}
	}()
	return fn(env)
}

// recovered converts a recovered panic value into an error. A panicked
// StepAbortError keeps its identity.
func recovered(rec any) error {
	if err, ok := rec.(error); ok {
		if fixture.IsAbort(err) {
			return err
		}
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", rec)
}
