package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/specrun/internal/engine"
	"github.com/seantiz/specrun/internal/fixture"
	"github.com/seantiz/specrun/internal/model"
	"github.com/seantiz/specrun/internal/plan"
	"github.com/seantiz/specrun/internal/protocol"
)

// execute runs one attempt of j and returns its record. Failures to load or
// compile the specification, timeouts and cancellation are reported in the
// record's Error field.
func (a *Agent) execute(ctx context.Context, j *job) model.SpecRecord {
	start := time.Now().UTC()
	rec := model.SpecRecord{
		Specification: a.summary(j),
		StartedAt:     &start,
	}
	finish := func(status model.Status, outcome model.Outcome, errMsg string) model.SpecRecord {
		now := time.Now().UTC()
		rec.Status = status
		rec.Outcome = outcome
		rec.Error = errMsg
		rec.FinishedAt = now
		rec.DurationMS = int(now.Sub(start).Milliseconds())
		return rec
	}

	spec, err := a.load(ctx, j)
	if err != nil {
		return finish(model.StatusError, model.OutcomeErrored, fmt.Sprintf("load specification: %v", err))
	}
	rec.Specification = spec.Summary()

	p, err := plan.CreatePlan(spec, a.system.Library())
	if err != nil {
		return finish(model.StatusSyntaxError, model.OutcomeErrored, fmt.Sprintf("compile specification: %v", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	services, release, err := fixture.RunServices(runCtx, a.system)
	if err != nil {
		return finish(model.StatusError, model.OutcomeErrored, err.Error())
	}
	defer func() {
		if err := release(); err != nil {
			a.log.WithError(err).WithField("spec_id", spec.ID).Warn("release run services")
		}
	}()

	c := engine.NewContext(runCtx, services)
	var opts []engine.Option
	if a.mode == model.ModeInteractive {
		opts = append(opts, engine.WithObserver(func(r model.Result) {
			a.send(protocol.KindSpecProgress, "", protocol.SpecProgress{SpecID: spec.ID, Result: r, Counts: c.Counts()})
		}))
	}

	done := make(chan error, 1)
	go func() {
		done <- engine.NewExecutor(opts...).Execute(c, p)
	}()

	select {
	case err = <-done:
	case <-runCtx.Done():
		select {
		case err = <-done:
		case <-time.After(abandonGrace):
			a.log.WithField("spec_id", spec.ID).Warn("fixture ignored cancellation, abandoning run")
			return finish(model.StatusError, a.cancelOutcome(ctx, runCtx), a.cancelReason(ctx, j))
		}
	}
	if err != nil {
		return finish(model.StatusError, model.OutcomeErrored, fmt.Sprintf("execute specification: %v", err))
	}

	rec.Counts = c.Counts()
	rec.Results = c.Results()
	if c.Cancelled() {
		return finish(model.StatusError, a.cancelOutcome(ctx, runCtx), a.cancelReason(ctx, j))
	}
	return finish(c.Status(), model.OutcomeCompleted, "")
}

func (a *Agent) load(ctx context.Context, j *job) (*model.Specification, error) {
	if j.spec != nil {
		return j.spec, nil
	}
	if a.source == nil {
		return nil, fmt.Errorf("%w: %s", ErrSpecNotFound, j.specID)
	}
	return a.source.LoadSpecification(ctx, j.specID)
}

func (a *Agent) cancelOutcome(parent, run context.Context) model.Outcome {
	if parent.Err() == nil && errors.Is(run.Err(), context.DeadlineExceeded) {
		return model.OutcomeTimedOut
	}
	return model.OutcomeCancelled
}

func (a *Agent) cancelReason(parent context.Context, j *job) string {
	if parent.Err() == nil {
		return fmt.Sprintf("timed out after %s", j.timeout)
	}
	return "engine stopped while running"
}
