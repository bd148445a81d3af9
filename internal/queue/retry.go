package queue

import (
	"context"

	"github.com/seantiz/specrun/internal/model"
)

// RetryPolicy resubmits specifications whose run failed at plan level, as
// opposed to failing in individual cells.
type RetryPolicy struct {
	MaxRetries int
}

// Attempts returns the maximum number of executions per specification.
func (p RetryPolicy) Attempts() int {
	return max(p.MaxRetries, 0) + 1
}

// ShouldRetry reports whether rec, produced by the given 1-based attempt,
// should be resubmitted.
func (p RetryPolicy) ShouldRetry(attempt int, rec model.SpecRecord) bool {
	if rec.Error == "" || rec.Outcome == model.OutcomeCancelled {
		return false
	}
	return attempt < p.Attempts()
}

// Run calls fn until it produces a record that should not be retried, the
// attempts are exhausted or ctx is done. Only the last record is returned,
// with Attempts set.
func (p RetryPolicy) Run(ctx context.Context, fn func(attempt int) model.SpecRecord) model.SpecRecord {
	for attempt := 1; ; attempt++ {
		rec := fn(attempt)
		rec.Attempts = attempt
		if !p.ShouldRetry(attempt, rec) || ctx.Err() != nil {
			return rec
		}
	}
}
