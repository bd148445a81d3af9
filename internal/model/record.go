package model

import "time"

// Outcome describes how a specification's run ended.
type Outcome string

// Terminal outcomes of a specification run.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimedOut  Outcome = "timed-out"
	OutcomeErrored   Outcome = "errored"
)

// SpecRecord is the single terminal record of one submitted specification.
// Error is set when the run failed at plan level (load, compile, timeout,
// engine or transport fault) rather than in an individual cell.
type SpecRecord struct {
	Specification SpecSummary `json:"specification"`
	Status        Status      `json:"status"`
	Outcome       Outcome     `json:"outcome"`
	Counts        Counts      `json:"counts"`
	Results       []Result    `json:"results,omitempty"`
	Error         string      `json:"error,omitempty"`
	Attempts      int         `json:"attempts"`
	DurationMS    int         `json:"duration_ms"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	FinishedAt    time.Time   `json:"finished_at"`
}

// Succeeded reports whether the specification completed with every result
// graded success.
func (r SpecRecord) Succeeded() bool {
	return r.Outcome == OutcomeCompleted && r.Error == "" && r.Status == StatusSuccess
}

// BatchResult is the results document of one batch run. Records are in
// completion order.
type BatchResult struct {
	ID         string         `json:"id"`
	SystemName string         `json:"system_name"`
	Fixtures   []FixtureModel `json:"fixtures"`
	Records    []SpecRecord   `json:"records"`
	Counts     Counts         `json:"counts"`
	Cancelled  bool           `json:"cancelled,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Record returns the record for the given specification id.
func (b *BatchResult) Record(id string) (SpecRecord, bool) {
	for _, r := range b.Records {
		if r.Specification.ID == id {
			return r, true
		}
	}
	return SpecRecord{}, false
}

// Succeeded reports whether every record succeeded.
func (b *BatchResult) Succeeded() bool {
	for _, r := range b.Records {
		if !r.Succeeded() {
			return false
		}
	}
	return !b.Cancelled
}
