// Package store persists specifications and the records of their runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/specrun/internal/model"
)

var (
	// ErrNotFound is returned when a specification or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRevisionConflict is returned when a save names a revision other than
	// the stored one.
	ErrRevisionConflict = errors.New("revision conflict")
)

// Persistence saves and loads specification bodies. Saves are checked
// optimistically: the caller names the revision it edited and the save fails
// if the stored revision has moved on.
type Persistence interface {
	SaveSpecification(ctx context.Context, id, revision string, spec *model.Specification) (string, error)
	LoadSpecification(ctx context.Context, id string) (*model.Specification, error)
	ListSpecifications(ctx context.Context) ([]model.SpecSummary, error)
}

// StoredRecord is a SpecRecord archived from a batch or single run.
type StoredRecord struct {
	ID         string    `json:"id"`
	BatchID    string    `json:"batch_id,omitempty"`
	SystemName string    `json:"system_name"`
	CreatedAt  time.Time `json:"created_at"`
	model.SpecRecord
}

// RecordStats holds aggregate run statistics.
type RecordStats struct {
	Total          int            `json:"total"`
	CountByStatus  map[string]int `json:"count_by_status"`
	CountByOutcome map[string]int `json:"count_by_outcome"`
	Counts         model.Counts   `json:"counts"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
}

// Store is Persistence plus the run record archive.
type Store interface {
	Persistence
	InsertRecord(ctx context.Context, batchID, systemName string, rec model.SpecRecord) (*StoredRecord, error)
	ListRecords(ctx context.Context, specID string, limit, offset int) ([]*StoredRecord, int, error)
	GetRecordStats(ctx context.Context) (*RecordStats, error)
	Close() error
}
