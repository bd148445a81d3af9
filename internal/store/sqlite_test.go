package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/specrun/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestSpec(id string) *model.Specification {
	return &model.Specification{
		ID:        id,
		Name:      "Adding",
		Lifecycle: model.LifecycleRegression,
		Suite:     "Arithmetic",
		Sections: []model.Section{{
			Fixture: "Math",
			Steps: []model.Step{{
				Grammar: "Add",
				Cells:   []model.Cell{{Key: "operand", Value: "2"}},
			}},
		}},
	}
}

func makeTestRecord(specID string, status model.Status, outcome model.Outcome) model.SpecRecord {
	return model.SpecRecord{
		Specification: model.SpecSummary{ID: specID},
		Status:        status,
		Outcome:       outcome,
		Counts:        model.Counts{Rights: 2, Wrongs: 1},
		Attempts:      1,
		DurationMS:    100,
		FinishedAt:    time.Now().UTC(),
	}
}

func TestSaveAndLoadSpecification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rev, err := s.SaveSpecification(ctx, "adding", "", makeTestSpec("adding"))
	if err != nil {
		t.Fatalf("SaveSpecification: %v", err)
	}
	if rev == "" {
		t.Fatal("SaveSpecification returned an empty revision")
	}

	got, err := s.LoadSpecification(ctx, "adding")
	if err != nil {
		t.Fatalf("LoadSpecification: %v", err)
	}
	if got.Revision != rev {
		t.Errorf("Revision = %q, want %q", got.Revision, rev)
	}
	if got.Lifecycle != model.LifecycleRegression {
		t.Errorf("Lifecycle = %q, want Regression", got.Lifecycle)
	}
	if len(got.Sections) != 1 || got.Sections[0].Steps[0].Cells[0].Value != "2" {
		t.Errorf("body not preserved: %+v", got.Sections)
	}
}

func TestSaveSpecificationRevisionCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rev1, err := s.SaveSpecification(ctx, "adding", "", makeTestSpec("adding"))
	if err != nil {
		t.Fatalf("first save: %v", err)
	}

	rev2, err := s.SaveSpecification(ctx, "adding", rev1, makeTestSpec("adding"))
	if err != nil {
		t.Fatalf("save at current revision: %v", err)
	}
	if rev2 == rev1 {
		t.Error("revision did not change on save")
	}

	// A writer still holding rev1 loses.
	_, err = s.SaveSpecification(ctx, "adding", rev1, makeTestSpec("adding"))
	if !errors.Is(err, ErrRevisionConflict) {
		t.Errorf("stale save error = %v, want ErrRevisionConflict", err)
	}
}

func TestSaveSpecificationRejectsMismatchedID(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SaveSpecification(context.Background(), "adding", "", makeTestSpec("other"))
	if err == nil {
		t.Fatal("expected an error for a body with a different id")
	}
	if _, err := s.SaveSpecification(context.Background(), "adding", "", nil); err == nil {
		t.Fatal("expected an error for a nil body")
	}
}

func TestLoadSpecificationNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadSpecification(context.Background(), "nonexistent")
	if err != ErrNotFound {
		t.Errorf("LoadSpecification error = %v, want ErrNotFound", err)
	}
}

func TestListSpecifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		if _, err := s.SaveSpecification(ctx, id, "", makeTestSpec(id)); err != nil {
			t.Fatalf("SaveSpecification(%s): %v", id, err)
		}
	}

	got, err := s.ListSpecifications(ctx)
	if err != nil {
		t.Fatalf("ListSpecifications: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].ID != want {
			t.Errorf("[%d].ID = %q, want %q", i, got[i].ID, want)
		}
		if got[i].Suite != "Arithmetic" {
			t.Errorf("[%d].Suite = %q, want Arithmetic", i, got[i].Suite)
		}
	}
}

func TestInsertAndListRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		specID := "a"
		if i%2 == 1 {
			specID = "b"
		}
		if _, err := s.InsertRecord(ctx, "batch-1", "Samples", makeTestRecord(specID, model.StatusSuccess, model.OutcomeCompleted)); err != nil {
			t.Fatalf("InsertRecord[%d]: %v", i, err)
		}
	}

	all, total, err := s.ListRecords(ctx, "", 2, 0)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(all) != 2 {
		t.Errorf("len = %d, want 2", len(all))
	}

	onlyA, total, err := s.ListRecords(ctx, "a", 10, 0)
	if err != nil {
		t.Fatalf("ListRecords(a): %v", err)
	}
	if total != 3 || len(onlyA) != 3 {
		t.Errorf("spec a: total = %d, len = %d, want 3 and 3", total, len(onlyA))
	}
	for _, r := range onlyA {
		if r.Specification.ID != "a" {
			t.Errorf("record for %q in spec a listing", r.Specification.ID)
		}
		if r.BatchID != "batch-1" || r.SystemName != "Samples" {
			t.Errorf("record metadata = %q/%q", r.BatchID, r.SystemName)
		}
		if r.Counts.Rights != 2 {
			t.Errorf("Counts.Rights = %d, want 2", r.Counts.Rights)
		}
	}
}

func TestListRecordsEmpty(t *testing.T) {
	s := newTestStore(t)

	records, total, err := s.ListRecords(context.Background(), "", 10, 0)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if records != nil {
		t.Errorf("records = %v, want nil", records)
	}
}

func TestGetRecordStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inserts := []model.SpecRecord{
		makeTestRecord("a", model.StatusSuccess, model.OutcomeCompleted),
		makeTestRecord("b", model.StatusFailed, model.OutcomeCompleted),
		makeTestRecord("c", model.StatusError, model.OutcomeCancelled),
	}
	inserts[2].DurationMS = 400
	for _, rec := range inserts {
		if _, err := s.InsertRecord(ctx, "", "Samples", rec); err != nil {
			t.Fatalf("InsertRecord: %v", err)
		}
	}

	stats, err := s.GetRecordStats(ctx)
	if err != nil {
		t.Fatalf("GetRecordStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus["success"] != 1 || stats.CountByStatus["failed"] != 1 || stats.CountByStatus["error"] != 1 {
		t.Errorf("CountByStatus = %v", stats.CountByStatus)
	}
	if stats.CountByOutcome["completed"] != 2 || stats.CountByOutcome["cancelled"] != 1 {
		t.Errorf("CountByOutcome = %v", stats.CountByOutcome)
	}
	if stats.Counts.Rights != 6 || stats.Counts.Wrongs != 3 {
		t.Errorf("Counts = %+v, want 6 rights and 3 wrongs", stats.Counts)
	}
	if stats.AvgDurationMS != 200 {
		t.Errorf("AvgDurationMS = %v, want 200", stats.AvgDurationMS)
	}
}

func TestGetRecordStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetRecordStats(context.Background())
	if err != nil {
		t.Fatalf("GetRecordStats: %v", err)
	}
	if stats.Total != 0 || stats.AvgDurationMS != 0 {
		t.Errorf("stats = %+v, want zero", stats)
	}
}
