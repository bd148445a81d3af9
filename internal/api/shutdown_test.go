package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/specrun/internal/model"
)

func sleepSpec(ms string) *model.Specification {
	return &model.Specification{
		Name: "Slow",
		Sections: []model.Section{{
			Fixture: "Math",
			Steps:   []model.Step{{Grammar: "Sleep", Cells: []model.Cell{{Key: "ms", Value: ms}}}},
		}},
	}
}

func TestRunCancelsQueuedSpecsOnShutdown(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var ids []string
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("Slow/slow%d", i)
		if status := doJSON(t, http.MethodPut, ts.URL+"/v1/specs/"+id, SaveSpecBody{Spec: sleepSpec("1000")}, nil); status != http.StatusOK {
			t.Fatalf("save %s: status = %d", id, status)
		}
		ids = append(ids, id)
	}
	if status := doJSON(t, http.MethodPost, ts.URL+"/v1/batch", batchRequest{SpecIDs: ids}, nil); status != http.StatusAccepted {
		t.Fatalf("batch: status = %d, want %d", status, http.StatusAccepted)
	}

	deadline := time.Now().Add(5 * time.Second)
	for srv.ctrl.QueueState().Running == "" {
		if time.Now().After(deadline) {
			t.Fatal("batch never started running")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	cancel()

	start := time.Now()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if elapsed := time.Since(start); elapsed > 2500*time.Millisecond {
		t.Errorf("Run returned after %s, queued specifications were run", elapsed)
	}

	records, total, err := srv.store.ListRecords(context.Background(), "", 100, 0)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if total != len(ids) {
		t.Fatalf("total = %d, want %d", total, len(ids))
	}
	cancelled := 0
	for _, r := range records {
		if r.Outcome == model.OutcomeCancelled {
			cancelled++
		}
	}
	if cancelled < 3 {
		t.Errorf("cancelled = %d, want at least 3", cancelled)
	}
}
