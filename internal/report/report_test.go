package report_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/seantiz/specrun/internal/model"
	"github.com/seantiz/specrun/internal/report"
)

func sampleBatch() *model.BatchResult {
	return &model.BatchResult{
		ID:         "batch-1",
		SystemName: "Samples",
		Records: []model.SpecRecord{
			{
				Specification: model.SpecSummary{ID: "Sentences/sentence1"},
				Status:        model.StatusSuccess,
				Outcome:       model.OutcomeCompleted,
				Counts:        model.Counts{Rights: 3},
				Attempts:      1,
				DurationMS:    12,
			},
			{
				Specification: model.SpecSummary{ID: "Sentences/sentence2"},
				Status:        model.StatusError,
				Outcome:       model.OutcomeTimedOut,
				Error:         "timed out after 1s",
				Attempts:      2,
			},
		},
		Counts: model.Counts{Rights: 3},
	}
}

func TestGroupGrammarErrors(t *testing.T) {
	errs := []model.GrammarError{
		{Fixture: "Math", Grammar: "Divide", Message: "duplicate cell key \"by\""},
		{Fixture: "Composite", Grammar: "", Message: "duplicate fixture key"},
		{Fixture: "Math", Grammar: "Add", Message: "empty cell key"},
		{Fixture: "Math", Grammar: "Divide", Message: "empty cell key"},
	}

	got := report.GroupGrammarErrors(errs)
	want := []report.FixtureErrors{
		{Fixture: "Composite", Grammars: []report.GrammarIssue{
			{Grammar: "", Messages: []string{"duplicate fixture key"}},
		}},
		{Fixture: "Math", Grammars: []report.GrammarIssue{
			{Grammar: "Add", Messages: []string{"empty cell key"}},
			{Grammar: "Divide", Messages: []string{"duplicate cell key \"by\"", "empty cell key"}},
		}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GroupGrammarErrors mismatch (-want +got):\n%s", diff)
	}

	if report.GroupGrammarErrors(nil) != nil {
		t.Error("no errors should group to nil")
	}
}

func TestWriteJSONEmbedsBatch(t *testing.T) {
	doc := report.NewDocument(sampleBatch(), []model.GrammarError{{Fixture: "Math", Grammar: "Add", Message: "bad"}})

	var buf bytes.Buffer
	if err := report.WriteJSON(&buf, doc); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("document is not JSON: %v", err)
	}
	for _, key := range []string{"id", "system_name", "records", "counts", "grammar_errors"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("document is missing %q", key)
		}
	}
	if !strings.Contains(buf.String(), "\n  \"") {
		t.Error("document is not indented")
	}
}

func TestWriteClientModule(t *testing.T) {
	doc := report.NewDocument(sampleBatch(), nil)

	var buf bytes.Buffer
	if err := report.WriteClientModule(&buf, doc); err != nil {
		t.Fatalf("WriteClientModule: %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "module.exports = {") {
		t.Fatalf("client module prefix: %q", out[:min(len(out), 40)])
	}
	body := strings.TrimSuffix(strings.TrimPrefix(out, "module.exports = "), ";\n")

	var back model.BatchResult
	if err := json.Unmarshal([]byte(body), &back); err != nil {
		t.Fatalf("exported value is not JSON: %v", err)
	}
	if diff := cmp.Diff(sampleBatch().Records[0].Specification, back.Records[0].Specification); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestSummary(t *testing.T) {
	var buf bytes.Buffer
	if err := report.Summary(&buf, sampleBatch()); err != nil {
		t.Fatalf("Summary: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"SPECIFICATION",
		"Sentences/sentence1",
		"timed-out",
		"12ms",
		"2 specifications, 1 failed: 3 right, 0 wrong, 0 exceptions, 0 syntax errors",
		"  Sentences/sentence2: timed out after 1s",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
