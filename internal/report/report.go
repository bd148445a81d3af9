// Package report renders batch results: the JSON results document, the same
// document as a client module, and a plain-text summary table.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/seantiz/specrun/internal/model"
)

// Document is the results document of one batch run.
type Document struct {
	*model.BatchResult
	GrammarErrors []FixtureErrors `json:"grammar_errors,omitempty"`
}

// FixtureErrors groups the grammar errors of one fixture.
type FixtureErrors struct {
	Fixture  string         `json:"fixture"`
	Grammars []GrammarIssue `json:"grammars"`
}

// GrammarIssue lists the messages reported for one grammar. An empty Grammar
// holds errors about the fixture itself.
type GrammarIssue struct {
	Grammar  string   `json:"grammar"`
	Messages []string `json:"messages"`
}

// NewDocument builds the results document for res.
func NewDocument(res *model.BatchResult, grammarErrors []model.GrammarError) *Document {
	return &Document{BatchResult: res, GrammarErrors: GroupGrammarErrors(grammarErrors)}
}

// GroupGrammarErrors groups errs by fixture, then grammar, both sorted by
// key. Messages keep their input order.
func GroupGrammarErrors(errs []model.GrammarError) []FixtureErrors {
	if len(errs) == 0 {
		return nil
	}

	byFixture := make(map[string]map[string][]string)
	for _, e := range errs {
		grammars, ok := byFixture[e.Fixture]
		if !ok {
			grammars = make(map[string][]string)
			byFixture[e.Fixture] = grammars
		}
		grammars[e.Grammar] = append(grammars[e.Grammar], e.Message)
	}

	out := make([]FixtureErrors, 0, len(byFixture))
	for fixture, grammars := range byFixture {
		fe := FixtureErrors{Fixture: fixture}
		for grammar, msgs := range grammars {
			fe.Grammars = append(fe.Grammars, GrammarIssue{Grammar: grammar, Messages: msgs})
		}
		sort.Slice(fe.Grammars, func(i, j int) bool { return fe.Grammars[i].Grammar < fe.Grammars[j].Grammar })
		out = append(out, fe)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fixture < out[j].Fixture })
	return out
}

// WriteJSON writes doc as indented JSON.
func WriteJSON(w io.Writer, doc *Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode results document: %w", err)
	}
	return nil
}

// WriteClientModule writes doc as a CommonJS module exporting the document,
// for loading by the results viewer.
func WriteClientModule(w io.Writer, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode results document: %w", err)
	}
	if _, err := fmt.Fprintf(w, "module.exports = %s;\n", data); err != nil {
		return fmt.Errorf("write client module: %w", err)
	}
	return nil
}

// Summary writes one row per record followed by the batch totals.
func Summary(w io.Writer, res *model.BatchResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SPECIFICATION\tSTATUS\tOUTCOME\tRIGHTS\tWRONGS\tEXCEPTIONS\tSYNTAX\tATTEMPTS\tDURATION")
	for _, rec := range res.Records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			rec.Specification.ID, rec.Status, rec.Outcome,
			rec.Counts.Rights, rec.Counts.Wrongs, rec.Counts.Exceptions, rec.Counts.SyntaxErrors,
			rec.Attempts, time.Duration(rec.DurationMS)*time.Millisecond,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	failed := 0
	for _, rec := range res.Records {
		if !rec.Succeeded() {
			failed++
		}
	}
	_, err := fmt.Fprintf(w, "\n%d specifications, %d failed: %s\n", len(res.Records), failed, res.Counts.String())
	if err != nil {
		return err
	}
	for _, rec := range res.Records {
		if rec.Error != "" {
			if _, err := fmt.Fprintf(w, "  %s: %s\n", rec.Specification.ID, rec.Error); err != nil {
				return err
			}
		}
	}
	return nil
}
