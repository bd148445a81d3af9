package model

// GrammarModel describes one grammar in the fixture catalogue.
type GrammarModel struct {
	Key   string   `json:"key"`
	Title string   `json:"title,omitempty"`
	Cells []string `json:"cells,omitempty"`
}

// FixtureModel describes one fixture in the catalogue an engine reports at
// startup.
type FixtureModel struct {
	Key      string         `json:"key"`
	Title    string         `json:"title,omitempty"`
	Grammars []GrammarModel `json:"grammars"`
}

// GrammarError is a problem found while building a fixture's grammars.
type GrammarError struct {
	Fixture string `json:"fixture"`
	Grammar string `json:"grammar"`
	Message string `json:"message"`
}

func (e GrammarError) Error() string {
	return e.Fixture + "." + e.Grammar + ": " + e.Message
}
