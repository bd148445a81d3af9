package model

// ResultKind identifies which plan node a Result describes.
type ResultKind string

// Result kinds.
const (
	KindSection ResultKind = "section"
	KindStep    ResultKind = "step"
	KindCell    ResultKind = "cell"
)

// Result is the graded outcome of one executed plan node. Cell results carry
// the owning step's id in ID and the cell key in Cell.
type Result struct {
	ID     string     `json:"id"`
	Kind   ResultKind `json:"kind"`
	Cell   string     `json:"cell,omitempty"`
	Status Status     `json:"status"`
	Actual string     `json:"actual,omitempty"`
	Error  string     `json:"error,omitempty"`
}
