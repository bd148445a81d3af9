package model

import "fmt"

// Counts tallies graded results for a run.
type Counts struct {
	Rights       int `json:"rights"`
	Wrongs       int `json:"wrongs"`
	Exceptions   int `json:"exceptions"`
	SyntaxErrors int `json:"syntaxErrors"`
}

// Tally records one result of status s.
func (c *Counts) Tally(s Status) {
	switch s {
	case StatusSuccess:
		c.Rights++
	case StatusFailed:
		c.Wrongs++
	case StatusSyntaxError:
		c.SyntaxErrors++
	default:
		c.Exceptions++
	}
}

// Add folds o into c.
func (c *Counts) Add(o Counts) {
	c.Rights += o.Rights
	c.Wrongs += o.Wrongs
	c.Exceptions += o.Exceptions
	c.SyntaxErrors += o.SyntaxErrors
}

// Total returns the number of tallied results.
func (c Counts) Total() int {
	return c.Rights + c.Wrongs + c.Exceptions + c.SyntaxErrors
}

// Status returns the most severe status represented in c.
func (c Counts) Status() Status {
	switch {
	case c.SyntaxErrors > 0:
		return StatusSyntaxError
	case c.Exceptions > 0:
		return StatusError
	case c.Wrongs > 0:
		return StatusFailed
	default:
		return StatusSuccess
	}
}

func (c Counts) String() string {
	return fmt.Sprintf("%d right, %d wrong, %d exceptions, %d syntax errors",
		c.Rights, c.Wrongs, c.Exceptions, c.SyntaxErrors)
}
