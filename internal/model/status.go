package model

import (
	"fmt"
	"strings"
)

// Status is the graded outcome of a cell, step, section or specification.
type Status string

// Result statuses, from least to most severe.
const (
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusError       Status = "error"
	StatusSyntaxError Status = "syntaxError"
)

var severity = map[Status]int{
	StatusSuccess:     0,
	StatusFailed:      1,
	StatusError:       2,
	StatusSyntaxError: 3,
}

// Severity returns the rank of s in the order success < failed < error < syntaxError.
// Unknown statuses rank as error.
func (s Status) Severity() int {
	if n, ok := severity[s]; ok {
		return n
	}
	return severity[StatusError]
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	_, ok := severity[s]
	return ok
}

// Worst returns the most severe of the given statuses, or success when none
// are given.
func Worst(statuses ...Status) Status {
	worst := StatusSuccess
	for _, s := range statuses {
		if s.Severity() > worst.Severity() {
			worst = s
		}
	}
	return worst
}

// Lifecycle classifies a specification.
type Lifecycle string

// Lifecycle values. LifecycleAny is the unset filter value.
const (
	LifecycleAny        Lifecycle = ""
	LifecycleAcceptance Lifecycle = "Acceptance"
	LifecycleRegression Lifecycle = "Regression"
)

// ParseLifecycle parses s case-insensitively. The empty string and "any"
// parse to LifecycleAny.
func ParseLifecycle(s string) (Lifecycle, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return LifecycleAny, nil
	case "acceptance":
		return LifecycleAcceptance, nil
	case "regression":
		return LifecycleRegression, nil
	default:
		return LifecycleAny, fmt.Errorf("unknown lifecycle %q (want Acceptance or Regression)", s)
	}
}

// String implements pflag.Value.
func (l *Lifecycle) String() string {
	return string(*l)
}

// Set implements pflag.Value.
func (l *Lifecycle) Set(s string) error {
	v, err := ParseLifecycle(s)
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Type implements pflag.Value.
func (l *Lifecycle) Type() string {
	return "lifecycle"
}

// EngineMode selects how the engine reports work back to its controller.
type EngineMode string

// Engine modes.
const (
	ModeInteractive EngineMode = "interactive"
	ModeBatch       EngineMode = "batch"
)

// ParseEngineMode parses s case-insensitively.
func ParseEngineMode(s string) (EngineMode, error) {
	switch EngineMode(strings.ToLower(s)) {
	case ModeInteractive:
		return ModeInteractive, nil
	case ModeBatch:
		return ModeBatch, nil
	default:
		return "", fmt.Errorf("unknown engine mode %q", s)
	}
}
