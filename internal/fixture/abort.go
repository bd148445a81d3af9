package fixture

import (
	"errors"
	"fmt"
)

// StepAbortError is returned (or panicked) by fixture code to halt the current
// step. The remaining cells and nested sections of that step are skipped;
// sibling steps still run.
type StepAbortError struct {
	Reason string
}

func (e *StepAbortError) Error() string {
	if e.Reason == "" {
		return "step aborted"
	}
	return "step aborted: " + e.Reason
}

// Abort returns a StepAbortError with a formatted reason.
func Abort(format string, args ...any) error {
	return &StepAbortError{Reason: fmt.Sprintf(format, args...)}
}

// IsAbort reports whether err is or wraps a StepAbortError.
func IsAbort(err error) bool {
	var abort *StepAbortError
	return errors.As(err, &abort)
}
