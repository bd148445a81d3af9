package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrStartupTimeout is returned when an engine does not complete its
	// handshake within the startup timeout.
	ErrStartupTimeout = errors.New("engine startup timed out")

	// ErrDisposed is returned for requests made on, or still pending when,
	// the controller is disposed.
	ErrDisposed = errors.New("controller disposed")

	// ErrWaitTimeout is returned by Future.Wait when the caller's timeout
	// elapses first. The request itself is still pending.
	ErrWaitTimeout = errors.New("wait timed out")

	// ErrNotReady is returned for requests made before Start has completed
	// or after the engine stopped.
	ErrNotReady = errors.New("engine is not ready")

	// ErrAlreadyStarted is returned by Start on a controller that has a
	// live engine.
	ErrAlreadyStarted = errors.New("engine already started")
)

// StartupFaultError reports an engine that failed before completing its
// handshake.
type StartupFaultError struct {
	Err error
}

func (e *StartupFaultError) Error() string {
	return fmt.Sprintf("engine failed during startup: %v", e.Err)
}

func (e *StartupFaultError) Unwrap() error { return e.Err }

// TransportError reports a transport failure that ended every pending
// request.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("engine transport failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectedError is returned when the engine answers a request with an error
// acknowledgement.
type RejectedError struct {
	Kind   string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("engine rejected %s: %s", e.Kind, e.Reason)
}
