package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrAdmissionRejected means a global or per-host ceiling was reached.
	// Nothing was spawned.
	ErrAdmissionRejected = errors.New("admission rejected")
	// ErrLaunchFailed marks infrastructure faults while building or starting
	// the jail. Match it with errors.Is; the concrete error is *LaunchError.
	ErrLaunchFailed = errors.New("launch failed")
	// ErrInvalidRequest covers malformed overrides and oversized code.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnauthenticated is returned when no host identity is attached.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrShuttingDown rejects requests that arrive after Shutdown.
	ErrShuttingDown = errors.New("engine is shutting down")
	// ErrJailConsumed is returned when a sealed jail is launched twice.
	ErrJailConsumed = errors.New("jail already consumed")
)

// AdmissionError says which ceiling rejected the request.
type AdmissionError struct {
	Scope  string // "global" or "host"
	HostID string
	Limit  int
}

func (e *AdmissionError) Error() string {
	if e.Scope == ScopeHost {
		return fmt.Sprintf("%s: host %q has %d executions in flight", ErrAdmissionRejected, e.HostID, e.Limit)
	}
	return fmt.Sprintf("%s: %d executions in flight", ErrAdmissionRejected, e.Limit)
}

func (*AdmissionError) Is(target error) bool {
	return target == ErrAdmissionRejected
}

// Admission scopes.
const (
	ScopeGlobal = "global"
	ScopeHost   = "host"
)

// LaunchError is an infrastructure fault at one stage of building or
// starting a jail.
type LaunchError struct {
	Stage string
	Err   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("%s at %s: %v", ErrLaunchFailed, e.Stage, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

func (*LaunchError) Is(target error) bool {
	return target == ErrLaunchFailed
}

func launchError(stage string, err error) *LaunchError {
	return &LaunchError{Stage: stage, Err: err}
}
