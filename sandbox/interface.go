package sandbox

import (
	"context"
	"os"
)

// ExecutionRequest is one call from a host. Code is passed to the
// interpreter verbatim and never parsed.
type ExecutionRequest struct {
	Code      string
	HostID    string
	RequestID string
	Overrides LimitOverrides
}

// TerminationReason is the single classification attached to every result.
type TerminationReason string

const (
	ReasonExited                TerminationReason = "exited"
	ReasonTimedOut              TerminationReason = "timed_out"
	ReasonResourceLimitExceeded TerminationReason = "resource_limit_exceeded"
	ReasonKilled                TerminationReason = "killed"
	ReasonLaunchFailed          TerminationReason = "launch_failed"
)

// Usage is what the kernel accounted to the sandboxed process.
type Usage struct {
	CPUTimeMillis int64 `json:"cpu_time_ms"`
	MaxRSSBytes   int64 `json:"max_rss_bytes"`
}

// CapturedOutput holds both streams after capping.
type CapturedOutput struct {
	Stdout          []byte
	Stderr          []byte
	TruncatedStdout bool
	TruncatedStderr bool
}

// ExecutionResult is returned for every admitted request. Signal is set,
// and ExitCode is -1, when the process was terminated by a signal.
type ExecutionResult struct {
	ExitCode          int               `json:"exit_code"`
	Signal            string            `json:"signal,omitempty"`
	Stdout            string            `json:"stdout"`
	Stderr            string            `json:"stderr"`
	TruncatedStdout   bool              `json:"truncated_stdout"`
	TruncatedStderr   bool              `json:"truncated_stderr"`
	DurationMillis    int64             `json:"duration_ms"`
	TerminationReason TerminationReason `json:"termination_reason"`
	Usage             Usage             `json:"usage"`
	RequestID         string            `json:"request_id,omitempty"`
}

// HostIdentity is an authenticated caller. It is resolved per request and
// never persisted.
type HostIdentity struct {
	ID string
}

// SandboxExecutor runs one request to completion.
type SandboxExecutor interface {
	Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// FileSystem defines the file system operations the engine performs on the
// host side.
type FileSystem interface {
	MkdirAll(path string, perm os.FileMode) error
	Remove(path string) error
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Remove deletes a single entry. The state directory of an execution must
// be empty once the helper's mount namespace is gone, so a non-empty
// directory is an error worth surfacing rather than something to recurse
// into.
func (RealFileSystem) Remove(path string) error {
	return os.Remove(path)
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// File permission constants
const (
	StateDirPermission = 0o711
	JailDirPermission  = 0o755
)
