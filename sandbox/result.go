package sandbox

import (
	"bytes"
	"syscall"
)

// stderrTailBytes is how much of stderr is searched for allocation-failure
// markers.
const stderrTailBytes = 4096

// markerRSSPercent is the share of the memory limit the process must have
// touched for an allocation-failure marker to count.
const markerRSSPercent = 75

// Assemble classifies a termination. When several causes apply, the
// kernel-enforced limit wins over the wall-clock deadline, which wins over
// cancellation:
//
//  1. ResourceLimitExceeded: SIGXCPU, SIGXFSZ, SIGKILL after the CPU limit
//     was used up, an abnormal end with peak RSS at or over the memory
//     limit, or a non-zero exit whose last stderr line starts with one of
//     markers while peak RSS was close to the memory limit.
//  2. TimedOut: the supervisor's deadline fired.
//  3. Killed: the request or the engine was cancelled.
//  4. Exited: the process ended on its own.
func Assemble(t Termination, out CapturedOutput, profile ResourceLimitProfile, markers []string) ExecutionResult {
	result := ExecutionResult{
		ExitCode:        t.ExitCode,
		Stdout:          string(out.Stdout),
		Stderr:          string(out.Stderr),
		TruncatedStdout: out.TruncatedStdout,
		TruncatedStderr: out.TruncatedStderr,
		DurationMillis:  t.Duration.Milliseconds(),
		Usage:           t.Usage,
	}
	if t.Signaled {
		result.Signal = signalName(t.Signal)
	}

	switch {
	case limitExceeded(t, out, profile, markers):
		result.TerminationReason = ReasonResourceLimitExceeded
	case t.TimedOut:
		result.TerminationReason = ReasonTimedOut
	case t.Cancelled:
		result.TerminationReason = ReasonKilled
	default:
		result.TerminationReason = ReasonExited
	}
	return result
}

func limitExceeded(t Termination, out CapturedOutput, profile ResourceLimitProfile, markers []string) bool {
	if t.Signaled {
		switch t.Signal {
		case syscall.SIGXCPU, syscall.SIGXFSZ:
			return true
		case syscall.SIGKILL:
			if t.Usage.CPUTimeMillis >= profile.CPUTime().Milliseconds() {
				return true
			}
		}
	}
	if !t.Signaled && t.ExitCode == 0 {
		return false
	}
	if t.Usage.MaxRSSBytes >= profile.MemoryBytes {
		return true
	}
	if t.Signaled || t.Cancelled {
		return false
	}
	if t.Usage.MaxRSSBytes < profile.MemoryBytes*markerRSSPercent/100 {
		return false
	}
	last := lastLine(out.Stderr[max(len(out.Stderr)-stderrTailBytes, 0):])
	for _, marker := range markers {
		if marker != "" && bytes.HasPrefix(last, []byte(marker)) {
			return true
		}
	}
	return false
}

// lastLine returns the last non-blank line of b.
func lastLine(b []byte) []byte {
	b = bytes.TrimRight(b, " \t\r\n")
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		b = b[i+1:]
	}
	return bytes.TrimSpace(b)
}

// SetupInterruptedResult is reported when cancellation or the wall clock
// ended an execution while its jail was still sealing. The helper was
// killed before the interpreter started.
func SetupInterruptedResult(reason TerminationReason) ExecutionResult {
	return ExecutionResult{
		ExitCode:          -1,
		Signal:            signalName(syscall.SIGKILL),
		TerminationReason: reason,
	}
}

// LaunchFailedResult is the result reported when the jail never ran.
func LaunchFailedResult(requestID string, err error) ExecutionResult {
	result := ExecutionResult{
		ExitCode:          -1,
		TerminationReason: ReasonLaunchFailed,
		RequestID:         requestID,
	}
	if err != nil {
		result.Stderr = err.Error()
	}
	return result
}

var signalNames = map[syscall.Signal]string{
	syscall.SIGHUP:  "SIGHUP",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGQUIT: "SIGQUIT",
	syscall.SIGILL:  "SIGILL",
	syscall.SIGABRT: "SIGABRT",
	syscall.SIGBUS:  "SIGBUS",
	syscall.SIGFPE:  "SIGFPE",
	syscall.SIGKILL: "SIGKILL",
	syscall.SIGSEGV: "SIGSEGV",
	syscall.SIGPIPE: "SIGPIPE",
	syscall.SIGALRM: "SIGALRM",
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGXCPU: "SIGXCPU",
	syscall.SIGXFSZ: "SIGXFSZ",
	syscall.SIGSYS:  "SIGSYS",
}

func signalName(sig syscall.Signal) string {
	if name, ok := signalNames[sig]; ok {
		return name
	}
	return sig.String()
}
