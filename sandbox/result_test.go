package sandbox

import (
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAssemble(t *testing.T) {
	profile := testPolicy().Defaults
	markers := []string{"MemoryError"}

	tests := []struct {
		name   string
		term   Termination
		out    CapturedOutput
		reason TerminationReason
		signal string
	}{
		{
			name:   "CleanExit",
			term:   Termination{ExitCode: 0},
			out:    CapturedOutput{Stdout: []byte("Hello, World!\n")},
			reason: ReasonExited,
		},
		{
			name:   "UserError",
			term:   Termination{ExitCode: 1},
			out:    CapturedOutput{Stderr: []byte("PermissionError: [Errno 13] Permission denied")},
			reason: ReasonExited,
		},
		{
			name:   "CPULimitSignal",
			term:   Termination{ExitCode: -1, Signaled: true, Signal: syscall.SIGXCPU},
			reason: ReasonResourceLimitExceeded,
			signal: "SIGXCPU",
		},
		{
			name:   "HardCPULimitKill",
			term:   Termination{ExitCode: -1, Signaled: true, Signal: syscall.SIGKILL, Usage: Usage{CPUTimeMillis: 3000}},
			reason: ReasonResourceLimitExceeded,
			signal: "SIGKILL",
		},
		{
			name:   "FileSizeSignal",
			term:   Termination{ExitCode: -1, Signaled: true, Signal: syscall.SIGXFSZ},
			reason: ReasonResourceLimitExceeded,
			signal: "SIGXFSZ",
		},
		{
			name:   "MemoryErrorMarker",
			term:   Termination{ExitCode: 1, Usage: Usage{MaxRSSBytes: profile.MemoryBytes * 9 / 10}},
			out:    CapturedOutput{Stderr: []byte("Traceback (most recent call last):\n  File \"/scratch/main.py\", line 3, in <module>\nMemoryError\n")},
			reason: ReasonResourceLimitExceeded,
		},
		{
			name:   "PrintedMarkerWithLowRSS",
			term:   Termination{ExitCode: 1, Usage: Usage{MaxRSSBytes: 8 << 20}},
			out:    CapturedOutput{Stderr: []byte("MemoryError\n")},
			reason: ReasonExited,
		},
		{
			name:   "MarkerNotOnLastLine",
			term:   Termination{ExitCode: 1, Usage: Usage{MaxRSSBytes: profile.MemoryBytes * 9 / 10}},
			out:    CapturedOutput{Stderr: []byte("MemoryError\nTraceback (most recent call last):\nValueError: bad\n")},
			reason: ReasonExited,
		},
		{
			name:   "PeakRSSWithFailure",
			term:   Termination{ExitCode: 1, Usage: Usage{MaxRSSBytes: profile.MemoryBytes}},
			reason: ReasonResourceLimitExceeded,
		},
		{
			name:   "PeakRSSWithKill",
			term:   Termination{ExitCode: -1, Signaled: true, Signal: syscall.SIGKILL, Usage: Usage{MaxRSSBytes: profile.MemoryBytes}},
			reason: ReasonResourceLimitExceeded,
			signal: "SIGKILL",
		},
		{
			name:   "PeakRSSWithCleanExit",
			term:   Termination{ExitCode: 0, Usage: Usage{MaxRSSBytes: profile.MemoryBytes}},
			reason: ReasonExited,
		},
		{
			name:   "CPUWinsOverTimeout",
			term:   Termination{ExitCode: -1, Signaled: true, Signal: syscall.SIGKILL, TimedOut: true, Usage: Usage{CPUTimeMillis: 2000}},
			reason: ReasonResourceLimitExceeded,
			signal: "SIGKILL",
		},
		{
			name:   "TimedOut",
			term:   Termination{ExitCode: -1, Signaled: true, Signal: syscall.SIGTERM, TimedOut: true},
			reason: ReasonTimedOut,
			signal: "SIGTERM",
		},
		{
			name:   "TimeoutWinsOverCancel",
			term:   Termination{ExitCode: -1, Signaled: true, Signal: syscall.SIGKILL, TimedOut: true, Cancelled: true},
			reason: ReasonTimedOut,
			signal: "SIGKILL",
		},
		{
			name:   "Cancelled",
			term:   Termination{ExitCode: -1, Signaled: true, Signal: syscall.SIGKILL, Cancelled: true},
			out:    CapturedOutput{Stderr: []byte("MemoryError")},
			reason: ReasonKilled,
			signal: "SIGKILL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Assemble(tt.term, tt.out, profile, markers)
			assert.Equal(t, tt.reason, result.TerminationReason)
			assert.Equal(t, tt.signal, result.Signal)
			assert.Equal(t, tt.term.ExitCode, result.ExitCode)
		})
	}
}

func TestAssembleCleanExitAtMemoryLimit(t *testing.T) {
	profile := testPolicy().Defaults
	profile.MemoryBytes = 64 << 20

	result := Assemble(Termination{ExitCode: 0, Usage: Usage{MaxRSSBytes: 64 << 20}}, CapturedOutput{}, profile, []string{"MemoryError"})
	assert.Equal(t, ReasonExited, result.TerminationReason)
	assert.Equal(t, 0, result.ExitCode)
}

func TestLastLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"MemoryError", "MemoryError"},
		{"Traceback\nMemoryError\n\n", "MemoryError"},
		{"a\r\n  b  \r\n", "b"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, string(lastLine([]byte(tt.in))), "input %q", tt.in)
	}
}

func TestAssembleCopiesOutput(t *testing.T) {
	result := Assemble(
		Termination{Duration: 1500 * time.Millisecond, Usage: Usage{CPUTimeMillis: 12, MaxRSSBytes: 1 << 20}},
		CapturedOutput{Stdout: []byte("out"), Stderr: []byte("err"), TruncatedStdout: true},
		testPolicy().Defaults,
		nil,
	)

	assert.Equal(t, "out", result.Stdout)
	assert.Equal(t, "err", result.Stderr)
	assert.True(t, result.TruncatedStdout)
	assert.False(t, result.TruncatedStderr)
	assert.Equal(t, int64(1500), result.DurationMillis)
	assert.Equal(t, Usage{CPUTimeMillis: 12, MaxRSSBytes: 1 << 20}, result.Usage)
}

func TestLaunchFailedResult(t *testing.T) {
	result := LaunchFailedResult("req-1", launchError("setup", errors.New("mount: permission denied")))

	assert.Equal(t, ReasonLaunchFailed, result.TerminationReason)
	assert.Equal(t, -1, result.ExitCode)
	assert.Equal(t, "req-1", result.RequestID)
	assert.Contains(t, result.Stderr, "mount: permission denied")
}

func TestSignalName(t *testing.T) {
	assert.Equal(t, "SIGKILL", signalName(syscall.SIGKILL))
	assert.NotEmpty(t, signalName(syscall.SIGUSR1))
}
