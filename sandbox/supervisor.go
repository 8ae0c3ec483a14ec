package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Termination is how a supervised process ended.
type Termination struct {
	ExitCode  int
	Signal    syscall.Signal
	Signaled  bool
	Usage     Usage
	Duration  time.Duration
	TimedOut  bool
	Cancelled bool
	// WaitErr is set when the process could not be waited on normally.
	WaitErr error
	// SignalErr is set when escalation could not be delivered.
	SignalErr error
}

// Supervise waits for proc to exit. When the wall clock runs out it sends
// SIGTERM to the process group and SIGKILL after grace. When ctx is
// cancelled it kills the group at once. The process is always reaped
// before Supervise returns.
func Supervise(ctx context.Context, proc *SandboxProcess, wall, grace time.Duration) Termination {
	var t Termination

	exited := make(chan error, 1)
	go func() {
		exited <- proc.cmd.Wait()
	}()

	remaining := max(wall-time.Since(proc.StartedAt), 0)
	deadline := time.NewTimer(remaining)
	defer deadline.Stop()

	var waitErr error
	select {
	case waitErr = <-exited:
	case <-deadline.C:
		t.TimedOut = true
		t.SignalErr = proc.signalGroup(syscall.SIGTERM)
		graceTimer := time.NewTimer(grace)
		select {
		case waitErr = <-exited:
		case <-graceTimer.C:
			t.SignalErr = errors.Join(t.SignalErr, proc.signalGroup(syscall.SIGKILL))
			waitErr = <-exited
		case <-ctx.Done():
			t.Cancelled = true
			t.SignalErr = errors.Join(t.SignalErr, proc.signalGroup(syscall.SIGKILL))
			waitErr = <-exited
		}
		graceTimer.Stop()
	case <-ctx.Done():
		t.Cancelled = true
		t.SignalErr = proc.signalGroup(syscall.SIGKILL)
		waitErr = <-exited
	}

	proc.setState(StateReaped)
	t.Duration = time.Since(proc.StartedAt)

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		t.WaitErr = waitErr
	}
	fillExitStatus(&t, proc.cmd.ProcessState)
	return t
}

func fillExitStatus(t *Termination, state *os.ProcessState) {
	if state == nil {
		t.ExitCode = -1
		return
	}
	t.ExitCode = state.ExitCode()

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		t.Signaled = true
		t.Signal = ws.Signal()
		t.ExitCode = -1
	}

	cpu := state.UserTime() + state.SystemTime()
	t.Usage.CPUTimeMillis = cpu.Milliseconds()
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
		// ru_maxrss is in kilobytes on linux.
		t.Usage.MaxRSSBytes = int64(ru.Maxrss) * 1024
	}
}
