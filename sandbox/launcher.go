package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/codejail/jail"
)

// ProcessState is the lifecycle of a SandboxProcess.
type ProcessState int32

const (
	StateStarting ProcessState = iota
	StateRunning
	StateExited
	StateReaped
)

func (s ProcessState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateReaped:
		return "reaped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SandboxProcess is one live execution. It is owned by the launcher and
// supervisor of that execution and is never shared.
type SandboxProcess struct {
	PID        int
	StartedAt  time.Time
	Profile    ResourceLimitProfile
	LauncherID string

	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
	state  atomic.Int32
}

// State returns the current lifecycle state.
func (p *SandboxProcess) State() ProcessState {
	return ProcessState(p.state.Load())
}

func (p *SandboxProcess) setState(s ProcessState) {
	p.state.Store(int32(s))
}

// signalGroup signals the whole process group. A group that is already gone
// is not an error.
func (p *SandboxProcess) signalGroup(sig syscall.Signal) error {
	err := syscall.Kill(-p.PID, sig)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to send %s to process group %d: %w", sig, p.PID, err)
	}
	return nil
}

// startProcess wires stdout and stderr to fresh pipes and starts cmd. The
// write ends are closed in the parent once the child holds them.
func startProcess(cmd *exec.Cmd, profile ResourceLimitProfile, launcherID string) (*SandboxProcess, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	cmd.Stdin = nil
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	proc := &SandboxProcess{
		Profile:    profile,
		LauncherID: launcherID,
		cmd:        cmd,
		stdout:     stdoutR,
		stderr:     stderrR,
	}
	proc.setState(StateStarting)

	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}
	closeAll(stdoutW, stderrW)

	proc.PID = cmd.Process.Pid
	proc.StartedAt = time.Now()
	return proc, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

// ProcessLauncher starts a sealed jail.
type ProcessLauncher interface {
	Launch(ctx context.Context, sj *SealedJail, code []byte) (*SandboxProcess, error)
}

// Launcher starts the jail helper binary for each sealed jail.
type Launcher struct {
	id          string
	helperPath  string
	logger      *zap.Logger
	sysProcAttr func() *syscall.SysProcAttr
}

// LauncherOption defines a functional option for Launcher
type LauncherOption func(*Launcher)

// WithSysProcAttr replaces the namespace and process group attributes the
// helper is started with
func WithSysProcAttr(fn func() *syscall.SysProcAttr) LauncherOption {
	return func(l *Launcher) {
		l.sysProcAttr = fn
	}
}

// NewLauncher creates a launcher for the given helper binary.
func NewLauncher(logger *zap.Logger, helperPath string, opts ...LauncherOption) *Launcher {
	l := &Launcher{
		id:          uuid.NewString(),
		helperPath:  helperPath,
		logger:      logger,
		sysProcAttr: jailSysProcAttr,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ID identifies this launcher on the processes it starts.
func (l *Launcher) ID() string { return l.id }

// Launch consumes sj and starts the helper, which seals itself inside new
// namespaces and execs the interpreter on code. It returns once the exec
// is confirmed. Setup failures are returned as *LaunchError after the
// helper has been reaped. If ctx ends or the wall clock runs out first, the
// error also matches ctx.Err() or os.ErrDeadlineExceeded.
func (l *Launcher) Launch(ctx context.Context, sj *SealedJail, code []byte) (*SandboxProcess, error) {
	if err := sj.consume(); err != nil {
		return nil, launchError("consume", err)
	}

	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, launchError("pipe", fmt.Errorf("failed to create request pipe: %w", err))
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		closeAll(reqR, reqW)
		return nil, launchError("pipe", fmt.Errorf("failed to create status pipe: %w", err))
	}
	defer closeAll(statusR)

	cmd := exec.Command(l.helperPath) //nolint:gosec // helper path comes from configuration
	cmd.Env = []string{}
	cmd.ExtraFiles = []*os.File{reqR, statusW} // fd 3 and 4 in the helper
	cmd.SysProcAttr = l.sysProcAttr()

	proc, err := startProcess(cmd, sj.Profile, l.id)
	closeAll(reqR, statusW)
	if err != nil {
		closeAll(reqW)
		return nil, launchError("start", err)
	}

	// The request can exceed the pipe buffer, so it is written while the
	// status pipe is read.
	go func() {
		defer closeAll(reqW)
		if err := jail.WriteRequest(reqW, sj.initRequest(code)); err != nil {
			// The helper reports the truncated request itself.
			l.logger.Debug("Init request write failed", zap.String("execution_id", sj.ID), zap.Error(err))
		}
	}()

	deadline := proc.StartedAt.Add(sj.Profile.WallClock())
	if err := statusR.SetReadDeadline(deadline); err != nil {
		l.logger.Warn("Status pipe has no deadline support", zap.Error(err))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = statusR.SetReadDeadline(time.Now())
	})
	statusErr := jail.ReadStatus(statusR)
	stop()

	if statusErr != nil {
		l.abort(proc)
		if ctxErr := ctx.Err(); ctxErr != nil {
			statusErr = fmt.Errorf("%w: %w", ctxErr, statusErr)
		}
		return nil, launchError("setup", statusErr)
	}

	proc.setState(StateRunning)
	l.logger.Debug("Sandbox process running",
		zap.String("execution_id", sj.ID),
		zap.Int("pid", proc.PID),
		zap.String("launcher_id", l.id))
	return proc, nil
}

// abort kills and reaps a helper that never reached exec.
func (l *Launcher) abort(proc *SandboxProcess) {
	if err := proc.signalGroup(syscall.SIGKILL); err != nil {
		l.logger.Warn("Failed to kill helper", zap.Int("pid", proc.PID), zap.Error(err))
	}
	_ = proc.cmd.Wait()
	proc.setState(StateReaped)
	closeAll(proc.stdout, proc.stderr)
}
