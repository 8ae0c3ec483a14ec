//go:build linux

package sandbox

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// shellLauncher runs the submitted code as a /bin/sh script instead of
// starting the jail helper. Everything around the launch is real.
type shellLauncher struct {
	err error
}

func (l *shellLauncher) Launch(_ context.Context, sj *SealedJail, code []byte) (*SandboxProcess, error) {
	if err := sj.consume(); err != nil {
		return nil, launchError("consume", err)
	}
	if l.err != nil {
		return nil, launchError("setup", l.err)
	}
	cmd := exec.Command("/bin/sh", "-c", string(code))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	proc, err := startProcess(cmd, sj.Profile, "shell")
	if err != nil {
		return nil, launchError("start", err)
	}
	proc.setState(StateRunning)
	return proc, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []ExecutionEvent
	alerts []Alert
}

func (s *recordingSink) ExecutionFinished(_ context.Context, event ExecutionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) Alert(_ context.Context, alert Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
}

func (s *recordingSink) lastEvent(t *testing.T) ExecutionEvent {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.events)
	return s.events[len(s.events)-1]
}

type testEngine struct {
	dispatcher *Dispatcher
	fs         *MockFileSystem
	sink       *recordingSink
}

func newTestEngine(t *testing.T, maxGlobal, maxPerHost int, launcher ProcessLauncher) *testEngine {
	t.Helper()
	logger := zaptest.NewLogger(t)

	fs := &MockFileSystem{}
	builder, err := NewJailBuilder(logger, testJailConfig(), WithJailFileSystem(fs))
	require.NoError(t, err)

	policy := testPolicy()
	policy.Defaults.WallClockSeconds = 2
	policy.Defaults.CPUTimeSeconds = 1

	sink := &recordingSink{}
	dispatcher := NewDispatcher(logger, policy, NewController(maxGlobal, maxPerHost), builder, launcher,
		WithEventSink(sink),
		WithAlertSink(sink),
		WithTimings(200*time.Millisecond, 500*time.Millisecond),
		WithMaxCodeBytes(1024),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = dispatcher.Shutdown(ctx)
	})
	return &testEngine{dispatcher: dispatcher, fs: fs, sink: sink}
}

func longWallClock() LimitOverrides {
	wall := 30
	return LimitOverrides{WallClockSeconds: &wall}
}

// waitInFlight polls until n executions of hostID are admitted.
func waitInFlight(t *testing.T, d *Dispatcher, hostID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return d.Stats().PerHost[hostID] == n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcherExecute(t *testing.T) {
	engine := newTestEngine(t, 4, 2, &shellLauncher{})
	ctx := context.Background()

	t.Run("HelloWorld", func(t *testing.T) {
		result, err := engine.dispatcher.Execute(ctx, ExecutionRequest{
			Code:      `echo "Hello, World!"`,
			HostID:    "host-a",
			RequestID: "req-1",
		})
		require.NoError(t, err)

		assert.Equal(t, 0, result.ExitCode)
		assert.Equal(t, "Hello, World!\n", result.Stdout)
		assert.Empty(t, result.Stderr)
		assert.Equal(t, ReasonExited, result.TerminationReason)
		assert.Equal(t, "req-1", result.RequestID)

		event := engine.sink.lastEvent(t)
		assert.Equal(t, "host-a", event.HostID)
		assert.Equal(t, "req-1", event.RequestID)
		assert.Equal(t, ReasonExited, event.Reason)
		assert.NotEmpty(t, event.ExecutionID)
	})

	t.Run("EmptyCode", func(t *testing.T) {
		result, err := engine.dispatcher.Execute(ctx, ExecutionRequest{HostID: "host-a"})
		require.NoError(t, err)
		assert.Equal(t, 0, result.ExitCode)
		assert.Empty(t, result.Stdout)
		assert.Equal(t, ReasonExited, result.TerminationReason)
	})

	t.Run("NonZeroExitIsUserError", func(t *testing.T) {
		result, err := engine.dispatcher.Execute(ctx, ExecutionRequest{Code: "echo denied >&2; exit 1", HostID: "host-a"})
		require.NoError(t, err)
		assert.Equal(t, 1, result.ExitCode)
		assert.Equal(t, "denied\n", result.Stderr)
		assert.Equal(t, ReasonExited, result.TerminationReason)
	})

	t.Run("PrintedMemoryErrorIsUserError", func(t *testing.T) {
		result, err := engine.dispatcher.Execute(ctx, ExecutionRequest{Code: "echo MemoryError >&2; exit 1", HostID: "host-a"})
		require.NoError(t, err)
		assert.Equal(t, 1, result.ExitCode)
		assert.Equal(t, ReasonExited, result.TerminationReason)
	})

	t.Run("OutputTruncated", func(t *testing.T) {
		limit := int64(100)
		result, err := engine.dispatcher.Execute(ctx, ExecutionRequest{
			Code:      "head -c 1000000 /dev/zero",
			HostID:    "host-a",
			Overrides: LimitOverrides{MaxOutputBytes: &limit},
		})
		require.NoError(t, err)
		assert.Len(t, result.Stdout, 100)
		assert.True(t, result.TruncatedStdout)
		assert.Equal(t, ReasonExited, result.TerminationReason)
	})

	t.Run("TimedOut", func(t *testing.T) {
		start := time.Now()
		result, err := engine.dispatcher.Execute(ctx, ExecutionRequest{Code: "sleep 30", HostID: "host-a"})
		require.NoError(t, err)

		assert.Equal(t, ReasonTimedOut, result.TerminationReason)
		assert.Equal(t, -1, result.ExitCode)
		assert.NotEmpty(t, result.Signal)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("StateDirReleased", func(t *testing.T) {
		engine.fs.mu.Lock()
		defer engine.fs.mu.Unlock()
		assert.Empty(t, engine.fs.created["/run/codejail/"+engine.sink.events[0].ExecutionID])
		assert.NotEmpty(t, engine.fs.removed)
	})

	assert.Equal(t, 0, engine.dispatcher.Stats().InFlight)
}

func TestDispatcherRejectsBadRequests(t *testing.T) {
	engine := newTestEngine(t, 4, 2, &shellLauncher{})
	ctx := context.Background()

	_, err := engine.dispatcher.Execute(ctx, ExecutionRequest{Code: "true"})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = engine.dispatcher.Execute(ctx, ExecutionRequest{Code: strings.Repeat("x", 2048), HostID: "host-a"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	zero := 0
	_, err = engine.dispatcher.Execute(ctx, ExecutionRequest{Code: "true", HostID: "host-a", Overrides: LimitOverrides{CPUTimeSeconds: &zero}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Empty(t, engine.sink.events)
}

func TestDispatcherPerHostCeiling(t *testing.T) {
	engine := newTestEngine(t, 4, 1, &shellLauncher{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan ExecutionResult, 1)
	go func() {
		result, _ := engine.dispatcher.Execute(ctx, ExecutionRequest{Code: "sleep 30", HostID: "host-a", Overrides: longWallClock()})
		done <- result
	}()
	waitInFlight(t, engine.dispatcher, "host-a", 1)

	_, err := engine.dispatcher.Execute(context.Background(), ExecutionRequest{Code: "echo again", HostID: "host-a"})
	assert.ErrorIs(t, err, ErrAdmissionRejected)

	result, err := engine.dispatcher.Execute(context.Background(), ExecutionRequest{Code: "echo ok", HostID: "host-b"})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", result.Stdout)

	cancel()
	select {
	case result := <-done:
		assert.Equal(t, ReasonKilled, result.TerminationReason)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled execution did not return")
	}
	assert.Equal(t, 0, engine.dispatcher.Stats().InFlight)
}

func TestDispatcherLaunchFailure(t *testing.T) {
	engine := newTestEngine(t, 4, 2, &shellLauncher{err: errors.New("mount tmpfs: operation not permitted")})

	result, err := engine.dispatcher.Execute(context.Background(), ExecutionRequest{Code: "true", HostID: "host-a", RequestID: "req-9"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLaunchFailed)
	assert.Equal(t, ReasonLaunchFailed, result.TerminationReason)
	assert.Equal(t, "req-9", result.RequestID)

	engine.sink.mu.Lock()
	defer engine.sink.mu.Unlock()
	require.Len(t, engine.sink.alerts, 1)
	assert.Equal(t, AlertLaunchFailed, engine.sink.alerts[0].Kind)
	assert.Len(t, engine.sink.events, 1)
	assert.Equal(t, 0, engine.dispatcher.Stats().InFlight)
}

func TestDispatcherShutdown(t *testing.T) {
	engine := newTestEngine(t, 4, 2, &shellLauncher{})

	done := make(chan ExecutionResult, 1)
	go func() {
		result, _ := engine.dispatcher.Execute(context.Background(), ExecutionRequest{Code: "sleep 30", HostID: "host-a", Overrides: longWallClock()})
		done <- result
	}()
	waitInFlight(t, engine.dispatcher, "host-a", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, engine.dispatcher.Shutdown(ctx))

	result := <-done
	assert.Equal(t, ReasonKilled, result.TerminationReason)

	_, err := engine.dispatcher.Execute(context.Background(), ExecutionRequest{Code: "true", HostID: "host-a"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestSelfTest(t *testing.T) {
	t.Run("Passes", func(t *testing.T) {
		executor := executorFunc(func(_ context.Context, req ExecutionRequest) (ExecutionResult, error) {
			assert.Equal(t, SelfTestCode, req.Code)
			assert.Equal(t, "selftest", req.HostID)
			return ExecutionResult{Stdout: "Hello, World!\n", TerminationReason: ReasonExited}, nil
		})

		report, err := SelfTest(context.Background(), executor, "selftest", "req-1")
		require.NoError(t, err)
		assert.True(t, report.Passed)
	})

	t.Run("WrongOutput", func(t *testing.T) {
		executor := executorFunc(func(context.Context, ExecutionRequest) (ExecutionResult, error) {
			return ExecutionResult{Stdout: "nope", TerminationReason: ReasonExited}, nil
		})

		report, err := SelfTest(context.Background(), executor, "selftest", "")
		require.NoError(t, err)
		assert.False(t, report.Passed)
		assert.Contains(t, report.Reason, "unexpected output")
	})

	t.Run("ExecutionError", func(t *testing.T) {
		executor := executorFunc(func(context.Context, ExecutionRequest) (ExecutionResult, error) {
			return ExecutionResult{}, ErrShuttingDown
		})

		_, err := SelfTest(context.Background(), executor, "selftest", "")
		assert.ErrorIs(t, err, ErrShuttingDown)
	})
}

type executorFunc func(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)

func (f executorFunc) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	return f(ctx, req)
}
