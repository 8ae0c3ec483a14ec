package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Builder produces sealed jails.
type Builder interface {
	Build(profile ResourceLimitProfile, token *AdmissionToken) (*SealedJail, error)
}

// Dispatcher is the engine entry point. It validates each request, admits
// it, drives it through build, launch, supervision and collection, and
// reports the result.
type Dispatcher struct {
	logger     *zap.Logger
	policy     LimitPolicy
	controller *Controller
	builder    Builder
	launcher   ProcessLauncher
	events     EventSink
	alerts     AlertSink
	recorder   Recorder

	killGrace    time.Duration
	drainTimeout time.Duration
	markers      []string
	maxCodeBytes int64

	root   context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// DispatcherOption defines a functional option for Dispatcher
type DispatcherOption func(*Dispatcher)

// WithEventSink sets the audit sink
func WithEventSink(sink EventSink) DispatcherOption {
	return func(d *Dispatcher) {
		d.events = sink
	}
}

// WithAlertSink sets the operator alert sink
func WithAlertSink(sink AlertSink) DispatcherOption {
	return func(d *Dispatcher) {
		d.alerts = sink
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(recorder Recorder) DispatcherOption {
	return func(d *Dispatcher) {
		d.recorder = recorder
	}
}

// WithTimings sets the kill grace and the output drain timeout
func WithTimings(killGrace, drainTimeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.killGrace = killGrace
		d.drainTimeout = drainTimeout
	}
}

// WithMemoryErrorMarkers sets the stderr markers that indicate the memory
// limit was hit
func WithMemoryErrorMarkers(markers []string) DispatcherOption {
	return func(d *Dispatcher) {
		d.markers = markers
	}
}

// WithMaxCodeBytes caps the size of submitted code
func WithMaxCodeBytes(n int64) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxCodeBytes = n
	}
}

// NewDispatcher wires the engine components together.
func NewDispatcher(logger *zap.Logger, policy LimitPolicy, controller *Controller, builder Builder, launcher ProcessLauncher, opts ...DispatcherOption) *Dispatcher {
	root, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger:       logger,
		policy:       policy,
		controller:   controller,
		builder:      builder,
		launcher:     launcher,
		recorder:     nopRecorder{},
		killGrace:    500 * time.Millisecond,
		drainTimeout: time.Second,
		markers:      []string{"MemoryError"},
		root:         root,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.events == nil || d.alerts == nil {
		sink := NewLogSink(logger, d.recorder)
		if d.events == nil {
			d.events = sink
		}
		if d.alerts == nil {
			d.alerts = sink
		}
	}
	return d
}

// Execute runs one request. Results with reason TimedOut, ResourceLimitExceeded,
// Killed or Exited come back with a nil error. Rejections and invalid
// requests return an error and spawn nothing. Launch failures return both a
// LaunchFailed result and the *LaunchError.
func (d *Dispatcher) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	if req.HostID == "" {
		return ExecutionResult{}, ErrUnauthenticated
	}
	if d.maxCodeBytes > 0 && int64(len(req.Code)) > d.maxCodeBytes {
		return ExecutionResult{}, fmt.Errorf("%w: code is %d bytes, limit is %d", ErrInvalidRequest, len(req.Code), d.maxCodeBytes)
	}
	profile, err := d.policy.Resolve(req.Overrides)
	if err != nil {
		if !errors.Is(err, ErrInvalidRequest) {
			err = fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return ExecutionResult{}, err
	}

	if !d.track() {
		return ExecutionResult{}, ErrShuttingDown
	}
	defer d.wg.Done()

	token, err := d.controller.TryAdmit(req.HostID)
	if err != nil {
		var admissionErr *AdmissionError
		if errors.As(err, &admissionErr) {
			d.recorder.AdmissionRejected(admissionErr.Scope)
		}
		d.logger.Info("Admission rejected",
			zap.String("host_id", req.HostID),
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		return ExecutionResult{}, err
	}
	defer token.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.root, cancel)
	defer stop()

	d.recorder.ExecutionStarted()
	result, executionID, err := d.run(ctx, req, profile, token)
	result.RequestID = req.RequestID
	d.recorder.ExecutionFinished(string(result.TerminationReason), time.Duration(result.DurationMillis)*time.Millisecond)

	d.events.ExecutionFinished(ctx, ExecutionEvent{
		HostID:          req.HostID,
		RequestID:       req.RequestID,
		ExecutionID:     executionID,
		Reason:          result.TerminationReason,
		ExitCode:        result.ExitCode,
		Signal:          result.Signal,
		Usage:           result.Usage,
		Duration:        time.Duration(result.DurationMillis) * time.Millisecond,
		TruncatedStdout: result.TruncatedStdout,
		TruncatedStderr: result.TruncatedStderr,
	})
	return result, err
}

func (d *Dispatcher) run(ctx context.Context, req ExecutionRequest, profile ResourceLimitProfile, token *AdmissionToken) (ExecutionResult, string, error) {
	start := time.Now()
	alert := func(kind, executionID string, err error) {
		d.alerts.Alert(ctx, Alert{
			Kind:        kind,
			ExecutionID: executionID,
			HostID:      req.HostID,
			RequestID:   req.RequestID,
			Err:         err,
		})
	}
	failed := func(executionID string, err error) (ExecutionResult, string, error) {
		alert(AlertLaunchFailed, executionID, err)
		result := LaunchFailedResult(req.RequestID, err)
		result.DurationMillis = time.Since(start).Milliseconds()
		return result, executionID, err
	}

	sj, err := d.builder.Build(profile, token)
	if err != nil {
		return failed("", err)
	}
	defer func() {
		if err := sj.Release(); err != nil {
			alert(AlertCleanupFailed, sj.ID, err)
		}
	}()

	proc, err := d.launcher.Launch(ctx, sj, []byte(req.Code))
	if err != nil {
		if reason, ok := interruptedLaunch(ctx, err); ok {
			d.logger.Info("Execution ended while the jail was sealing",
				zap.String("execution_id", sj.ID),
				zap.String("reason", string(reason)),
				zap.Error(err))
			result := SetupInterruptedResult(reason)
			result.DurationMillis = time.Since(start).Milliseconds()
			return result, sj.ID, nil
		}
		return failed(sj.ID, err)
	}

	collector := Collect(proc, profile.MaxOutputBytes)
	termination := Supervise(ctx, proc, profile.WallClock(), d.killGrace)
	output := collector.Wait(d.drainTimeout)

	if termination.WaitErr != nil {
		alert(AlertReapFailed, sj.ID, termination.WaitErr)
	}
	if termination.SignalErr != nil {
		alert(AlertSignalFailed, sj.ID, termination.SignalErr)
	}

	return Assemble(termination, output, profile, d.markers), sj.ID, nil
}

// interruptedLaunch reports whether a launch failed because the request
// was cancelled or its wall clock ran out before the interpreter started.
func interruptedLaunch(ctx context.Context, err error) (TerminationReason, bool) {
	switch {
	case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonKilled, true
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ReasonTimedOut, true
	}
	return "", false
}

func (d *Dispatcher) track() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	d.wg.Add(1)
	return true
}

// Stats reports the admission controller's counters.
func (d *Dispatcher) Stats() AdmissionStats {
	return d.controller.Stats()
}

// Shutdown stops accepting requests, kills every live execution and waits
// until all of them have been reaped or ctx is done.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain executions: %w", ctx.Err())
	}
}
