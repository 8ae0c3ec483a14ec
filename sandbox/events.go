package sandbox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Recorder receives engine measurements. The metrics package provides the
// Prometheus implementation.
type Recorder interface {
	AdmissionRejected(scope string)
	ExecutionStarted()
	ExecutionFinished(reason string, duration time.Duration)
	AlertRaised(kind string)
}

type nopRecorder struct{}

func (nopRecorder) AdmissionRejected(string)                {}
func (nopRecorder) ExecutionStarted()                       {}
func (nopRecorder) ExecutionFinished(string, time.Duration) {}
func (nopRecorder) AlertRaised(string)                      {}

// Alert kinds.
const (
	AlertReapFailed    = "reap_failed"
	AlertSignalFailed  = "signal_failed"
	AlertCleanupFailed = "cleanup_failed"
	AlertLaunchFailed  = "launch_failed"
)

// Alert is a teardown or infrastructure fault an operator should look at.
// Raising one never changes the result returned to the host.
type Alert struct {
	Kind        string
	ExecutionID string
	HostID      string
	RequestID   string
	Err         error
}

// AlertSink receives operator alerts.
type AlertSink interface {
	Alert(ctx context.Context, alert Alert)
}

// ExecutionEvent is the audit record of one finished execution.
type ExecutionEvent struct {
	HostID          string
	RequestID       string
	ExecutionID     string
	Reason          TerminationReason
	ExitCode        int
	Signal          string
	Usage           Usage
	Duration        time.Duration
	TruncatedStdout bool
	TruncatedStderr bool
}

// EventSink receives audit events.
type EventSink interface {
	ExecutionFinished(ctx context.Context, event ExecutionEvent)
}

// LogSink is the default AlertSink and EventSink. It writes to the
// structured log and counts alerts on the recorder.
type LogSink struct {
	logger   *zap.Logger
	recorder Recorder
}

// NewLogSink creates a LogSink. A nil recorder counts nothing.
func NewLogSink(logger *zap.Logger, recorder Recorder) *LogSink {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &LogSink{logger: logger, recorder: recorder}
}

func (s *LogSink) Alert(_ context.Context, alert Alert) {
	s.recorder.AlertRaised(alert.Kind)
	s.logger.Error("Sandbox teardown fault",
		zap.Bool("operator_alert", true),
		zap.String("kind", alert.Kind),
		zap.String("execution_id", alert.ExecutionID),
		zap.String("host_id", alert.HostID),
		zap.String("request_id", alert.RequestID),
		zap.Error(alert.Err))
}

func (s *LogSink) ExecutionFinished(_ context.Context, event ExecutionEvent) {
	s.logger.Info("Execution finished",
		zap.String("host_id", event.HostID),
		zap.String("request_id", event.RequestID),
		zap.String("execution_id", event.ExecutionID),
		zap.String("termination_reason", string(event.Reason)),
		zap.Int("exit_code", event.ExitCode),
		zap.String("signal", event.Signal),
		zap.Int64("cpu_time_ms", event.Usage.CPUTimeMillis),
		zap.Int64("max_rss_bytes", event.Usage.MaxRSSBytes),
		zap.Duration("duration", event.Duration),
		zap.Bool("truncated_stdout", event.TruncatedStdout),
		zap.Bool("truncated_stderr", event.TruncatedStderr))
}
