package sandbox

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/codejail/config"
)

// NewExecutor builds the engine described by the configuration.
func NewExecutor(logger *zap.Logger, cfg *config.Config, recorder Recorder) (*Dispatcher, error) {
	builder, err := NewJailBuilder(logger, cfg.Jail)
	if err != nil {
		return nil, fmt.Errorf("failed to create jail builder: %w", err)
	}

	sandboxCfg := cfg.Sandbox
	return NewDispatcher(
		logger,
		NewLimitPolicy(sandboxCfg),
		NewController(sandboxCfg.Concurrency.MaxGlobal, sandboxCfg.Concurrency.MaxPerHost),
		builder,
		NewLauncher(logger, cfg.Jail.HelperPath),
		WithRecorder(recorder),
		WithTimings(
			time.Duration(sandboxCfg.KillGraceMs)*time.Millisecond,
			time.Duration(sandboxCfg.DrainTimeoutMs)*time.Millisecond,
		),
		WithMemoryErrorMarkers(sandboxCfg.MemoryErrorMarkers),
		WithMaxCodeBytes(cfg.API.MaxCodeBytes),
	), nil
}
