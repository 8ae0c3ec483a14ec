package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/codejail/config"
)

// ServiceName is attached to every entry as the "service" field.
const ServiceName = "codejail"

// NewFromConfig creates a logger from the logging section of cfg.
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	log, err := New(cfg.Logging.Mode, cfg.Logging.Level, cfg.Logging.OutputPath)
	if err != nil {
		return nil, err
	}
	if cfg.Server.Transport != "" {
		log = log.With(zap.String("transport", cfg.Server.Transport))
	}
	return log, nil
}

// New creates a logger for mode ("production" or "development") at level.
// Extra output paths (files) are appended to the default stderr sink.
func New(mode, level string, outputPaths ...string) (*zap.Logger, error) {
	var cfg zap.Config

	switch mode {
	case "development":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.Sampling = nil
	default:
		return nil, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}

	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.InitialFields = map[string]any{"service": ServiceName}

	for _, path := range outputPaths {
		if path != "" {
			cfg.OutputPaths = append(cfg.OutputPaths, path)
		}
	}

	return cfg.Build()
}
