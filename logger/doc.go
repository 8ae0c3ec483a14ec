// Package logger builds the engine's zap logger.
//
// Every entry carries a "service" field; loggers built from configuration
// also carry the serving "transport". Execution audit lines go through the
// same logger, so production output is never sampled.
//
// Usage:
//
//	log, err := logger.NewFromConfig(cfg)
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("execution finished", zap.String("host_id", hostID))
//
// Mode "production" emits JSON with ISO8601 timestamps; "development" emits
// colored console output. logging.output_path adds a file sink.
package logger