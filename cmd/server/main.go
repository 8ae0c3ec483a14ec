package main

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/codejail/auth"
	"github.com/isdmx/codejail/config"
	"github.com/isdmx/codejail/httpapi"
	"github.com/isdmx/codejail/logger"
	"github.com/isdmx/codejail/mcpserver"
	"github.com/isdmx/codejail/metrics"
	"github.com/isdmx/codejail/sandbox"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Prometheus series, also the engine's recorder
			metrics.New,
			func(m *metrics.Metrics) sandbox.Recorder { return m },

			// Engine
			sandbox.NewExecutor,
			func(d *sandbox.Dispatcher) sandbox.SandboxExecutor { return d },

			// API keys
			auth.NewResolver,

			// MCP Server
			mcpserver.New,

			// HTTP API
			newHTTPServer,
		),

		// Start the appropriate transport based on config
		fx.Invoke(registerLifecycle),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

func newHTTPServer(
	cfg *config.Config,
	log *zap.Logger,
	dispatcher *sandbox.Dispatcher,
	resolver *auth.Resolver,
	m *metrics.Metrics,
	mcp *mcpserver.MCPServer,
) *httpapi.Server {
	caps := sandbox.DetectCapabilities(cfg.Jail)
	if reason := caps.SkipReason(); reason != "" {
		log.Warn("host cannot run jails, executions will fail to launch", zap.String("reason", reason))
	}

	opts := []httpapi.Option{
		httpapi.WithStats(dispatcher.Stats),
		httpapi.WithCapabilities(caps),
		httpapi.WithMetricsHandler(m.Handler()),
	}
	if cfg.API.EnableMCPOverHTTP {
		opts = append(opts, httpapi.WithMCPHandler(mcp.HTTPHandler()))
	}
	return httpapi.New(cfg, log, dispatcher, resolver, opts...)
}

func registerLifecycle(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	log *zap.Logger,
	dispatcher *sandbox.Dispatcher,
	mcp *mcpserver.MCPServer,
	api *httpapi.Server,
) error {
	switch cfg.Server.Transport {
	case "stdio":
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := mcp.ServeStdio(); err != nil {
						log.Error("stdio transport stopped", zap.Error(err))
					}
					_ = shutdowner.Shutdown()
				}()
				return nil
			},
		})
	case "http":
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				return api.Start()
			},
			OnStop: api.Stop,
		})
	default:
		return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
	}

	// Hooks stop in reverse order: live executions are killed and reaped
	// before the listener closes.
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.GetShutdownTimeout())
			defer cancel()
			return dispatcher.Shutdown(ctx)
		},
	})
	return nil
}
