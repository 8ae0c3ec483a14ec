package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/isdmx/codejail/auth"
	"github.com/isdmx/codejail/config"
	"github.com/isdmx/codejail/sandbox"
)

// StatsFunc reports admission counters for the health endpoint.
type StatsFunc func() sandbox.AdmissionStats

// Server is the HTTP front end of the engine.
type Server struct {
	cfg        *config.Config
	logger     *zap.Logger
	executor   sandbox.SandboxExecutor
	resolver   *auth.Resolver
	limiters   *hostLimiters
	stats      StatsFunc
	caps       *sandbox.Capabilities
	metrics    http.Handler
	mcp        http.Handler
	router     *gin.Engine
	httpServer *http.Server
}

// Option defines a functional option for Server
type Option func(*Server)

// WithStats exposes admission counters on /health.
func WithStats(stats StatsFunc) Option {
	return func(s *Server) {
		s.stats = stats
	}
}

// WithCapabilities exposes the host capability report on /health.
func WithCapabilities(caps *sandbox.Capabilities) Option {
	return func(s *Server) {
		s.caps = caps
	}
}

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithMCPHandler mounts the streamable MCP transport behind API-key auth.
func WithMCPHandler(h http.Handler) Option {
	return func(s *Server) {
		s.mcp = h
	}
}

// New creates the HTTP server. Nothing listens until Start.
func New(cfg *config.Config, logger *zap.Logger, executor sandbox.SandboxExecutor, resolver *auth.Resolver, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		executor: executor,
		resolver: resolver,
		limiters: newHostLimiters(cfg.API.RatePerSecond, cfg.API.RateBurst),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.logger))

	router.GET("/health", s.handleHealth)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := router.Group("/api")
	api.Use(authMiddleware(s.resolver))
	api.Use(rateLimitMiddleware(s.limiters))
	api.POST("/execute", s.handleExecute)
	api.GET("/selftest", s.handleSelfTest)

	if s.mcp != nil {
		mcp := router.Group("/mcp")
		mcp.Use(authMiddleware(s.resolver))
		mcp.Use(rateLimitMiddleware(s.limiters))
		mcp.Any("", gin.WrapH(s.mcp))
	}

	return router
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background. Bind errors are
// returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}

	s.logger.Info("starting HTTP server", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return nil
}
