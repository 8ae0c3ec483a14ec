package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/codejail/auth"
	"github.com/isdmx/codejail/config"
	"github.com/isdmx/codejail/sandbox"
)

// EndpointPath is where the streamable HTTP transport is mounted.
const EndpointPath = "/mcp"

// MCPServer represents the MCP server
type MCPServer struct {
	config      *config.Config
	logger      *zap.Logger
	sandboxExec sandbox.SandboxExecutor
	mcpServer   *server.MCPServer
	// stdioHost is the host every stdio call runs as. HTTP calls carry
	// their own authenticated host.
	stdioHost string
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, sandboxExec sandbox.SandboxExecutor) (*MCPServer, error) {
	s := &MCPServer{
		config:      cfg,
		logger:      logger,
		sandboxExec: sandboxExec,
	}
	if cfg.Server.Transport == "stdio" {
		s.stdioHost = cfg.Server.MCPHostID
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Int("sandbox.defaults.cpu_time_seconds", cfg.Sandbox.Defaults.CPUTimeSeconds),
		zap.Int64("sandbox.defaults.memory_bytes", cfg.Sandbox.Defaults.MemoryBytes),
		zap.Int64("sandbox.defaults.max_output_bytes", cfg.Sandbox.Defaults.MaxOutputBytes),
		zap.Int("sandbox.defaults.wall_clock_seconds", cfg.Sandbox.Defaults.WallClockSeconds),
		zap.Int("sandbox.concurrency.max_global", cfg.Sandbox.Concurrency.MaxGlobal),
		zap.Int("sandbox.concurrency.max_per_host", cfg.Sandbox.Concurrency.MaxPerHost),
		zap.String("jail.interpreter", cfg.Jail.Interpreter),
		zap.String("jail.helper_path", cfg.Jail.HelperPath),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("codejail-executor", "A sandboxed Python execution server")

	// Register the execute_sandboxed_code tool
	s.registerExecuteSandboxedCodeTool()

	return s, nil
}

// limitArguments maps tool arguments to the override they set.
var limitArguments = []string{
	"cpu_time_seconds",
	"memory_bytes",
	"max_output_bytes",
	"max_processes",
	"max_open_files",
	"wall_clock_seconds",
}

// registerExecuteSandboxedCodeTool registers the execute_sandboxed_code tool
func (s *MCPServer) registerExecuteSandboxedCodeTool() {
	properties := map[string]any{
		"code": map[string]any{
			"type":        "string",
			"description": "Python source code, run verbatim",
		},
	}
	for _, name := range limitArguments {
		properties[name] = map[string]any{
			"type":        "integer",
			"minimum":     1,
			"description": "Optional limit override, clamped to the server maximum",
		}
	}

	tool := mcp.Tool{
		Name:        "execute_sandboxed_code",
		Description: "Execute untrusted Python code in an isolated, resource-limited sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: properties,
			Required:   []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteSandboxedCode)
}

// handleExecuteSandboxedCode handles the execute_sandboxed_code tool
func (s *MCPServer) handleExecuteSandboxedCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	overrides, err := parseOverrides(request.GetArguments())
	if err != nil {
		return errorResult(err), nil
	}

	hostID := s.stdioHost
	if id, ok := auth.HostFromContext(ctx); ok {
		hostID = id.ID
	}
	requestID := uuid.NewString()

	s.logger.Info("code execution requested",
		zap.String("host_id", hostID),
		zap.String("request_id", requestID),
		zap.Int("code_len", len(code)))

	result, err := s.sandboxExec.Execute(ctx, sandbox.ExecutionRequest{
		Code:      code,
		HostID:    hostID,
		RequestID: requestID,
		Overrides: overrides,
	})
	if err != nil {
		s.logger.Error("sandbox execution failed",
			zap.Error(err),
			zap.String("host_id", hostID),
			zap.String("request_id", requestID))
		return errorResult(err), nil
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(resultJSON),
			},
		},
	}, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: fmt.Sprintf("Execution failed: %v", err),
			},
		},
		IsError: true,
	}
}

// parseOverrides reads the optional limit arguments. JSON numbers arrive as
// float64 and must be whole.
func parseOverrides(args map[string]any) (sandbox.LimitOverrides, error) {
	var o sandbox.LimitOverrides
	for _, name := range limitArguments {
		raw, ok := args[name]
		if !ok || raw == nil {
			continue
		}
		f, ok := raw.(float64)
		if !ok || f != math.Trunc(f) || math.Abs(f) >= 1<<53 {
			return o, fmt.Errorf("%w: %s must be an integer", sandbox.ErrInvalidRequest, name)
		}
		n := int64(f)
		switch name {
		case "cpu_time_seconds":
			o.CPUTimeSeconds = intPtr(n)
		case "memory_bytes":
			o.MemoryBytes = &n
		case "max_output_bytes":
			o.MaxOutputBytes = &n
		case "max_processes":
			o.MaxProcesses = intPtr(n)
		case "max_open_files":
			o.MaxOpenFiles = intPtr(n)
		case "wall_clock_seconds":
			o.WallClockSeconds = intPtr(n)
		}
	}
	return o, nil
}

func intPtr(n int64) *int {
	v := int(n)
	return &v
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio", zap.String("host_id", s.stdioHost))
	return server.ServeStdio(s.mcpServer)
}

// HTTPHandler returns the streamable HTTP transport. It expects to be
// mounted behind authentication that stores the host with auth.WithHost.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath(EndpointPath),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if id, ok := auth.HostFromContext(r.Context()); ok {
				return auth.WithHost(ctx, id)
			}
			return ctx
		}),
	)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
