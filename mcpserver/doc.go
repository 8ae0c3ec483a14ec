// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes tools
// for code execution. It uses the mark3labs/mcp-go library to handle the
// protocol details and provides the execute_sandboxed_code tool as the primary
// interface for sandboxed code execution.
//
// Over stdio every call runs as the configured server.mcp_host_id. Over HTTP
// the handler is mounted by the API server behind API-key authentication and
// each call runs as the authenticated host.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, dispatcher)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or mount server.HTTPHandler()
package mcpserver
