// Package main is the entry point for the codejail server.
//
// The codejail server runs untrusted Python submitted by many hosts at once,
// each execution inside a single-use jail built from Linux namespaces, a
// read-only runtime view, resource limits, an unprivileged identity and a
// seccomp allow-list. It is reachable as an HTTP API (with optional MCP over
// HTTP) or as an MCP server on stdio.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
//
// The jail helper lives in cmd/jail-init and must be installed at
// jail.helper_path.
package main
