// Package httpapi serves the engine over HTTP.
//
// Routes:
//
//	GET  /health         liveness, admission counters and host capabilities
//	GET  /metrics        Prometheus exposition
//	POST /api/execute    run code as the authenticated host
//	GET  /api/selftest   run a known program through the full pipeline
//	ANY  /mcp            streamable MCP transport, when enabled
//
// Everything under /api and /mcp requires an X-API-Key header, which is
// resolved to a host identity and rate limited per host.
package httpapi
