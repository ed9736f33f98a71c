// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes the
// execute_code tool. It uses the mark3labs/mcp-go library to handle the
// protocol details and hands every call to a sandbox.Executor. The number of
// executions running at once is bounded by server.max_concurrent.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration. In HTTP mode Prometheus metrics are served next
// to the MCP endpoint.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, executor, languages, registry)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio(ctx) // or server.ServeHTTP()
package mcpserver
