// Package main is the entry point for the sandboxd MCP server.
//
// The sandboxd server implements a Model Context Protocol (MCP) server that
// executes untrusted user code (Java, C, C++, JavaScript, Python). Every
// execution runs under a throwaway OS account with resource ceilings and a
// wall-clock timeout, and the account is removed before the result is
// returned. The server supports both stdio and HTTP transports.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
