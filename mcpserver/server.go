package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/sandbox"
)

// ToolName is the name of the code execution tool
const ToolName = "execute_code"

// HTTP routes served in http transport mode
const (
	MCPPath     = "/mcp"
	MetricsPath = "/metrics"
)

const readHeaderTimeout = 10 * time.Second

// ExecutionStats is the resource usage part of a successful result
type ExecutionStats struct {
	TimeMS   int64 `json:"time_ms"`
	MemoryKB int64 `json:"memory_kb"`
}

// ExecutionPayload is the JSON document returned by the tool
type ExecutionPayload struct {
	Output     *string         `json:"output"`
	Truncated  bool            `json:"truncated,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	Stats      *ExecutionStats `json:"stats"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	Error      *string         `json:"error"`
}

// MCPServer represents the MCP server
type MCPServer struct {
	config      *config.Config
	logger      *zap.Logger
	sandboxExec sandbox.Executor
	languages   []string
	gatherer    prometheus.Gatherer
	admission   *semaphore.Weighted
	mcpServer   *server.MCPServer

	mu         sync.Mutex
	httpServer *http.Server
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, sandboxExec sandbox.Executor, languages *sandbox.Languages, gatherer prometheus.Gatherer) (*MCPServer, error) {
	s := &MCPServer{
		config:      cfg,
		logger:      logger,
		sandboxExec: sandboxExec,
		languages:   languages.Names(),
		gatherer:    gatherer,
	}
	if cfg.Server.MaxConcurrent > 0 {
		s.admission = semaphore.NewWeighted(int64(cfg.Server.MaxConcurrent))
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Int("server.max_concurrent", cfg.Server.MaxConcurrent),
		zap.String("sandbox.identity_provider", cfg.Sandbox.IdentityProvider),
		zap.String("sandbox.home_base", cfg.Sandbox.HomeBase),
		zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
		zap.Int("sandbox.output_limit_kb", cfg.Sandbox.OutputLimitKB),
		zap.Strings("languages", s.languages),
	)

	s.mcpServer = server.NewMCPServer("sandboxd", "1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s.registerExecuteCodeTool()

	return s, nil
}

func (s *MCPServer) registerExecuteCodeTool() {
	tool := mcp.NewTool(ToolName,
		mcp.WithDescription("Compile and run untrusted source code under a throwaway OS account with CPU, memory, "+
			"file size and process limits, and return its combined stdout and stderr"),
		mcp.WithString("language",
			mcp.Required(),
			mcp.Description("Programming language of the code"),
			mcp.Enum(s.languages...),
		),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Complete source code. Java code must declare a public class Main"),
		),
		mcp.WithString("stdin",
			mcp.Description("Data fed to the program's standard input"),
		),
	)

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

// handleExecuteCode handles the execute_code tool.
// Execution failures are tool results with IsError set, never protocol errors.
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	language := request.GetString("language", "")
	code := request.GetString("code", "")
	stdin := request.GetString("stdin", "")

	if s.admission != nil {
		if err := s.admission.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("waiting for an execution slot: %w", err)
		}
		defer s.admission.Release(1)
	}

	s.logger.Info("executing code in sandbox",
		logger.Language(language),
		zap.Int("code_len", len(code)),
		zap.Int("stdin_len", len(stdin)))

	result, err := s.sandboxExec.Execute(ctx, sandbox.ExecuteRequest{
		Language: language,
		Code:     code,
		Stdin:    stdin,
	})
	if err != nil {
		s.logger.Info("code execution failed",
			logger.Language(language),
			logger.ErrorKind(string(sandbox.KindOf(err))),
			zap.Error(err))
		return s.toolResult(failurePayload(err), true)
	}

	s.logger.Info("code execution completed",
		logger.Language(language),
		zap.Int("output_len", len(result.Output)),
		zap.Bool("truncated", result.Truncated),
		zap.Duration("duration", result.Duration))

	return s.toolResult(successPayload(result), false)
}

func successPayload(result *sandbox.ExecuteResult) ExecutionPayload {
	output := result.Output
	finishedAt := result.FinishedAt.UTC()
	payload := ExecutionPayload{
		Output:     &output,
		Truncated:  result.Truncated,
		FinishedAt: &finishedAt,
		DurationMS: result.Duration.Milliseconds(),
	}
	if result.Stats != nil {
		payload.Stats = &ExecutionStats{
			TimeMS:   result.Stats.Time.Milliseconds(),
			MemoryKB: result.Stats.MemoryKB,
		}
	}
	return payload
}

func failurePayload(err error) ExecutionPayload {
	message := err.Error()
	kind := sandbox.KindOf(err)

	var execErr *sandbox.ExecutionError
	if errors.As(err, &execErr) {
		message = execErr.Message
	}
	if kind == "" {
		kind = sandbox.KindRuntime
	}

	return ExecutionPayload{
		ErrorKind: string(kind),
		Error:     &message,
	}
}

func (s *MCPServer) toolResult(payload ExecutionPayload, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	result := mcp.NewToolResultText(string(data))
	result.IsError = isError
	return result, nil
}

// ServeStdio serves MCP on stdin and stdout until ctx is cancelled or stdin closes
func (s *MCPServer) ServeStdio(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// Handler returns the HTTP routes: the streamable MCP endpoint and metrics
func (s *MCPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(MCPPath, server.NewStreamableHTTPServer(s.mcpServer))
	if s.gatherer != nil {
		mux.Handle(MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ServeHTTP starts the server on HTTP and blocks until it is shut down
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port), zap.String("path", MCPPath))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server, letting running executions finish
func (s *MCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()

	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
