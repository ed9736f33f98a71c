// Package sandbox provides secure code execution capabilities.
//
// The sandbox package implements the execution engine for running untrusted
// code. Every request gets an ephemeral identity (a throwaway OS account with
// a private home directory), a generated bash script that applies resource
// ceilings before compiling and running the code, and a process group that is
// killed when the wall-clock timeout expires. The identity is torn down before
// Execute returns, on every path.
//
// Failures are reported as *ExecutionError values carrying a Kind, so callers
// can tell a timeout from a segfault from a compiler error.
//
// Usage:
//
//	executor, err := sandbox.NewExecutor(logger, cfg, metrics)
//	result, err := executor.Execute(ctx, sandbox.ExecuteRequest{
//	    Language: "python",
//	    Code:     "print('Hello, World!')",
//	})
package sandbox
