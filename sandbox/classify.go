package sandbox

import (
	"fmt"
	"regexp"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// bash reports a child killed by signal N as exit status 128+N
const (
	signalExitBase = 128
	maxSignal      = 64
)

// outOfMemoryMarkers are lower-cased fragments printed by runtimes that ran out of memory
var outOfMemoryMarkers = []string{
	"memoryerror",
	"std::bad_alloc",
	"outofmemoryerror",
	"heap out of memory",
	"cannot allocate memory",
	"out of memory",
}

// pidBanner matches bash job reports such as "1234 Segmentation fault"
var pidBanner = regexp.MustCompile(`^\d+\s+(Segmentation fault|Bus error|Aborted|Killed|CPU time limit exceeded|File size limit exceeded)\b`)

// ClassifyOptions carries the request details needed to clean up output
type ClassifyOptions struct {
	ScriptPath string
	WorkDir    string
	Timeout    time.Duration
}

// Classify maps the facts of a finished run to at most one error.
// A nil result means the program succeeded. Structural signals decide
// first; output text only refines a run that already failed.
func Classify(c *Completion, opts ClassifyOptions) *ExecutionError {
	sig := effectiveSignal(c)
	if !c.TimedOut && sig == 0 && c.ExitCode == 0 {
		return nil
	}

	lower := strings.ToLower(c.Output)

	switch {
	case c.TimedOut:
		return newError(KindTimeout, nil,
			"Execution timeout: your code took too long to execute (max %s)", opts.Timeout)
	case sig == unix.SIGKILL:
		// the kernel kills at the hard CPU limit before our wall clock expires
		return newError(KindTimeout, nil,
			"Execution timeout: your code was killed after using up its CPU time")
	case sig == unix.SIGXCPU || strings.Contains(lower, "cpu time limit exceeded"):
		return newError(KindCPULimit, nil, "CPU time limit exceeded")
	case sig == unix.SIGSEGV || sig == unix.SIGBUS || strings.Contains(lower, "segmentation fault"):
		return newError(KindMemoryViolation, nil, "Segmentation fault: your code caused a memory access violation")
	case containsAny(lower, outOfMemoryMarkers):
		return newError(KindOutOfMemory, nil, "Out of memory: your code used too much memory")
	}

	if text := cleanOutput(c.Output, opts); text != "" {
		return newError(KindRuntime, nil, "%s", text)
	}
	return newError(KindRuntime, nil, "%s", describeFailure(c.ExitCode, sig))
}

func effectiveSignal(c *Completion) syscall.Signal {
	if c.Signal != 0 {
		return c.Signal
	}
	if c.ExitCode > signalExitBase && c.ExitCode <= signalExitBase+maxSignal {
		return syscall.Signal(c.ExitCode - signalExitBase)
	}
	return 0
}

func describeFailure(exitCode int, sig syscall.Signal) string {
	switch {
	case sig == unix.SIGXFSZ:
		return "File size limit exceeded: your code wrote too much data"
	case sig != 0:
		return fmt.Sprintf("Program terminated by signal %s", unix.SignalName(sig))
	default:
		return fmt.Sprintf("Program exited with status %d and produced no output", exitCode)
	}
}

// cleanOutput strips references to the generated script and core dump
// banners so only diagnostics about the user's code remain.
func cleanOutput(output string, opts ClassifyOptions) string {
	var kept []string
	for _, line := range strings.Split(output, "\n") {
		if opts.ScriptPath != "" && strings.HasPrefix(line, opts.ScriptPath+": line ") {
			rest := strings.TrimPrefix(line, opts.ScriptPath+": line ")
			if i := strings.Index(rest, ": "); i >= 0 {
				line = rest[i+2:]
			}
		}
		if strings.Contains(line, "(core dumped)") || pidBanner.MatchString(strings.TrimSpace(line)) {
			continue
		}
		if opts.WorkDir != "" {
			line = strings.ReplaceAll(line, opts.WorkDir+"/", "")
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
