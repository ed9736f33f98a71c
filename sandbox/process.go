package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/isdmx/sandboxd/logger"
)

// defaultWaitDelay bounds how long Wait blocks on pipes still held by
// descendants after the process group was killed
const defaultWaitDelay = 2 * time.Second

// Completion holds the raw facts of a finished run
type Completion struct {
	ExitCode  int
	Signal    syscall.Signal
	TimedOut  bool
	Output    string
	Truncated bool
	Duration  time.Duration
	CPUTime   time.Duration
	MaxRSSKB  int64
}

// ProcessRunner runs a rendered script as an identity under a wall-clock timeout
type ProcessRunner interface {
	Run(ctx context.Context, id *Identity, script *ExecutionScript, stdin string, timeout time.Duration) (*Completion, error)
}

// ProcessController is the ProcessRunner that spawns bash as the identity
type ProcessController struct {
	logger      *zap.Logger
	shell       string
	outputLimit int
	waitDelay   time.Duration
	fs          FileSystem
}

// ProcessControllerOption defines a functional option for ProcessController
type ProcessControllerOption func(*ProcessController)

// WithProcessFileSystem sets the FileSystem used to persist scripts
func WithProcessFileSystem(fs FileSystem) ProcessControllerOption {
	return func(c *ProcessController) {
		c.fs = fs
	}
}

// WithWaitDelay overrides how long Wait may block on pipes after a kill
func WithWaitDelay(d time.Duration) ProcessControllerOption {
	return func(c *ProcessController) {
		c.waitDelay = d
	}
}

// NewProcessController creates a controller capturing at most outputLimit bytes
func NewProcessController(logger *zap.Logger, shell string, outputLimit int, opts ...ProcessControllerOption) *ProcessController {
	controller := &ProcessController{
		logger:      logger,
		shell:       shell,
		outputLimit: outputLimit,
		waitDelay:   defaultWaitDelay,
		fs:          &RealFileSystem{},
	}

	for _, opt := range opts {
		opt(controller)
	}

	return controller
}

// Run persists the source and script owned by id and executes the script.
// Only a failure to get the program started is returned as an error; how
// the program ended is reported in the Completion.
func (c *ProcessController) Run(ctx context.Context, id *Identity, script *ExecutionScript, stdin string, timeout time.Duration) (*Completion, error) {
	if err := c.persist(id, script); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.shell, script.ScriptPath) //nolint:gosec // The script is generated, user code is only referenced by path
	cmd.Dir = id.WorkDir
	cmd.Env = script.Env
	cmd.Stdin = strings.NewReader(stdin)

	out := newBoundedBuffer(c.outputLimit)
	cmd.Stdout = out
	cmd.Stderr = out

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if id.Isolated {
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid:    uint32(id.UID), //nolint:gosec // uid comes from the account database
			Gid:    uint32(id.GID), //nolint:gosec // gid comes from the account database
			Groups: []uint32{},
		}
	}
	var timedOut atomic.Bool
	cmd.Cancel = func() error {
		timedOut.Store(errors.Is(runCtx.Err(), context.DeadlineExceeded))
		return killProcessGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = c.waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.shell, err)
	}
	pid := cmd.Process.Pid

	waitErr := cmd.Wait()
	duration := time.Since(start)

	// background children may outlive a normal exit
	if err := killProcessGroup(pid); err != nil {
		c.logger.Warn("failed to kill process group", zap.Int("pgid", pid), zap.Error(err))
	}

	state := cmd.ProcessState
	if state == nil {
		return nil, fmt.Errorf("wait %s: %w", c.shell, waitErr)
	}
	if waitErr != nil && !isExitOrDelay(waitErr) {
		c.logger.Debug("wait returned error", logger.Identity(id.ID), zap.Error(waitErr))
	}

	completion := &Completion{
		ExitCode:  state.ExitCode(),
		TimedOut:  timedOut.Load(),
		Output:    out.String(),
		Truncated: out.Truncated(),
		Duration:  duration,
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		completion.Signal = ws.Signal()
	}
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru != nil {
		completion.CPUTime = time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
		completion.MaxRSSKB = ru.Maxrss
	}

	return completion, nil
}

func (c *ProcessController) persist(id *Identity, script *ExecutionScript) error {
	files := []struct {
		path string
		data []byte
		perm os.FileMode
	}{
		{script.SourcePath, script.Source, SourcePermission},
		{script.ScriptPath, []byte(script.Text), ScriptPermission},
	}

	for _, f := range files {
		if err := c.fs.WriteFile(f.path, f.data, f.perm); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.path, err)
		}
		if err := c.fs.Chown(f.path, id.UID, id.GID); err != nil {
			return fmt.Errorf("failed to chown %s: %w", f.path, err)
		}
	}
	return nil
}

func isExitOrDelay(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) || errors.Is(err, exec.ErrWaitDelay)
}

// killProcessGroup sends SIGKILL to every member of the group led by pgid
func killProcessGroup(pgid int) error {
	if pgid <= 0 {
		return nil
	}
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
