package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/logger"
)

// unknownLanguageLabel keeps rejected language names out of metric labels
const unknownLanguageLabel = "unknown"

// LocalExecutor runs each request on this host under a freshly provisioned
// identity and tears the identity down before returning.
type LocalExecutor struct {
	logger          *zap.Logger
	languages       *Languages
	renderer        Renderer
	provider        IdentityProvider
	runner          ProcessRunner
	metrics         *Metrics
	timeout         time.Duration
	teardownTimeout time.Duration
	now             func() time.Time
}

// LocalExecutorOption defines a functional option for LocalExecutor
type LocalExecutorOption func(*LocalExecutor)

// WithIdentityProvider sets the IdentityProvider for LocalExecutor
func WithIdentityProvider(provider IdentityProvider) LocalExecutorOption {
	return func(l *LocalExecutor) {
		l.provider = provider
	}
}

// WithProcessRunner sets the ProcessRunner for LocalExecutor
func WithProcessRunner(runner ProcessRunner) LocalExecutorOption {
	return func(l *LocalExecutor) {
		l.runner = runner
	}
}

// WithRenderer sets the Renderer for LocalExecutor
func WithRenderer(renderer Renderer) LocalExecutorOption {
	return func(l *LocalExecutor) {
		l.renderer = renderer
	}
}

// WithMetrics sets the Metrics recorder for LocalExecutor
func WithMetrics(metrics *Metrics) LocalExecutorOption {
	return func(l *LocalExecutor) {
		l.metrics = metrics
	}
}

// WithTeardownTimeout bounds how long a single teardown may take
func WithTeardownTimeout(d time.Duration) LocalExecutorOption {
	return func(l *LocalExecutor) {
		l.teardownTimeout = d
	}
}

// NewLocalExecutor creates a LocalExecutor. Without options it runs as the
// current user in per-request directories under the system temp dir.
func NewLocalExecutor(logger *zap.Logger, languages *Languages, timeout time.Duration, opts ...LocalExecutorOption) *LocalExecutor {
	executor := &LocalExecutor{
		logger:          logger,
		languages:       languages,
		renderer:        NewSynthesizer(languages, defaultPath),
		provider:        NewDirectoryProvider(defaultDirectoryBase(), defaultPrefix, nil),
		runner:          NewProcessController(logger, defaultShell, defaultOutputLimit),
		timeout:         timeout,
		teardownTimeout: defaultTeardownTimeout,
		now:             time.Now,
	}

	for _, opt := range opts {
		opt(executor)
	}

	return executor
}

// Execute runs req to completion. Exactly one of the returns is non-nil.
//
// Once an identity exists it is torn down before Execute returns, whatever
// happened in between. Cancelling ctx does not abort a started execution;
// the wall-clock timeout is the only deadline applied to user code.
func (l *LocalExecutor) Execute(ctx context.Context, req ExecuteRequest) (result *ExecuteResult, err error) {
	start := l.now()
	language := strings.ToLower(strings.TrimSpace(req.Language))
	label := unknownLanguageLabel

	defer func() {
		l.metrics.observeExecution(label, err, l.now().Sub(start))
	}()

	if language == "" || req.Code == "" {
		return nil, newError(KindInvalidRequest, nil, "Code and language are required")
	}

	builder, err := l.languages.Resolve(language)
	if err != nil {
		return nil, err
	}
	language = builder.Language
	label = language

	log := l.logger.With(logger.Language(language))

	runCtx := context.WithoutCancel(ctx)
	id, err := l.provider.Provision(runCtx)
	if err != nil {
		log.Error("failed to provision identity", zap.Error(err))
		if KindOf(err) == "" {
			err = newError(KindProvisioning, err, "failed to provision execution identity")
		}
		return nil, err
	}
	l.metrics.identityProvisioned()
	log = log.With(logger.Identity(id.ID))
	log.Debug("identity provisioned", zap.String("work_dir", id.WorkDir))

	defer l.teardown(log, id)
	defer func() {
		if r := recover(); r != nil {
			log.Error("execution panicked", zap.Any("panic", r), zap.Stack("stack"))
			result = nil
			err = newError(KindRuntime, fmt.Errorf("panic: %v", r), "Internal error while executing code")
		}
	}()

	script, err := l.renderer.Render(language, req.Code, id)
	if err != nil {
		if KindOf(err) == "" {
			err = newError(KindRuntime, err, "failed to prepare execution")
		}
		return nil, err
	}

	completion, err := l.runner.Run(runCtx, id, script, req.Stdin, l.timeout)
	if err != nil {
		log.Error("failed to run execution script", zap.Error(err))
		return nil, newError(KindRuntime, err, "failed to start execution")
	}

	log.Debug("execution finished",
		zap.Int("exit_code", completion.ExitCode),
		zap.Stringer("signal", completion.Signal),
		zap.Bool("timed_out", completion.TimedOut),
		zap.Duration("duration", completion.Duration))

	if execErr := Classify(completion, ClassifyOptions{
		ScriptPath: script.ScriptPath,
		WorkDir:    id.WorkDir,
		Timeout:    l.timeout,
	}); execErr != nil {
		return nil, execErr
	}

	return &ExecuteResult{
		Output:     completion.Output,
		Truncated:  completion.Truncated,
		FinishedAt: l.now(),
		Duration:   completion.Duration,
		Stats: &Stats{
			Time:     completion.CPUTime,
			MemoryKB: completion.MaxRSSKB,
		},
	}, nil
}

// teardown runs on a fresh context so a cancelled request still cleans up.
// Its failures are logged and never replace the request's own outcome.
func (l *LocalExecutor) teardown(log *zap.Logger, id *Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), l.teardownTimeout)
	defer cancel()

	err := l.provider.Teardown(ctx, id)
	l.metrics.identityReleased(err)
	if err != nil {
		log.Error("failed to tear down identity",
			logger.ErrorKind(string(KindTeardown)),
			zap.Error(err))
		return
	}
	log.Debug("identity torn down")
}
