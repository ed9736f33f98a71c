package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
)

// Identity providers selectable with sandbox.identity_provider
const (
	ProviderOSUser    = "osuser"
	ProviderDirectory = "directory"
)

// defaults used by NewLocalExecutor when no options override them
const (
	defaultPath            = "/usr/local/bin:/usr/bin:/bin"
	defaultPrefix          = "exec_"
	defaultShell           = "/bin/bash"
	defaultOutputLimit     = 1024 * BytesPerKB
	defaultTeardownTimeout = 10 * time.Second
)

func defaultDirectoryBase() string {
	return filepath.Join(os.TempDir(), "sandboxd")
}

// LoadLanguages builds the language table from the configuration
func LoadLanguages(cfg *config.Config) (*Languages, error) {
	languages, err := NewLanguages(cfg.Languages)
	if err != nil {
		return nil, fmt.Errorf("failed to load languages: %w", err)
	}
	return languages, nil
}

// NewExecutor creates an executor wired from the configuration
func NewExecutor(logger *zap.Logger, cfg *config.Config, languages *Languages, metrics *Metrics) (Executor, error) {
	provider, err := newIdentityProvider(logger, &cfg.Sandbox)
	if err != nil {
		return nil, err
	}

	runner := NewProcessController(logger, cfg.Sandbox.Shell, cfg.Sandbox.OutputLimitKB*BytesPerKB)

	return NewLocalExecutor(logger, languages, cfg.GetTimeout(),
		WithIdentityProvider(provider),
		WithRenderer(NewSynthesizer(languages, cfg.Sandbox.Path)),
		WithProcessRunner(runner),
		WithMetrics(metrics),
		WithTeardownTimeout(cfg.GetTeardownTimeout()),
	), nil
}

func newIdentityProvider(logger *zap.Logger, cfg *config.SandboxConfig) (IdentityProvider, error) {
	switch cfg.IdentityProvider {
	case ProviderOSUser:
		return NewOSAccountProvider(logger, cfg.HomeBase, cfg.UserPrefix, cfg.ScrubDirs), nil
	case ProviderDirectory:
		if !cfg.AllowUnisolated {
			return nil, fmt.Errorf("identity provider %q requires sandbox.allow_unisolated", cfg.IdentityProvider)
		}
		logger.Warn("running without identity isolation, do not expose this instance")
		return NewDirectoryProvider(cfg.HomeBase, cfg.UserPrefix, nil), nil
	default:
		return nil, fmt.Errorf("unsupported identity provider: %s", cfg.IdentityProvider)
	}
}
