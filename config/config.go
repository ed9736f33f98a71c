package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// MaxUserNameLen is the longest user name accepted by shadow-utils.
const MaxUserNameLen = 32

// minRandomSuffix is the number of random characters an identity name keeps after the prefix
const minRandomSuffix = 24

var userPrefixPattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Sandbox   SandboxConfig       `mapstructure:"sandbox"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Languages map[string]Language `mapstructure:"languages"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport     string `mapstructure:"transport"`
	HTTPPort      int    `mapstructure:"http_port"`
	MaxConcurrent int    `mapstructure:"max_concurrent"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	IdentityProvider   string   `mapstructure:"identity_provider"`
	AllowUnisolated    bool     `mapstructure:"allow_unisolated"`
	HomeBase           string   `mapstructure:"home_base"`
	UserPrefix         string   `mapstructure:"user_prefix"`
	TimeoutSec         int      `mapstructure:"timeout_sec"`
	TeardownTimeoutSec int      `mapstructure:"teardown_timeout_sec"`
	OutputLimitKB      int      `mapstructure:"output_limit_kb"`
	Shell              string   `mapstructure:"shell"`
	Path               string   `mapstructure:"path"`
	ScrubDirs          []string `mapstructure:"scrub_dirs"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// Language describes how one language is compiled and run.
//
// BuildCmd and RunCmd are command templates. They are split like a shell
// would split them and may reference {src}, {bin}, {dir} and {heap}.
type Language struct {
	Aliases     []string          `mapstructure:"aliases"`
	SourceFile  string            `mapstructure:"source_file"`
	BinaryFile  string            `mapstructure:"binary_file"`
	BuildCmd    string            `mapstructure:"build_cmd"`
	RunCmd      string            `mapstructure:"run_cmd"`
	Environment map[string]string `mapstructure:"environment"`
	Limits      Limits            `mapstructure:"limits"`
}

// Limits holds the per-language resource ceilings
type Limits struct {
	CPUSec     int `mapstructure:"cpu_sec"`
	Processes  int `mapstructure:"processes"`
	FileSizeKB int `mapstructure:"file_size_kb"`
	StackKB    int `mapstructure:"stack_kb"`
	DataKB     int `mapstructure:"data_kb"`
	HeapMB     int `mapstructure:"heap_mb"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	return decode(v)
}

// Load reads the configuration from an explicit file path
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("SANDBOXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

//nolint:funlen // Flat list of defaults
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.max_concurrent", 16)

	v.SetDefault("sandbox.identity_provider", "osuser")
	v.SetDefault("sandbox.allow_unisolated", false)
	v.SetDefault("sandbox.home_base", "/home")
	v.SetDefault("sandbox.user_prefix", "exec_")
	v.SetDefault("sandbox.timeout_sec", 15)
	v.SetDefault("sandbox.teardown_timeout_sec", 10)
	v.SetDefault("sandbox.output_limit_kb", 1024)
	v.SetDefault("sandbox.shell", "/bin/bash")
	v.SetDefault("sandbox.path", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
	v.SetDefault("sandbox.scrub_dirs", []string{"/tmp", "/var/tmp", "/dev/shm"})

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	// Java
	v.SetDefault("languages.java.source_file", "Main.java")
	v.SetDefault("languages.java.build_cmd", "javac -J-Xmx256m {src}")
	v.SetDefault("languages.java.run_cmd", "java -Xmx{heap}m -Xms64m -cp {dir} Main")
	v.SetDefault("languages.java.limits.cpu_sec", 10)
	v.SetDefault("languages.java.limits.processes", 64)
	v.SetDefault("languages.java.limits.file_size_kb", 10240)
	v.SetDefault("languages.java.limits.stack_kb", 8192)
	v.SetDefault("languages.java.limits.heap_mb", 256)

	// C++
	v.SetDefault("languages.cpp.aliases", []string{"c++"})
	v.SetDefault("languages.cpp.source_file", "program.cpp")
	v.SetDefault("languages.cpp.binary_file", "program")
	v.SetDefault("languages.cpp.build_cmd", "g++ -O2 -o {bin} {src}")
	v.SetDefault("languages.cpp.run_cmd", "{bin}")
	setNativeLimits(v, "cpp")

	// C
	v.SetDefault("languages.c.source_file", "program.c")
	v.SetDefault("languages.c.binary_file", "program")
	v.SetDefault("languages.c.build_cmd", "gcc -O2 -o {bin} {src}")
	v.SetDefault("languages.c.run_cmd", "{bin}")
	setNativeLimits(v, "c")

	// JavaScript
	v.SetDefault("languages.javascript.aliases", []string{"js", "node", "nodejs"})
	v.SetDefault("languages.javascript.source_file", "script.js")
	v.SetDefault("languages.javascript.run_cmd", "node --max-old-space-size={heap} {src}")
	setNativeLimits(v, "javascript")
	v.SetDefault("languages.javascript.limits.heap_mb", 128)

	// Python
	v.SetDefault("languages.python.aliases", []string{"python3", "py"})
	v.SetDefault("languages.python.source_file", "script.py")
	v.SetDefault("languages.python.run_cmd", "python3 {src}")
	v.SetDefault("languages.python.environment", map[string]string{"PYTHONDONTWRITEBYTECODE": "1"})
	setNativeLimits(v, "python")
}

func setNativeLimits(v *viper.Viper, lang string) {
	prefix := "languages." + lang + ".limits."
	v.SetDefault(prefix+"cpu_sec", 10)
	v.SetDefault(prefix+"processes", 40)
	v.SetDefault(prefix+"file_size_kb", 10240)
	v.SetDefault(prefix+"data_kb", 262144)
	v.SetDefault(prefix+"stack_kb", 8192)
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // Validation is a flat sequence of checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.MaxConcurrent < 0 {
		return fmt.Errorf("server.max_concurrent must not be negative, got: %d", c.Server.MaxConcurrent)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.TeardownTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.teardown_timeout_sec must be positive, got: %d", c.Sandbox.TeardownTimeoutSec)
	}

	if c.Sandbox.OutputLimitKB <= 0 {
		return fmt.Errorf("sandbox.output_limit_kb must be positive, got: %d", c.Sandbox.OutputLimitKB)
	}

	switch c.Sandbox.IdentityProvider {
	case "osuser":
	case "directory":
		// directory identities share the service's own user
		if !c.Sandbox.AllowUnisolated {
			return fmt.Errorf("sandbox.identity_provider 'directory' requires sandbox.allow_unisolated")
		}
	default:
		return fmt.Errorf("unsupported sandbox.identity_provider: %s", c.Sandbox.IdentityProvider)
	}

	if c.Sandbox.HomeBase == "" {
		return fmt.Errorf("sandbox.home_base must be set")
	}

	if !userPrefixPattern.MatchString(c.Sandbox.UserPrefix) {
		return fmt.Errorf("invalid sandbox.user_prefix: %q", c.Sandbox.UserPrefix)
	}
	if len(c.Sandbox.UserPrefix) > MaxUserNameLen-minRandomSuffix {
		return fmt.Errorf("sandbox.user_prefix too long: %d characters, at most %d allowed",
			len(c.Sandbox.UserPrefix), MaxUserNameLen-minRandomSuffix)
	}

	if c.Sandbox.Shell == "" {
		return fmt.Errorf("sandbox.shell must be set")
	}

	if c.Logging.Mode != "development" && c.Logging.Mode != "production" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'development' or 'production'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if len(c.Languages) == 0 {
		return fmt.Errorf("at least one language must be configured")
	}

	return c.validateLanguages()
}

func (c *Config) validateLanguages() error {
	seen := make(map[string]string)
	for name, lang := range c.Languages {
		if lang.SourceFile == "" {
			return fmt.Errorf("languages.%s.source_file must be set", name)
		}
		if strings.Contains(lang.SourceFile, "/") {
			return fmt.Errorf("languages.%s.source_file must be a bare file name", name)
		}
		if strings.TrimSpace(lang.RunCmd) == "" {
			return fmt.Errorf("languages.%s.run_cmd must be set", name)
		}
		if lang.Limits.CPUSec <= 0 {
			return fmt.Errorf("languages.%s.limits.cpu_sec must be positive, got: %d", name, lang.Limits.CPUSec)
		}
		if lang.Limits.CPUSec >= c.Sandbox.TimeoutSec {
			return fmt.Errorf("languages.%s.limits.cpu_sec (%d) must be below sandbox.timeout_sec (%d)",
				name, lang.Limits.CPUSec, c.Sandbox.TimeoutSec)
		}
		if lang.Limits.FileSizeKB <= 0 || lang.Limits.StackKB <= 0 {
			return fmt.Errorf("languages.%s.limits: file_size_kb and stack_kb must be positive", name)
		}

		for _, key := range append([]string{name}, lang.Aliases...) {
			key = strings.ToLower(key)
			if owner, dup := seen[key]; dup {
				return fmt.Errorf("language name %q used by both %s and %s", key, owner, name)
			}
			seen[key] = name
		}
	}
	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetTeardownTimeout returns the teardown budget as a duration
func (c *Config) GetTeardownTimeout() time.Duration {
	return time.Duration(c.Sandbox.TeardownTimeoutSec) * time.Second
}
