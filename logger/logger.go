// Package logger builds the zap logger shared by the service and the field
// constructors that keep log keys consistent between packages.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/sandboxd/config"
)

// ServiceName is attached to every log entry
const ServiceName = "sandboxd"

// Logging modes accepted by New
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// stdout carries the MCP stdio transport, so nothing may log there
var outputPaths = []string{"stderr"}

// NewFromConfig builds the logger described by the logging section of cfg
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	return New(cfg.Logging.Mode, cfg.Logging.Level)
}

// New creates a logger for mode at the given level
func New(mode, level string) (*zap.Logger, error) {
	cfg, err := buildConfig(mode, level)
	if err != nil {
		return nil, err
	}
	return cfg.Build(zap.Fields(zap.String("service", ServiceName)))
}

func buildConfig(mode, level string) (zap.Config, error) {
	var cfg zap.Config

	switch mode {
	case ModeDevelopment:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case ModeProduction:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
		// teardown failures must never be dropped by the sampler
		cfg.Sampling = nil
	default:
		return zap.Config{}, fmt.Errorf("invalid logging mode: %s, must be '%s' or '%s'", mode, ModeProduction, ModeDevelopment)
	}

	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return zap.Config{}, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.OutputPaths = outputPaths
	cfg.ErrorOutputPaths = outputPaths

	return cfg, nil
}

// Language is the requested language of an execution, as sent by the caller
func Language(name string) zap.Field {
	return zap.String("language", name)
}

// Identity is the name of the ephemeral account or directory owning a run
func Identity(name string) zap.Field {
	return zap.String("identity", name)
}

// ErrorKind is the classified failure kind of an execution
func ErrorKind(kind string) zap.Field {
	return zap.String("kind", kind)
}
