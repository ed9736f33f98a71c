package sandbox

import (
	"errors"
	"fmt"
)

// Kind classifies why an execution failed
type Kind string

// Error kinds reported to callers. TeardownError is only ever logged.
const (
	KindInvalidRequest      Kind = "InvalidRequest"
	KindUnsupportedLanguage Kind = "UnsupportedLanguage"
	KindProvisioning        Kind = "ProvisioningError"
	KindTimeout             Kind = "Timeout"
	KindCPULimit            Kind = "CpuLimitExceeded"
	KindMemoryViolation     Kind = "MemoryViolation"
	KindOutOfMemory         Kind = "OutOfMemory"
	KindRuntime             Kind = "RuntimeError"
	KindTeardown            Kind = "TeardownError"
)

// ExecutionError is the single user-facing failure of a request
type ExecutionError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is matches another *ExecutionError of the same kind, so errors.Is works
// against the kind sentinels below.
func (e *ExecutionError) Is(target error) bool {
	var other *ExecutionError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && other.Message == ""
}

// Sentinels for errors.Is checks
var (
	ErrInvalidRequest      = &ExecutionError{Kind: KindInvalidRequest}
	ErrUnsupportedLanguage = &ExecutionError{Kind: KindUnsupportedLanguage}
	ErrProvisioning        = &ExecutionError{Kind: KindProvisioning}
	ErrTimeout             = &ExecutionError{Kind: KindTimeout}
	ErrCPULimit            = &ExecutionError{Kind: KindCPULimit}
	ErrMemoryViolation     = &ExecutionError{Kind: KindMemoryViolation}
	ErrOutOfMemory         = &ExecutionError{Kind: KindOutOfMemory}
	ErrRuntime             = &ExecutionError{Kind: KindRuntime}
)

func newError(kind Kind, err error, format string, args ...any) *ExecutionError {
	return &ExecutionError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// KindOf returns the kind carried by err, or "" when err is not an *ExecutionError
func KindOf(err error) Kind {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	return ""
}
