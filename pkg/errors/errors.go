// Package errors defines the error taxonomy of the pipeline engine.
//
// Errors fall into three families with different blast radii: a ConfigError
// aborts an entire run before any stage starts, a ResolutionError or
// ExecutionError is contained to the job instance it occurred in, and
// cancellation is a deliberate terminal outcome rather than a defect.
package errors

import (
	"errors"
	"fmt"
)

// ErrCancelled marks work that was deliberately stopped by a pipeline-level
// cancel request. It is always reported distinctly from a failure.
var ErrCancelled = errors.New("run cancelled")

// Execution phases used by ExecutionError to indicate where in the instance
// lifecycle the failure occurred.
const (
	PhaseService   = "service"
	PhaseStep      = "step"
	PhaseArtifacts = "artifacts"
)

// ConfigError represents a structural violation in a pipeline definition:
// duplicate names, empty matrix axis values, an oversized matrix expansion,
// or an invalid trigger or step kind. Config errors are raised by the
// pre-execution validation pass and abort the run before any stage starts.
type ConfigError struct {
	// Detail is a human-readable description of the violation
	Detail string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid pipeline configuration: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("invalid pipeline configuration: %s", e.Detail)
}

// Unwrap returns the underlying error
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Detail: fmt.Sprintf(format, args...)}
}

// WrapConfigError creates a ConfigError around an underlying cause
func WrapConfigError(detail string, err error) *ConfigError {
	return &ConfigError{Detail: detail, Err: err}
}

// IsConfigError checks whether err is (or wraps) a ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ResolutionError represents a placeholder that references a name absent
// from a job instance's binding context. It is scoped to the instance whose
// resolution failed and never affects sibling instances directly.
type ResolutionError struct {
	// Placeholder is the unresolved name as it appeared in the input
	Placeholder string

	// Input is the raw string the placeholder was found in
	Input string
}

// Error implements the error interface
func (e *ResolutionError) Error() string {
	return fmt.Sprintf("unresolved placeholder %q in %q", e.Placeholder, e.Input)
}

// NewResolutionError creates a new ResolutionError
func NewResolutionError(placeholder, input string) *ResolutionError {
	return &ResolutionError{Placeholder: placeholder, Input: input}
}

// IsResolutionError checks whether err is (or wraps) a ResolutionError
func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

// ExecutionError represents a failure while executing a job instance: a
// service that would not start, a step that exited non-zero, or a process
// runtime error. It carries the lifecycle phase the instance was in.
type ExecutionError struct {
	// Phase is one of PhaseService, PhaseStep or PhaseArtifacts
	Phase string

	// Detail identifies the failing service, step command or artifact pattern
	Detail string

	// ExitCode is the process exit status for step failures, zero otherwise
	ExitCode int

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *ExecutionError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s failed: %s: exit status %d", e.Phase, e.Detail, e.ExitCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %s: %v", e.Phase, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s failed: %s", e.Phase, e.Detail)
}

// Unwrap returns the underlying error
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError creates a new ExecutionError
func NewExecutionError(phase, detail string, err error) *ExecutionError {
	return &ExecutionError{Phase: phase, Detail: detail, Err: err}
}

// NewStepExitError creates an ExecutionError for a step that exited non-zero
func NewStepExitError(command string, exitCode int) *ExecutionError {
	return &ExecutionError{Phase: PhaseStep, Detail: command, ExitCode: exitCode}
}

// IsExecutionError checks whether err is (or wraps) an ExecutionError
func IsExecutionError(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}

// IsCancelled checks whether err represents deliberate cancellation
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
