package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValidationError aggregates every problem found in a workflow definition.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "workflow validation failed"
	}
	return "workflow validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Add(msg string) {
	if e == nil {
		return
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	e.Issues = append(e.Issues, msg)
}

// Merge appends the issues of err when it is a ValidationError, otherwise its message.
func (e *ValidationError) Merge(err error) {
	if e == nil || err == nil {
		return
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		e.Issues = append(e.Issues, ve.Issues...)
		return
	}
	e.Add(err.Error())
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Retryable() bool { return false }

// VariableResolutionError reports a template reference that does not resolve.
type VariableResolutionError struct {
	Path   string
	Reason string
}

func (e *VariableResolutionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("variable %q could not be resolved: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("variable %q could not be resolved", e.Path)
}

func (e *VariableResolutionError) Retryable() bool { return false }

// PluginExecutionError wraps a failure from a plugin or LLM provider.
type PluginExecutionError struct {
	Plugin       string
	Action       string
	Message      string
	NonRetryable bool
	Err          error
}

func (e *PluginExecutionError) Error() string {
	target := e.Plugin
	if e.Action != "" {
		target += "." + e.Action
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("plugin %s failed: %s", target, msg)
}

func (e *PluginExecutionError) Unwrap() error { return e.Err }

func (e *PluginExecutionError) Retryable() bool { return !e.NonRetryable }

// CircuitOpenError is returned without calling the target while its breaker is open.
type CircuitOpenError struct {
	Target     string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry after %s)", e.Target, e.RetryAfter)
}

func (e *CircuitOpenError) Retryable() bool { return false }

// TimeoutScope says which deadline expired.
type TimeoutScope string

const (
	TimeoutStep     TimeoutScope = "step"
	TimeoutWorkflow TimeoutScope = "workflow"
)

// TimeoutError reports an expired step or workflow deadline.
type TimeoutError struct {
	Scope  TimeoutScope
	StepID string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Scope == TimeoutWorkflow {
		return fmt.Sprintf("workflow timed out after %s", e.After)
	}
	return fmt.Sprintf("step %s timed out after %s", e.StepID, e.After)
}

func (e *TimeoutError) Retryable() bool { return false }

// DependencyFailedError marks a step that never ran because an upstream step failed.
type DependencyFailedError struct {
	StepID     string
	Dependency string
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("step %s skipped: dependency %s did not complete", e.StepID, e.Dependency)
}

// Retryable is implemented by errors that carry a retry classification.
type Retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err is explicitly classified as retryable.
// Unclassified errors are not retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// Error type labels used in failure summaries and checkpoints.
const (
	ErrorTypeValidation         = "validation"
	ErrorTypeVariableResolution = "variable_resolution"
	ErrorTypePluginExecution    = "plugin_execution"
	ErrorTypeCircuitOpen        = "circuit_open"
	ErrorTypeTimeout            = "timeout"
	ErrorTypeDependency         = "dependency_failed"
	ErrorTypeCanceled           = "canceled"
	ErrorTypeInternal           = "internal"
)

// ErrorType classifies err into one of the ErrorType labels.
func ErrorType(err error) string {
	var (
		validation *ValidationError
		variable   *VariableResolutionError
		plugin     *PluginExecutionError
		circuit    *CircuitOpenError
		timeout    *TimeoutError
		dependency *DependencyFailedError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return ErrorTypeValidation
	case errors.As(err, &variable):
		return ErrorTypeVariableResolution
	case errors.As(err, &circuit):
		return ErrorTypeCircuitOpen
	case errors.As(err, &timeout):
		return ErrorTypeTimeout
	case errors.As(err, &plugin):
		return ErrorTypePluginExecution
	case errors.As(err, &dependency):
		return ErrorTypeDependency
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	default:
		return ErrorTypeInternal
	}
}
