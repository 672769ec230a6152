// Package crewerr defines the discriminated error type surfaced to callers
// of the crew runtime. Kinds are distinguished by code, not by source type,
// so transport boundaries (JSON logs, the HTTP API) keep the discriminant.
package crewerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Code discriminates error kinds.
type Code string

// Error codes.
const (
	CodeValidation    Code = "validation"
	CodeConfiguration Code = "configuration"
	CodeRateLimit     Code = "rate_limit"
	CodeTimeout       Code = "timeout"
	CodeLLM           Code = "llm"
	CodeNetwork       Code = "network"
	CodeToolExecution Code = "tool_execution"
	CodeTaskExecution Code = "task_execution"
	CodeAuth          Code = "auth"
	CodeMemory        Code = "memory"
	CodeCancelled     Code = "cancelled"
)

// Error is a user-visible failure with a discriminant code and structured
// context, serializable for logging.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// MarshalJSON includes the cause's message under "cause".
func (e *Error) MarshalJSON() ([]byte, error) {
	type wire struct {
		Code    Code           `json:"code"`
		Message string         `json:"message"`
		Context map[string]any `json:"context,omitempty"`
		Cause   string         `json:"cause,omitempty"`
	}
	w := wire{Code: e.Code, Message: e.Message, Context: e.Context}
	if e.Cause != nil {
		w.Cause = e.Cause.Error()
	}
	return json.Marshal(w)
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error wrapping a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// With attaches a context key/value and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Validation builds a non-retryable validation error.
func Validation(message string) *Error { return New(CodeValidation, message) }

// Configuration builds a non-retryable configuration error.
func Configuration(message string) *Error { return New(CodeConfiguration, message) }

// RateLimit builds a retryable rate-limit error with an optional retry-after hint.
func RateLimit(message string, retryAfter time.Duration) *Error {
	e := New(CodeRateLimit, message)
	if retryAfter > 0 {
		e.With("retryAfterMs", retryAfter.Milliseconds())
	}
	return e
}

// Timeout builds a timeout error carrying the operation name and budget.
func Timeout(operation string, timeout time.Duration) *Error {
	return New(CodeTimeout, fmt.Sprintf("operation %q timed out after %v", operation, timeout)).
		With("operationName", operation).
		With("timeoutMs", timeout.Milliseconds())
}

// TaskExecution wraps a task failure with its owning ids.
func TaskExecution(taskID, agentID string, cause error) *Error {
	return Wrap(CodeTaskExecution, fmt.Sprintf("task %s failed", taskID), cause).
		With("taskId", taskID).
		With("agentId", agentID)
}

// ToolExecution wraps a tool failure with its owning ids.
func ToolExecution(toolName, agentID string, cause error) *Error {
	return Wrap(CodeToolExecution, fmt.Sprintf("tool %s failed", toolName), cause).
		With("toolName", toolName).
		With("agentId", agentID)
}

// Retryable reports whether err may be retried. Explicit markers win;
// otherwise retryability follows the error code.
func Retryable(err error) bool {
	var marked interface{ RetryableError() bool }
	if errors.As(err, &marked) {
		return marked.RetryableError()
	}
	var ce *Error
	if errors.As(err, &ce) {
		switch ce.Code {
		case CodeRateLimit, CodeTimeout, CodeNetwork, CodeLLM:
			return true
		}
		return false
	}
	return false
}

// CodeOf extracts the discriminant from err, or "" when err is not an Error.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
