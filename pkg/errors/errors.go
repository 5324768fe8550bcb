// Package errors provides structured error types for stackctl.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies specific error conditions
type ErrorCode string

const (
	ErrCodeValidation           ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotFound             ErrorCode = "NOT_FOUND"
	ErrCodeParse                ErrorCode = "PARSE_ERROR"
	ErrCodeBackend              ErrorCode = "BACKEND_ERROR"
	ErrCodeUserInputInvalid     ErrorCode = "USER_INPUT_INVALID"
	ErrCodeUserInterrupted      ErrorCode = "USER_INTERRUPTED"
	ErrCodeExternalScriptFailed ErrorCode = "EXTERNAL_SCRIPT_FAILED"
	ErrCodeGraphDefect          ErrorCode = "CONFIGURATION_GRAPH_DEFECT"
	ErrCodeAlreadyRunning       ErrorCode = "ALREADY_RUNNING"
	ErrCodeUnfinished           ErrorCode = "DEPLOYMENT_UNFINISHED"
)

// Error is the base error type for stackctl
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error with the given code and message
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Wrap creates a new error wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Details: make(map[string]interface{}),
	}
}

// WithDetail adds a single detail to an error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// NotFoundError creates a not found error
func NotFoundError(resourceType, name string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %q not found", resourceType, name),
		Details: map[string]interface{}{
			"resource_type": resourceType,
			"name":          name,
		},
	}
}

// ParseError creates a parse error
func ParseError(filePath string, err error) *Error {
	return &Error{
		Code:    ErrCodeParse,
		Message: fmt.Sprintf("failed to parse %s", filePath),
		Cause:   err,
		Details: map[string]interface{}{
			"file": filePath,
		},
	}
}

// ScriptFailed creates an error for a provisioning script that exited non-zero.
func ScriptFailed(script string, exitCode int, output string) *Error {
	return &Error{
		Code:    ErrCodeExternalScriptFailed,
		Message: fmt.Sprintf("script %s exited with code %d", script, exitCode),
		Details: map[string]interface{}{
			"script":    script,
			"exit_code": exitCode,
			"output":    output,
		},
	}
}

// GraphDefect creates an error describing a malformed question graph.
func GraphDefect(questionID, message string) *Error {
	return &Error{
		Code:    ErrCodeGraphDefect,
		Message: message,
		Details: map[string]interface{}{
			"question_id": questionID,
		},
	}
}

// BackendError creates a backend error
func BackendError(backend string, operation string, err error) *Error {
	return &Error{
		Code:    ErrCodeBackend,
		Message: fmt.Sprintf("backend %s failed during %s", backend, operation),
		Cause:   err,
		Details: map[string]interface{}{
			"backend":   backend,
			"operation": operation,
		},
	}
}

// Is checks if err, or any error it wraps, carries the given code.
func Is(err error, code ErrorCode) bool {
	var e *Error
	for err != nil {
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}
