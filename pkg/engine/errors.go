package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for reporting and
// fail-fast handling.
type ErrorClass string

const (
	// ErrorClassValidation indicates a playbook, inventory, or variable
	// problem detected before any host is touched.
	// Examples: unknown module, unresolved template variable, missing handler.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassUnreachable indicates the host could not be reached or
	// authenticated. No task state can be determined.
	ErrorClassUnreachable ErrorClass = "unreachable"

	// ErrorClassModule indicates a module check or apply failed on the host.
	// Examples: package install failure, a validate command rejecting content.
	ErrorClassModule ErrorClass = "module"

	// ErrorClassCommand indicates an opaque command or shell step failed.
	// Only the exit code is observable; no structured state is available.
	ErrorClassCommand ErrorClass = "command"

	// ErrorClassInternal indicates a bug or unexpected engine condition.
	ErrorClassInternal ErrorClass = "internal"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Host is the host name that caused the error, if applicable.
	Host string `json:"host,omitempty"`

	// Task is the task name being executed when the error occurred.
	Task string `json:"task,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Host != "" && e.Task != "" {
		return fmt.Sprintf("[%s] %s (host=%s, task=%q): %s",
			e.Class, e.Message, e.Host, e.Task, e.unwrapMessage())
	}
	if e.Host != "" {
		return fmt.Sprintf("[%s] %s (host=%s): %s",
			e.Class, e.Message, e.Host, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassValidation,
		Message: message,
		Err:     err,
	}
}

// NewUnreachableError creates a new unreachable error.
func NewUnreachableError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassUnreachable,
		Message: message,
		Err:     err,
	}
}

// NewModuleError creates a new module error.
func NewModuleError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassModule,
		Message: message,
		Err:     err,
	}
}

// NewCommandError creates a new opaque command error.
func NewCommandError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassCommand,
		Message: message,
		Err:     err,
	}
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassInternal,
		Message: message,
		Err:     err,
	}
}

// WithHost adds host context to an error.
func (e *EngineError) WithHost(host string) *EngineError {
	e.Host = host
	return e
}

// WithTask adds task context to an error.
func (e *EngineError) WithTask(task string) *EngineError {
	e.Task = task
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsValidation returns true if the error is classified as validation.
func IsValidation(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassValidation
	}
	return false
}

// IsUnreachable returns true if the error is classified as unreachable.
func IsUnreachable(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassUnreachable
	}
	return false
}

// IsModule returns true if the error is classified as a module failure.
func IsModule(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassModule
	}
	return false
}

// IsCommand returns true if the error is classified as an opaque command failure.
func IsCommand(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassCommand
	}
	return false
}

// ClassOf returns the error class, or ErrorClassInternal for unclassified errors.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassInternal
}

// Common error codes.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeUnknownModule   = "UNKNOWN_MODULE"
	ErrCodeTemplate        = "TEMPLATE_UNRESOLVED"
	ErrCodeHandlerNotFound = "HANDLER_NOT_FOUND"
	ErrCodeCondition       = "CONDITION_FAILED"
	ErrCodeHostUnreachable = "HOST_UNREACHABLE"
	ErrCodeAuthFailed      = "AUTH_FAILED"
	ErrCodeModuleFailed    = "MODULE_FAILED"
	ErrCodeValidateCommand = "VALIDATE_COMMAND_FAILED"
	ErrCodeCommandFailed   = "COMMAND_FAILED"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeInternal        = "INTERNAL_ERROR"
)
