package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeParse             = "PARSE_ERROR"
	ErrCodeDependency        = "DEPENDENCY_ERROR"
	ErrCodeEvaluation        = "EVALUATION_ERROR"
	ErrCodeSecurity          = "SECURITY_ERROR"
	ErrCodeNodeExecution     = "NODE_EXECUTION_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeCheckpoint        = "CHECKPOINT_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
)

// FlowError is the structured error type for all flowscript operations.
// Line is set for parse-time errors, Variable for run-time errors.
type FlowError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Line     int            `json:"line,omitempty"`
	Variable string         `json:"variable,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Cause    error          `json:"-"`
}

func (e *FlowError) Error() string {
	switch {
	case e.Line > 0:
		return fmt.Sprintf("[%s] line %d: %s", e.Code, e.Line, e.Message)
	case e.Variable != "":
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Variable, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ParseErrorf creates a PARSE_ERROR pinned to a source line.
func ParseErrorf(line int, format string, args ...any) *FlowError {
	return &FlowError{Code: ErrCodeParse, Message: fmt.Sprintf(format, args...), Line: line}
}

// WithLine attaches a 1-based source line.
func (e *FlowError) WithLine(line int) *FlowError {
	e.Line = line
	return e
}

// WithVariable attaches the statement variable the error belongs to.
func (e *FlowError) WithVariable(variable string) *FlowError {
	e.Variable = variable
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the first FlowError in err's chain, or "".
func ErrorCode(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err carries the given FlowError code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}
