package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeGraphValidation     = "GRAPH_VALIDATION_ERROR"
	ErrCodeSchedulingInvariant = "SCHEDULING_INVARIANT_VIOLATION"
	ErrCodeStepTimeout         = "STEP_TIMEOUT"
	ErrCodeStepExecution       = "STEP_EXECUTION_ERROR"
	ErrCodeRunTimeout          = "RUN_TIMEOUT"
	ErrCodeConfiguration       = "CONFIGURATION_ERROR"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeVault               = "VAULT_ERROR"
)

// FlowError is the structured error type returned by the engine and its agents.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	StepKey string         `json:"step_key,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Trace   string         `json:"trace,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepKey != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepKey, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
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

// WithStep attaches a step key to the error.
func (e *FlowError) WithStep(stepKey string) *FlowError {
	e.StepKey = stepKey
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

// WithTrace attaches a diagnostic trace (usually a goroutine stack).
func (e *FlowError) WithTrace(trace string) *FlowError {
	e.Trace = trace
	return e
}

// CodeOf returns the code of the first FlowError in err's chain, or "".
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err carries a FlowError with the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsNotFound reports whether err is a NOT_FOUND FlowError.
func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeNotFound)
}

// TraceOf returns the trace carried by err, if any.
func TraceOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Trace
	}
	return ""
}
