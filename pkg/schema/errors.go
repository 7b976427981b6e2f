package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeDefinition        = "DEFINITION_ERROR"
	ErrCodeUnknownStepType   = "UNKNOWN_STEP_TYPE"
	ErrCodeDuplicateStepID   = "DUPLICATE_STEP_ID"
	ErrCodeRefNotFound       = "REFERENCE_NOT_FOUND"
	ErrCodeRefPath           = "REFERENCE_PATH_ERROR"
	ErrCodeStepExecution     = "STEP_EXECUTION_ERROR"
	ErrCodePathDenied        = "PATH_DENIED"
	ErrCodePersistence       = "PERSISTENCE_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInterrupted       = "INTERRUPTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeLocked            = "LOCKED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// StepflowError is the structured error type for all stepflow operations.
type StepflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *StepflowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *StepflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new StepflowError.
func NewError(code, message string) *StepflowError {
	return &StepflowError{Code: code, Message: message}
}

// NewErrorf creates a new StepflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *StepflowError {
	return &StepflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *StepflowError) WithStep(stepID string) *StepflowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *StepflowError) WithCause(err error) *StepflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *StepflowError) WithDetails(details map[string]any) *StepflowError {
	e.Details = details
	return e
}

// CodeOf extracts the stepflow error code from err, unwrapping as needed.
// Returns ErrCodeInternal for non-stepflow errors and "" for nil.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var se *StepflowError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given stepflow error code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
