package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a checkpoint, run or workflow does not exist.
var ErrNotFound = errors.New("not found")

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrNotFoundCode ErrorCode = "NOT_FOUND"
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
	ErrUnavailable  ErrorCode = "UNAVAILABLE"
)

// APIError is a structured error returned by the HTTP API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation problem on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFoundCode,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// NewValidationError creates a VALIDATION_ERROR APIError.
func NewValidationError(message string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: message, Details: details}
}

// NewInternalError creates an INTERNAL_ERROR APIError.
func NewInternalError(message string) *APIError {
	return &APIError{Code: ErrInternal, Message: message}
}

// NewUnavailableError creates an UNAVAILABLE APIError for a feature the
// server was started without.
func NewUnavailableError(feature string) *APIError {
	return &APIError{Code: ErrUnavailable, Message: feature + " is not configured"}
}

// ValidationError reports every problem found in a workflow before it runs.
type ValidationError struct {
	WorkflowID string
	Problems   []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		if p.Path != "" {
			msgs[i] = p.Path + ": " + p.Message
		} else {
			msgs[i] = p.Message
		}
	}
	return fmt.Sprintf("workflow %q is invalid: %s", e.WorkflowID, strings.Join(msgs, "; "))
}

// APIError converts the validation error into an API error envelope.
func (e *ValidationError) APIError() *APIError {
	return &APIError{Code: ErrValidation, Message: "workflow validation failed", Details: e.Problems}
}

// CycleError is returned when step dependencies form a cycle.
// StepIDs lists the cycle path; the first id is repeated at the end.
type CycleError struct {
	WorkflowID string
	StepIDs    []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("workflow %q contains a dependency cycle: %s", e.WorkflowID, strings.Join(e.StepIDs, " -> "))
}

// StepExecutionError wraps a worker failure for a single dispatch.
type StepExecutionError struct {
	StepID  string
	Worker  string
	Attempt int
	Err     error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s (worker %s, attempt %d): %v", e.StepID, e.Worker, e.Attempt, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// DeadlockError signals that no step is ready although unresolved, unblocked
// steps remain. Validation and blocked propagation make this unreachable; it
// indicates a scheduler bug.
type DeadlockError struct {
	RunID      string
	Unresolved []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("run %s deadlocked with unresolved steps: %s", e.RunID, strings.Join(e.Unresolved, ", "))
}

// SnapshotVersionError is returned when a run snapshot was written by an
// incompatible schema version.
type SnapshotVersionError struct {
	Got  int
	Want int
}

func (e *SnapshotVersionError) Error() string {
	return fmt.Sprintf("unsupported run snapshot version %d (want %d)", e.Got, e.Want)
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}
