package model

import (
	"errors"
	"fmt"
)

// Core dispatch errors. They are terminal for the operation that returned
// them; retrying is the caller's decision.
var (
	ErrRunNotFound           = errors.New("run not found")
	ErrRunNotAcceptingTasks  = errors.New("run not accepting tasks")
	ErrTaskNotFound          = errors.New("task not found")
	ErrInvalidTaskTransition = errors.New("invalid task transition")
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrConflict   ErrorCode = "CONFLICT"
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the tskmgr API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewInternalError creates an INTERNAL_ERROR APIError.
func NewInternalError(msg string) *APIError {
	return &APIError{Code: ErrInternal, Message: msg}
}

// APIErrorFrom maps an error from the dispatch layer to an APIError and
// the HTTP status code it should be served with.
func APIErrorFrom(err error) (int, *APIError) {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		switch apiErr.Code {
		case ErrValidation:
			return 400, apiErr
		case ErrNotFound:
			return 404, apiErr
		case ErrConflict:
			return 409, apiErr
		}
		return 500, apiErr
	case errors.Is(err, ErrRunNotFound), errors.Is(err, ErrTaskNotFound):
		return 404, &APIError{Code: ErrNotFound, Message: err.Error()}
	case errors.Is(err, ErrRunNotAcceptingTasks), errors.Is(err, ErrInvalidTaskTransition):
		return 409, &APIError{Code: ErrConflict, Message: err.Error()}
	}
	return 500, NewInternalError(err.Error())
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

// Unwrap lets callers match task transition failures with errors.Is.
func (e *InvalidTransitionError) Unwrap() error {
	if e.Entity == "task" {
		return ErrInvalidTaskTransition
	}
	return ErrRunNotAcceptingTasks
}
