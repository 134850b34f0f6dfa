package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest   = "BAD_REQUEST"
	ErrUnauthorized = "UNAUTHORIZED"
	ErrForbidden    = "FORBIDDEN"
	ErrNotFound     = "NOT_FOUND"
	ErrConflict     = "CONFLICT"
	ErrInternal     = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrDefinition         = "DEFINITION_ERROR"
	ErrPreconditionFailed = "PRECONDITION_FAILED"
	ErrMergeNotApplied    = "MERGE_NOT_APPLIED"
	ErrInvalidFeedback    = "INVALID_FEEDBACK"
)

// ErrorEnvelope is the error type returned by every engine operation and
// serialized as-is by the HTTP transport. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a single problem at a path, for example a stage in a
// workflow definition.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewDefinitionError returns a DEFINITION_ERROR carrying every problem found
// while validating a workflow definition.
func NewDefinitionError(msg string, details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDefinition, Message: msg, Details: details}
}

// NewPreconditionFailedError returns a PRECONDITION_FAILED error.
func NewPreconditionFailedError(msg string, details ...FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrPreconditionFailed, Message: msg, Details: details}
}

// NewMergeNotAppliedError returns a MERGE_NOT_APPLIED error. It is
// recoverable: the feedback target text was not present in the content.
func NewMergeNotAppliedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrMergeNotApplied, Message: msg}
}

// NewInvalidFeedbackError returns an INVALID_FEEDBACK error.
func NewInvalidFeedbackError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidFeedback, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternal,
		Message: "An unexpected error occurred",
	}
}

// CodeOf returns the envelope code carried anywhere in err's chain, or the
// empty string when err is not an ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err carries an envelope with the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
