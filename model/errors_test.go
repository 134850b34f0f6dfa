package model

import (
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "instance not found"}
	want := "NOT_FOUND: instance not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewNotFoundError(t *testing.T) {
	e := NewNotFoundError("resource missing")
	if e.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", e.Code, ErrNotFound)
	}
	if e.Message != "resource missing" {
		t.Errorf("Message = %q, want %q", e.Message, "resource missing")
	}
}

func TestNewDefinitionError(t *testing.T) {
	details := []FieldError{
		{Field: "stages[1].id", Code: "DUPLICATE", Message: "duplicate stage id"},
	}
	e := NewDefinitionError("invalid workflow definition", details)
	if e.Code != ErrDefinition {
		t.Errorf("Code = %q, want %q", e.Code, ErrDefinition)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "stages[1].id" {
		t.Errorf("Details[0].Field = %q", e.Details[0].Field)
	}
}

func TestNewPreconditionFailedError(t *testing.T) {
	e := NewPreconditionFailedError("reviewers pending",
		FieldError{Field: "reviewer", Code: "PENDING", Message: "user-2"})
	if e.Code != ErrPreconditionFailed {
		t.Errorf("Code = %q, want %q", e.Code, ErrPreconditionFailed)
	}
	if len(e.Details) != 1 {
		t.Errorf("Details length = %d, want 1", len(e.Details))
	}
}

func TestNewInternalError(t *testing.T) {
	e := NewInternalError()
	if e.Code != ErrInternal {
		t.Errorf("Code = %q, want %q", e.Code, ErrInternal)
	}
	if e.Message == "" {
		t.Error("Message should not be empty")
	}
}

func TestIsCode(t *testing.T) {
	wrapped := fmt.Errorf("advance: %w", NewConflictError("stale"))

	tests := []struct {
		name string
		err  error
		code string
		want bool
	}{
		{name: "direct", err: NewForbiddenError("no"), code: ErrForbidden, want: true},
		{name: "wrapped", err: wrapped, code: ErrConflict, want: true},
		{name: "different code", err: wrapped, code: ErrNotFound, want: false},
		{name: "plain error", err: fmt.Errorf("boom"), code: ErrInternal, want: false},
		{name: "nil", err: nil, code: ErrConflict, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCode(tt.err, tt.code); got != tt.want {
				t.Errorf("IsCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCodeOf_plain_error(t *testing.T) {
	if got := CodeOf(fmt.Errorf("boom")); got != "" {
		t.Errorf("CodeOf() = %q, want empty", got)
	}
}
