package definition

import (
	"fmt"

	"github.com/pitabwire/docflow/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// RoleResolver resolves raw role strings to normalized role tokens. The role
// gate satisfies it.
type RoleResolver interface {
	Resolve(raw string) (model.Role, bool)
}

// Validator checks workflow definitions structurally and, when built with a
// RoleResolver, checks that every stage role is a known token.
type Validator struct {
	roles RoleResolver
}

// NewValidator creates a new Validator. roles may be nil to skip role checks.
func NewValidator(roles RoleResolver) *Validator {
	return &Validator{roles: roles}
}

// Validate checks a set of definitions, including that workflow ids are
// unique across the set.
func (v *Validator) Validate(defs []model.WorkflowDefinition) []VError {
	var errs []VError
	seen := make(map[string]string, len(defs))
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if def.SourceFile != "" {
			prefix = def.SourceFile
		}
		errs = append(errs, v.ValidateWorkflow(prefix, def)...)
		if def.ID == "" {
			continue
		}
		if other, dup := seen[def.ID]; dup {
			errs = append(errs, VError{
				Path:    prefix + ".id",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("workflow %q already defined in %s", def.ID, other),
			})
			continue
		}
		seen[def.ID] = prefix
	}
	return errs
}

// ValidateWorkflow checks a single workflow definition and returns every
// problem found.
func (v *Validator) ValidateWorkflow(prefix string, def model.WorkflowDefinition) []VError {
	var errs []VError

	if def.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if def.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if len(def.Stages) == 0 {
		errs = append(errs, VError{Path: prefix + ".stages", Code: "REQUIRED", Message: "at least one stage is required"})
		return errs
	}

	stageIDs := make(map[string]bool, len(def.Stages))
	stageNames := make(map[string]bool, len(def.Stages))
	starting := 0

	for i, s := range def.Stages {
		sp := fmt.Sprintf("%s.stages[%d]", prefix, i)

		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "stage id is required"})
		} else if stageIDs[s.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate stage id %q", s.ID)})
		}
		stageIDs[s.ID] = true

		if s.Name == "" {
			errs = append(errs, VError{Path: sp + ".name", Code: "REQUIRED", Message: "stage name is required"})
		} else if stageNames[s.Name] {
			errs = append(errs, VError{Path: sp + ".name", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate stage name %q", s.Name)})
		}
		stageNames[s.Name] = true

		if s.Starting {
			starting++
		}
		if s.Terminal && i != len(def.Stages)-1 {
			errs = append(errs, VError{
				Path:    sp + ".terminal",
				Code:    "TERMINAL_NOT_LAST",
				Message: fmt.Sprintf("terminal stage %q must be the last stage; the stages after it are unreachable", s.ID),
			})
		}

		if i > 0 && s.Order <= def.Stages[i-1].Order {
			errs = append(errs, VError{
				Path:    sp + ".order",
				Code:    "NOT_MONOTONIC",
				Message: fmt.Sprintf("order %d must be greater than %d of the previous stage", s.Order, def.Stages[i-1].Order),
			})
		}

		if len(s.Roles) == 0 {
			errs = append(errs, VError{Path: sp + ".roles", Code: "REQUIRED", Message: "at least one role is required"})
		}
		if v.roles != nil {
			for j, r := range s.Roles {
				if _, ok := v.roles.Resolve(r); !ok {
					errs = append(errs, VError{
						Path:    fmt.Sprintf("%s.roles[%d]", sp, j),
						Code:    "UNKNOWN_ROLE",
						Message: fmt.Sprintf("role %q is not a known role token", r),
					})
				}
			}
		}

		for j, r := range s.Reviewers {
			if r == "" {
				errs = append(errs, VError{Path: fmt.Sprintf("%s.reviewers[%d]", sp, j), Code: "REQUIRED", Message: "reviewer id is required"})
			}
		}
	}

	switch {
	case starting == 0:
		errs = append(errs, VError{Path: prefix + ".stages", Code: "NO_STARTING_STAGE", Message: "exactly one stage must be marked starting, found none"})
	case starting > 1:
		errs = append(errs, VError{Path: prefix + ".stages", Code: "MULTIPLE_STARTING_STAGES", Message: fmt.Sprintf("exactly one stage must be marked starting, found %d", starting)})
	}

	if v.roles != nil {
		errs = append(errs, v.validateRoleList(prefix+".start_roles", def.StartRoles)...)
		errs = append(errs, v.validateRoleList(prefix+".reset_roles", def.ResetRoles)...)
		errs = append(errs, v.validateRoleList(prefix+".feedback_roles", def.FeedbackRoles)...)
	}

	return errs
}

func (v *Validator) validateRoleList(path string, roles []string) []VError {
	var errs []VError
	for i, r := range roles {
		if _, ok := v.roles.Resolve(r); !ok {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s[%d]", path, i),
				Code:    "UNKNOWN_ROLE",
				Message: fmt.Sprintf("role %q is not a known role token", r),
			})
		}
	}
	return errs
}

// ToError converts validation errors into a DEFINITION_ERROR envelope, or
// returns nil when there are none.
func ToError(errs []VError) error {
	if len(errs) == 0 {
		return nil
	}
	details := make([]model.FieldError, len(errs))
	for i, e := range errs {
		details[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return model.NewDefinitionError(
		fmt.Sprintf("invalid workflow definition: %d problem(s), first: %s", len(errs), errs[0].Error()),
		details,
	)
}
