package definition

import (
	"strings"
	"testing"

	"github.com/pitabwire/docflow/model"
)

const twoStageYAML = `
id: two-stage
name: Two Stage
version: "1"
stages:
  - id: S1
    name: Prepare
    order: 1
    roles: [AO]
    starting: true
  - id: S2
    name: Approve
    order: 2
    roles: [PCM]
    terminal: true
`

func TestParse_valid(t *testing.T) {
	def, err := Parse([]byte(twoStageYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if def.ID != "two-stage" {
		t.Errorf("ID = %q, want two-stage", def.ID)
	}
	if len(def.Stages) != 2 {
		t.Fatalf("Stages = %d, want 2", len(def.Stages))
	}
	if !def.Stages[1].Terminal {
		t.Error("S2 should be terminal")
	}
	if def.Checksum == "" {
		t.Error("Checksum should be set")
	}
}

func TestParse_json(t *testing.T) {
	raw := `{"id":"j","name":"J","version":"1","stages":[{"id":"a","name":"A","order":1,"roles":["PCM"],"starting":true}]}`
	def, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if def.Stages[0].ID != "a" {
		t.Errorf("Stages[0].ID = %q, want a", def.Stages[0].ID)
	}
}

func TestParse_rejects(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantCode string
	}{
		{
			name: "duplicate stage id",
			raw: `id: w
name: W
stages:
  - {id: a, name: A, order: 1, roles: [PCM], starting: true}
  - {id: a, name: B, order: 2, roles: [PCM]}`,
			wantCode: "DUPLICATE",
		},
		{
			name: "duplicate stage name",
			raw: `id: w
name: W
stages:
  - {id: a, name: A, order: 1, roles: [PCM], starting: true}
  - {id: b, name: A, order: 2, roles: [PCM]}`,
			wantCode: "DUPLICATE",
		},
		{
			name: "no starting stage",
			raw: `id: w
name: W
stages:
  - {id: a, name: A, order: 1, roles: [PCM]}`,
			wantCode: "NO_STARTING_STAGE",
		},
		{
			name: "multiple starting stages",
			raw: `id: w
name: W
stages:
  - {id: a, name: A, order: 1, roles: [PCM], starting: true}
  - {id: b, name: B, order: 2, roles: [PCM], starting: true}`,
			wantCode: "MULTIPLE_STARTING_STAGES",
		},
		{
			name: "non-monotonic order",
			raw: `id: w
name: W
stages:
  - {id: a, name: A, order: 2, roles: [PCM], starting: true}
  - {id: b, name: B, order: 2, roles: [PCM]}`,
			wantCode: "NOT_MONOTONIC",
		},
		{
			name: "stage without roles",
			raw: `id: w
name: W
stages:
  - {id: a, name: A, order: 1, starting: true}`,
			wantCode: "REQUIRED",
		},
		{
			name: "terminal stage before the last",
			raw: `id: w
name: W
stages:
  - {id: a, name: A, order: 1, roles: [PCM], starting: true}
  - {id: b, name: B, order: 2, roles: [PCM], terminal: true}
  - {id: c, name: C, order: 3, roles: [PCM]}`,
			wantCode: "TERMINAL_NOT_LAST",
		},
		{
			name:     "no stages",
			raw:      "id: w\nname: W\n",
			wantCode: "REQUIRED",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			if !model.IsCode(err, model.ErrDefinition) {
				t.Fatalf("Parse() error = %v, want DEFINITION_ERROR", err)
			}
			env := err.(*model.ErrorEnvelope)
			found := false
			for _, d := range env.Details {
				if d.Code == tt.wantCode {
					found = true
				}
			}
			if !found {
				t.Errorf("Details = %+v, want a %s entry", env.Details, tt.wantCode)
			}
		})
	}
}

func TestParse_malformed(t *testing.T) {
	_, err := Parse([]byte("stages: [unterminated"))
	if !model.IsCode(err, model.ErrDefinition) {
		t.Fatalf("Parse() error = %v, want DEFINITION_ERROR", err)
	}
}

func TestParse_unknownKey(t *testing.T) {
	raw := `id: w
name: W
stages:
  - id: a
    name: A
    order: 1
    roles: [PCM]
    starting: true
    distributed_reveiw: true`
	_, err := Parse([]byte(raw))
	if !model.IsCode(err, model.ErrDefinition) {
		t.Fatalf("Parse() error = %v, want DEFINITION_ERROR", err)
	}
	if !strings.Contains(err.Error(), "distributed_reveiw") {
		t.Errorf("error %q should name the unknown key", err)
	}
}

func TestParse_empty(t *testing.T) {
	_, err := Parse(nil)
	if !model.IsCode(err, model.ErrDefinition) {
		t.Fatalf("Parse(nil) error = %v, want DEFINITION_ERROR", err)
	}
}

func TestParse_reportsEveryProblem(t *testing.T) {
	raw := `id: w
name: W
stages:
  - {id: a, name: A, order: 3, roles: [PCM]}
  - {id: a, name: A, order: 1}`
	_, err := Parse([]byte(raw))
	env, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("Parse() error = %T, want *ErrorEnvelope", err)
	}
	// duplicate id, duplicate name, order, roles, no starting stage
	if len(env.Details) != 5 {
		t.Errorf("Details = %d, want 5: %+v", len(env.Details), env.Details)
	}
}

type fakeRoles map[string]model.Role

func (f fakeRoles) Resolve(raw string) (model.Role, bool) {
	r, ok := f[raw]
	return r, ok
}

func TestValidator_unknownRole(t *testing.T) {
	v := NewValidator(fakeRoles{"AO": model.RoleActionOfficer})
	_, err := v.Parse([]byte(twoStageYAML))
	env, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("Parse() error = %v, want envelope", err)
	}
	if len(env.Details) != 1 || env.Details[0].Code != "UNKNOWN_ROLE" {
		t.Errorf("Details = %+v, want single UNKNOWN_ROLE", env.Details)
	}
	if env.Details[0].Field != "workflow.stages[1].roles[0]" {
		t.Errorf("Field = %q", env.Details[0].Field)
	}
}

func TestValidator_duplicateWorkflowIDs(t *testing.T) {
	def, err := Parse([]byte(twoStageYAML))
	if err != nil {
		t.Fatal(err)
	}
	errs := NewValidator(nil).Validate([]model.WorkflowDefinition{def, def})
	if len(errs) != 1 || errs[0].Code != "DUPLICATE" {
		t.Errorf("Validate() = %+v, want one DUPLICATE", errs)
	}
}

func TestToError_empty(t *testing.T) {
	if err := ToError(nil); err != nil {
		t.Errorf("ToError(nil) = %v, want nil", err)
	}
}

func TestStageLookups(t *testing.T) {
	def, err := Parse([]byte(twoStageYAML))
	if err != nil {
		t.Fatal(err)
	}

	if s := StartingStage(def); s.ID != "S1" {
		t.Errorf("StartingStage() = %q, want S1", s.ID)
	}

	s, err := StageByID(def, "S2")
	if err != nil || s.Name != "Approve" {
		t.Errorf("StageByID(S2) = %+v, %v", s, err)
	}
	if _, err := StageByID(def, "S9"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("StageByID(S9) error = %v, want NOT_FOUND", err)
	}

	next, ok := NextStage(def, "S1")
	if !ok || next.ID != "S2" {
		t.Errorf("NextStage(S1) = %q, %v, want S2", next.ID, ok)
	}
	if _, ok := NextStage(def, "S2"); ok {
		t.Error("NextStage(terminal) should report none")
	}
	if _, ok := NextStage(def, "S9"); ok {
		t.Error("NextStage(unknown) should report none")
	}
}

// Validated definitions never place a terminal stage early; NextStage
// still refuses to step past one.
func TestNextStage_terminalBeforeLast(t *testing.T) {
	def := model.WorkflowDefinition{
		Stages: []model.Stage{
			{ID: "a", Order: 1, Starting: true},
			{ID: "b", Order: 2, Terminal: true},
			{ID: "c", Order: 3},
		},
	}
	if _, ok := NextStage(def, "b"); ok {
		t.Error("terminal stage must not have a forward transition")
	}
}
