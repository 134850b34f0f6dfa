// Package definition parses and validates workflow definitions, loads them
// from disk, and serves them from a registry with atomic snapshot swap.
package definition

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/docflow/model"
)

// Parse decodes a workflow definition from YAML or JSON and validates it.
// Any problem is reported as a DEFINITION_ERROR envelope listing every issue.
func Parse(raw []byte) (model.WorkflowDefinition, error) {
	return NewValidator(nil).Parse(raw)
}

// Parse decodes and validates raw using the validator's role checks.
func (v *Validator) Parse(raw []byte) (model.WorkflowDefinition, error) {
	def, err := decode(raw)
	if err != nil {
		return model.WorkflowDefinition{}, model.NewDefinitionError(
			fmt.Sprintf("malformed workflow definition: %v", err), nil,
		)
	}
	if err := ToError(v.ValidateWorkflow("workflow", def)); err != nil {
		return model.WorkflowDefinition{}, err
	}
	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(raw))
	return def, nil
}

// decode strictly decodes a YAML or JSON definition. Unknown keys are
// errors, so a misspelled key cannot silently drop a review gate.
func decode(raw []byte) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return model.WorkflowDefinition{}, errors.New("empty definition")
		}
		return model.WorkflowDefinition{}, err
	}
	return def, nil
}

// StageByID returns the stage with the given id.
func StageByID(def model.WorkflowDefinition, id string) (model.Stage, error) {
	for _, s := range def.Stages {
		if s.ID == id {
			return s, nil
		}
	}
	return model.Stage{}, model.NewNotFoundError(
		fmt.Sprintf("stage %q not found in workflow %q", id, def.ID),
	)
}

// StartingStage returns the stage marked starting. Validated definitions
// always have exactly one.
func StartingStage(def model.WorkflowDefinition) model.Stage {
	for _, s := range def.Stages {
		if s.Starting {
			return s
		}
	}
	return model.Stage{}
}

// NextStage returns the stage after currentID by order. It returns false
// when the current stage is terminal, is the last stage, or is unknown.
func NextStage(def model.WorkflowDefinition, currentID string) (model.Stage, bool) {
	for i, s := range def.Stages {
		if s.ID != currentID {
			continue
		}
		if s.Terminal || i == len(def.Stages)-1 {
			return model.Stage{}, false
		}
		return def.Stages[i+1], true
	}
	return model.Stage{}, false
}
