package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pitabwire/docflow/model"
)

// Loader scans directories for workflow definition files, parses them, and
// computes SHA-256 checksums. Parsing only decodes; validation is a separate
// step so a whole set can be checked at once.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// IsDefinitionFile reports whether path has a definition file extension.
func IsDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadAll recursively scans directories for *.yaml, *.yml and *.json files
// and parses each into a WorkflowDefinition.
func (l *Loader) LoadAll(directories []string) ([]model.WorkflowDefinition, error) {
	var defs []model.WorkflowDefinition

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !IsDefinitionFile(path) {
				return nil
			}

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile loads and parses a single definition file. It computes the
// SHA-256 checksum and records the source file path.
func (l *Loader) LoadFile(path string) (model.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	def, err := decode(data)
	if err != nil {
		return model.WorkflowDefinition{}, model.NewDefinitionError(
			fmt.Sprintf("parsing %s: %v", path, err), nil,
		)
	}

	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	def.SourceFile = path

	return def, nil
}

// LoadAndValidate loads every definition under directories and validates
// the set. It returns a DEFINITION_ERROR when any definition is invalid so
// that a broken set is never served.
func LoadAndValidate(directories []string, v *Validator) ([]model.WorkflowDefinition, error) {
	defs, err := NewLoader().LoadAll(directories)
	if err != nil {
		return nil, err
	}
	if err := ToError(v.Validate(defs)); err != nil {
		return nil, err
	}
	return defs, nil
}
