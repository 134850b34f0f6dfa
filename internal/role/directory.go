package role

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/docflow/model"
)

type directoryFile struct {
	Actors map[string]string `yaml:"actors"`
}

// StaticDirectory resolves actors to raw role strings from a static YAML file
// mapping actor ids to roles.
type StaticDirectory struct {
	path   string
	mu     sync.RWMutex
	actors map[string]string
}

// NewStaticDirectory creates a directory that loads actors from path.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewMapDirectory creates a directory over an in-memory actor map.
func NewMapDirectory(actors map[string]string) *StaticDirectory {
	m := make(map[string]string, len(actors))
	for k, v := range actors {
		m[k] = v
	}
	return &StaticDirectory{actors: m}
}

// RoleOf returns the raw role recorded for actorID.
func (d *StaticDirectory) RoleOf(_ context.Context, actorID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.actors[actorID]
	if !ok {
		return "", model.NewNotFoundError(fmt.Sprintf("actor %q not found in directory", actorID))
	}
	return r, nil
}

// Set records or replaces the role of an actor.
func (d *StaticDirectory) Set(actorID, role string) {
	d.mu.Lock()
	d.actors[actorID] = role
	d.mu.Unlock()
}

// Sync reloads the directory file from disk. Directories created with
// NewMapDirectory have no file and Sync is a no-op.
func (d *StaticDirectory) Sync() error {
	if d.path == "" {
		return nil
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("role: reading directory file %s: %w", d.path, err)
	}

	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("role: parsing directory file %s: %w", d.path, err)
	}
	if f.Actors == nil {
		f.Actors = map[string]string{}
	}

	d.mu.Lock()
	d.actors = f.Actors
	d.mu.Unlock()

	return nil
}

type aliasFile struct {
	Aliases map[string][]string `yaml:"aliases"`
}

// LoadAliases reads an alias file and merges it over DefaultAliases. An
// empty path returns the defaults.
func LoadAliases(path string) (map[string][]string, error) {
	aliases := DefaultAliases()
	if path == "" {
		return aliases, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("role: reading alias file %s: %w", path, err)
	}
	var f aliasFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("role: parsing alias file %s: %w", path, err)
	}
	for canonical, names := range f.Aliases {
		aliases[canonical] = append(aliases[canonical], names...)
	}
	return aliases, nil
}
