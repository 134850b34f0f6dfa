package definition

import (
	"crypto/sha256"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/docflow/model"
)

type revisionKey struct {
	workflowID string
	checksum   string
}

// snapshot is an immutable collection of workflow definitions indexed by ID.
// revisions holds every definition any snapshot of the registry published.
type snapshot struct {
	workflows map[string]model.WorkflowDefinition
	revisions map[revisionKey]model.WorkflowDefinition
	checksum  string
}

// Registry is a read-optimized, thread-safe store of all loaded workflow
// definitions. It uses atomic pointer swap for lock-free concurrent reads;
// definitions already handed out are never mutated. Published revisions stay
// resolvable after a reload replaces them.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.WorkflowDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions. Callers validate the set first. Definitions
// without a checksum get one computed from their content.
func (r *Registry) Replace(defs []model.WorkflowDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &snapshot{
		workflows: make(map[string]model.WorkflowDefinition, len(defs)),
		revisions: make(map[revisionKey]model.WorkflowDefinition),
	}
	if prev := r.snap.Load(); prev != nil {
		maps.Copy(s.revisions, prev.revisions)
	}

	checksumParts := make([]string, 0, len(defs))
	for _, def := range defs {
		if def.Checksum == "" {
			def.Checksum = contentChecksum(def)
		}
		s.workflows[def.ID] = def
		s.revisions[revisionKey{def.ID, def.Checksum}] = def
		checksumParts = append(checksumParts, def.Checksum)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the workflow definition with the given ID.
func (r *Registry) Get(workflowID string) (model.WorkflowDefinition, bool) {
	w, ok := r.current().workflows[workflowID]
	return w, ok
}

// Revision returns the definition of workflowID published with checksum,
// even when a later reload replaced it. An empty checksum means the current
// definition.
func (r *Registry) Revision(workflowID, checksum string) (model.WorkflowDefinition, bool) {
	if checksum == "" {
		return r.Get(workflowID)
	}
	w, ok := r.current().revisions[revisionKey{workflowID, checksum}]
	return w, ok
}

// MustGet returns the workflow definition or a NOT_FOUND envelope.
func (r *Registry) MustGet(workflowID string) (model.WorkflowDefinition, error) {
	w, ok := r.Get(workflowID)
	if !ok {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", workflowID),
		)
	}
	return w, nil
}

// All returns every workflow definition sorted by id.
func (r *Registry) All() []model.WorkflowDefinition {
	s := r.current()
	defs := make([]model.WorkflowDefinition, 0, len(s.workflows))
	for _, d := range s.workflows {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Len returns the number of loaded workflows.
func (r *Registry) Len() int {
	return len(r.current().workflows)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

func contentChecksum(def model.WorkflowDefinition) string {
	raw, err := yaml.Marshal(def)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(raw))
}
