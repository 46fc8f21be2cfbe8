package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/casevia/flowtrace/internal/observability"
	"github.com/casevia/flowtrace/model"
)

// snapshot is an immutable view of all loaded workflows indexed by ID.
type snapshot struct {
	workflows map[string]Definition
	checksum  string
}

// Registry is a read-optimized, thread-safe store of loaded workflow
// definitions. It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap    atomic.Pointer[snapshot]
	metrics *observability.Metrics
}

// NewRegistry creates a Registry from the given definitions. The metrics
// handle may be nil.
func NewRegistry(defs []Definition, metrics *observability.Metrics) *Registry {
	r := &Registry{metrics: metrics}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions. A later definition wins on duplicate IDs.
func (r *Registry) Replace(defs []Definition) {
	s := &snapshot{
		workflows: make(map[string]Definition, len(defs)),
	}

	var checksumParts []string
	for _, def := range defs {
		s.workflows[def.Workflow.ID] = def
		checksumParts = append(checksumParts, def.Checksum)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
	r.metrics.SetDefinitionsLoaded(float64(len(s.workflows)))
	r.metrics.RecordDefinitionReload("ok")
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Workflow returns the workflow with the given ID.
func (r *Registry) Workflow(id string) (*model.Workflow, bool) {
	def, ok := r.current().workflows[id]
	if !ok {
		return nil, false
	}
	return def.Workflow, true
}

// Definition returns the full definition, provenance included, for the given
// workflow ID.
func (r *Registry) Definition(id string) (Definition, bool) {
	def, ok := r.current().workflows[id]
	return def, ok
}

// All returns every loaded workflow, ordered by ID.
func (r *Registry) All() []*model.Workflow {
	s := r.current()
	ids := make([]string, 0, len(s.workflows))
	for id := range s.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*model.Workflow, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.workflows[id].Workflow)
	}
	return out
}

// Len returns the number of loaded workflows.
func (r *Registry) Len() int {
	return len(r.current().workflows)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
