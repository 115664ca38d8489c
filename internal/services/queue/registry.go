package queue

import (
	"fmt"
	"sort"

	"github.com/bobmcallan/jobd/internal/interfaces"
	"github.com/bobmcallan/jobd/internal/models"
)

// Definition binds a job type on a queue to its schemas and handler.
// Input is checked at submission; Output documents the result shape and is
// not enforced at runtime.
type Definition struct {
	Queue   string
	Type    string
	Input   interfaces.Schema
	Output  interfaces.Schema
	Handler interfaces.JobHandler
}

// Registry holds the job type definitions, immutable after construction.
type Registry struct {
	defs map[string]map[string]Definition // queue -> type -> definition
}

// NewRegistry builds a registry from definitions. A (queue, type) pair may
// appear only once.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]map[string]Definition)}
	for _, def := range defs {
		if def.Queue == "" || def.Type == "" {
			return nil, fmt.Errorf("definition requires queue and type, got %q/%q", def.Queue, def.Type)
		}
		if def.Handler == nil {
			return nil, fmt.Errorf("definition %s/%s has no handler", def.Queue, def.Type)
		}

		types, ok := r.defs[def.Queue]
		if !ok {
			types = make(map[string]Definition)
			r.defs[def.Queue] = types
		}
		if _, exists := types[def.Type]; exists {
			return nil, fmt.Errorf("%s/%s: %w", def.Queue, def.Type, models.ErrDuplicateHandler)
		}
		types[def.Type] = def
	}
	return r, nil
}

// Lookup resolves the definition for a job type on a queue.
func (r *Registry) Lookup(queue, jobType string) (Definition, bool) {
	def, ok := r.defs[queue][jobType]
	return def, ok
}

// TypesFor returns the registered job types for a queue, sorted.
func (r *Registry) TypesFor(queue string) []string {
	types := make([]string, 0, len(r.defs[queue]))
	for t := range r.defs[queue] {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
