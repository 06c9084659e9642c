package migration

import (
	"fmt"

	"github.com/macaw2000/taskforge/taskerr"
)

// Registry holds the known schema steps and plans chains between
// arbitrary versions.
type Registry struct {
	defs []*Definition
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a schema step. Duplicate from→to edges are rejected.
func (r *Registry) Register(def *Definition) error {
	if def.Forward == nil {
		return taskerr.New(taskerr.CodeValMissingField, "migration has no forward transformer")
	}
	if def.FromVersion == def.ToVersion {
		return taskerr.New(taskerr.CodeValBadEnum, "migration from and to versions are equal")
	}
	for _, existing := range r.defs {
		if existing.FromVersion == def.FromVersion && existing.ToVersion == def.ToVersion {
			return taskerr.New(taskerr.CodePerMigrationConflict,
				fmt.Sprintf("edge %d→%d already registered", def.FromVersion, def.ToVersion))
		}
	}
	r.defs = append(r.defs, def)
	return nil
}

// Definitions returns the registered steps.
func (r *Registry) Definitions() []*Definition {
	return append([]*Definition(nil), r.defs...)
}

// Plan walks the from→to edges and returns the chain of steps moving
// a queue from source to target. No path surfaces PER_PLAN_IMPOSSIBLE.
func (r *Registry) Plan(from, to int) ([]*Definition, error) {
	if from == to {
		return nil, nil
	}

	// Breadth-first walk over version nodes; shortest chain wins.
	type node struct {
		version int
		chain   []*Definition
	}
	visited := map[int]bool{from: true}
	frontier := []node{{version: from}}

	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for _, def := range r.defs {
			if def.FromVersion != next.version || visited[def.ToVersion] {
				continue
			}
			chain := append(append([]*Definition(nil), next.chain...), def)
			if def.ToVersion == to {
				return chain, nil
			}
			visited[def.ToVersion] = true
			frontier = append(frontier, node{version: def.ToVersion, chain: chain})
		}
	}
	return nil, taskerr.New(taskerr.CodePerPlanImpossible,
		fmt.Sprintf("no migration chain from schema %d to %d", from, to))
}
