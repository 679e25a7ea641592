package form

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BTreeMap/ResearchPipe/internal/models"
)

// DependencyGraph maps a field id to the ids of the fields that depend on it, sorted.
type DependencyGraph map[string][]string

// BuildDependencyGraph inverts each field's dependsOn list. It does not detect
// cycles; see CheckDependencyCycles.
func BuildDependencyGraph(fields []models.FormField) DependencyGraph {
	sets := make(map[string]map[string]struct{})
	for _, f := range fields {
		for _, dep := range f.DependsOn {
			if sets[dep] == nil {
				sets[dep] = make(map[string]struct{})
			}
			sets[dep][f.ID] = struct{}{}
		}
	}

	graph := make(DependencyGraph, len(sets))
	for dep, dependents := range sets {
		ids := make([]string, 0, len(dependents))
		for id := range dependents {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		graph[dep] = ids
	}
	return graph
}

// AffectedFields returns every field whose visibility or validation may change
// when fieldID changes, in breadth-first order. The changed field is excluded.
func AffectedFields(graph DependencyGraph, fieldID string) []string {
	seen := map[string]bool{fieldID: true}
	queue := []string{fieldID}
	var out []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range graph[current] {
			if seen[next] {
				continue
			}
			seen[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	return out
}

// CheckDependencyCycles fails fast with the first dependsOn cycle found.
func CheckDependencyCycles(fields []models.FormField) error {
	deps := make(map[string][]string, len(fields))
	ids := make([]string, 0, len(fields))
	for _, f := range fields {
		deps[f.ID] = f.DependsOn
		ids = append(ids, f.ID)
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(fields))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			start := 0
			for i, p := range path {
				if p == id {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), id)
			return fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> "))
		case done:
			return nil
		}
		state[id] = visiting
		path = append(path, id)
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return nil
	}

	for _, id := range ids {
		if state[id] == unvisited {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
