// Package scheduler models tasks, their dependency graph, and the
// resolution of that graph into deterministic execution plans.
package scheduler

import (
	"fmt"

	"github.com/gammazero/toposort"
)

// ParallelGroup is one level of a dependency-ordered execution plan.
// Every task in a level has all of its dependencies satisfied by
// strictly earlier levels, so tasks within a level may run concurrently.
type ParallelGroup struct {
	Level int
	Tasks []*Task
}

// Resolver turns task sets into execution plans.
//
// Determinism contract: when several tasks are simultaneously eligible
// (zero remaining in-degree), they are emitted in the insertion order of
// the input TaskSet. This is deliberate, documented behavior so that
// build plans are reproducible run to run.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve validates the task set and returns a topological ordering.
//
// Validation happens in two passes: unknown dependency references fail
// with a MissingDependencyError (including typo suggestions), then a
// toposort pre-check catches cycles cheaply and a DFS extracts the
// actual cycle path for the CircularDependencyError.
func (r *Resolver) Resolve(tasks *TaskSet) ([]*Task, error) {
	g := buildGraph(tasks)
	if err := g.checkReferences(); err != nil {
		return nil, err
	}
	if err := verifyAcyclic(g); err != nil {
		return nil, err
	}
	return kahnSort(g), nil
}

// verifyAcyclic runs toposort as a fast validity check; on failure the
// DFS walk recovers the concrete cycle so the error can name it.
func verifyAcyclic(g *DependencyGraph) error {
	var edges []toposort.Edge
	for _, id := range g.order {
		n := g.nodes[id]
		if len(n.task.Dependencies) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range n.task.Dependencies {
			edges = append(edges, toposort.Edge{dep, id})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		cycle := g.findCycle()
		if cycle == nil {
			// Should not happen; fall back to the library error.
			return fmt.Errorf("dependency graph contains cycle: %w", err)
		}
		return &CircularDependencyError{Cycle: cycle}
	}
	return nil
}

// kahnSort performs Kahn's algorithm over an already-validated graph.
// Eligible tasks are drained in insertion order (see Resolver docs).
func kahnSort(g *DependencyGraph) []*Task {
	indegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		indegree[id] = len(g.nodes[id].deps)
	}

	// ready is kept in insertion order: the initial scan walks g.order,
	// and newly-freed tasks are appended in the order their last
	// dependency completed, then re-sorted by insertion rank.
	rank := make(map[string]int, len(g.order))
	for i, id := range g.order {
		rank[id] = i
	}

	var ready []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	sorted := make([]*Task, 0, len(g.nodes))
	for len(ready) > 0 {
		// Extract the eligible task with the smallest insertion rank.
		best := 0
		for i := 1; i < len(ready); i++ {
			if rank[ready[i]] < rank[ready[best]] {
				best = i
			}
		}
		id := ready[best]
		ready = append(ready[:best], ready[best+1:]...)

		sorted = append(sorted, g.nodes[id].task.Clone())
		for dep := range g.nodes[id].dependents {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return sorted
}

// ParallelGroups partitions the task set into dependency levels via BFS
// from the root tasks. A task's level is 1 + the maximum level of its
// dependencies; tasks sharing a level are safe to run concurrently.
// Within each level, tasks appear in insertion order.
func (r *Resolver) ParallelGroups(tasks *TaskSet) ([]ParallelGroup, error) {
	order, err := r.Resolve(tasks)
	if err != nil {
		return nil, err
	}

	level := make(map[string]int, len(order))
	maxLevel := 0
	for _, t := range order {
		l := 0
		for _, dep := range t.Dependencies {
			if dl := level[dep]; dl+1 > l {
				l = dl + 1
			}
		}
		level[t.ID] = l
		if l > maxLevel {
			maxLevel = l
		}
	}

	groups := make([]ParallelGroup, maxLevel+1)
	for i := range groups {
		groups[i].Level = i
	}
	// Walk insertion order so each level lists tasks deterministically.
	for _, id := range tasks.IDs() {
		t, _ := tasks.Get(id)
		l := level[id]
		groups[l].Tasks = append(groups[l].Tasks, t.Clone())
	}
	return groups, nil
}

// BuildPath returns the minimal plan for one target: the target plus
// its transitive dependencies, topologically sorted. Used for
// incremental rebuilds where the full plan would be wasteful.
func (r *Resolver) BuildPath(target string, tasks *TaskSet) ([]*Task, error) {
	if _, ok := tasks.Get(target); !ok {
		return nil, &MissingDependencyError{
			TaskID:      target,
			Dependency:  target,
			Suggestions: suggestSimilar(target, tasks.IDs()),
		}
	}

	order, err := r.Resolve(tasks)
	if err != nil {
		return nil, err
	}

	g := buildGraph(tasks)
	closure := g.closureOf(target)

	path := make([]*Task, 0, len(closure))
	for _, t := range order {
		if _, ok := closure[t.ID]; ok {
			path = append(path, t)
		}
	}
	return path, nil
}

// AnalyzeImpact returns the IDs of every task that transitively depends
// on the changed task, i.e. everything that must be re-validated after
// it changes. The changed task itself is not included.
func (r *Resolver) AnalyzeImpact(changed string, tasks *TaskSet) (map[string]struct{}, error) {
	if _, ok := tasks.Get(changed); !ok {
		return nil, &MissingDependencyError{
			TaskID:      changed,
			Dependency:  changed,
			Suggestions: suggestSimilar(changed, tasks.IDs()),
		}
	}
	g := buildGraph(tasks)
	return g.dependentsOf(changed), nil
}
