package scheduler

// node is one entry in a DependencyGraph.
type node struct {
	task       *Task
	deps       map[string]struct{}
	dependents map[string]struct{}
}

// DependencyGraph holds the dependency structure of a task set. The
// forward edges (deps) are the authoritative data; the dependents index
// is rebuilt from them and exists only for reverse traversal, never as a
// second source of truth.
//
// Building the graph is pure bookkeeping: unknown references and cycles
// are detected by the Resolver, not at insertion time.
type DependencyGraph struct {
	nodes map[string]*node
	order []string // insertion order of task IDs
}

// buildGraph constructs a graph from a task set.
func buildGraph(tasks *TaskSet) *DependencyGraph {
	g := &DependencyGraph{
		nodes: make(map[string]*node, tasks.Len()),
		order: tasks.IDs(),
	}
	for _, t := range tasks.Tasks() {
		n := &node{
			task:       t,
			deps:       make(map[string]struct{}, len(t.Dependencies)),
			dependents: make(map[string]struct{}),
		}
		for _, dep := range t.Dependencies {
			n.deps[dep] = struct{}{}
		}
		g.nodes[t.ID] = n
	}
	// Rebuild the reverse index from the forward edges.
	for id, n := range g.nodes {
		for dep := range n.deps {
			if dn, ok := g.nodes[dep]; ok {
				dn.dependents[id] = struct{}{}
			}
		}
	}
	return g
}

// checkReferences verifies every declared dependency exists in the
// graph. The first missing reference (in insertion order) is returned
// as a MissingDependencyError with typo suggestions.
func (g *DependencyGraph) checkReferences() error {
	for _, id := range g.order {
		n := g.nodes[id]
		for _, dep := range n.task.Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				return &MissingDependencyError{
					TaskID:      id,
					Dependency:  dep,
					Suggestions: suggestSimilar(dep, g.order),
				}
			}
		}
	}
	return nil
}

// findCycle locates one dependency cycle via DFS with an explicit
// recursion stack and returns its path, closed (first == last).
// Returns nil if the graph is acyclic.
func (g *DependencyGraph) findCycle() []string {
	const (
		unvisited = iota
		inStack
		done
	)
	state := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = inStack
		stack = append(stack, id)
		n := g.nodes[id]
		for _, dep := range n.task.Dependencies {
			switch state[dep] {
			case inStack:
				// Found a back edge: slice the stack from the first
				// occurrence of dep and close the loop.
				for i, sid := range stack {
					if sid == dep {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range g.order {
		if state[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// dependentsOf returns the transitive closure over the dependents
// relation: every task that directly or indirectly depends on id.
func (g *DependencyGraph) dependentsOf(id string) map[string]struct{} {
	impacted := make(map[string]struct{})
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		n, ok := g.nodes[cur]
		if !ok {
			continue
		}
		for dep := range n.dependents {
			if _, seen := impacted[dep]; !seen {
				impacted[dep] = struct{}{}
				queue = append(queue, dep)
			}
		}
	}
	return impacted
}

// closureOf returns id plus its transitive dependencies.
func (g *DependencyGraph) closureOf(id string) map[string]struct{} {
	closure := map[string]struct{}{id: {}}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		n, ok := g.nodes[cur]
		if !ok {
			continue
		}
		for _, dep := range n.task.Dependencies {
			if _, seen := closure[dep]; !seen {
				closure[dep] = struct{}{}
				queue = append(queue, dep)
			}
		}
	}
	return closure
}
