// Package dag builds the dependency graph for a plan's actions and
// schedules them into execution waves.
package dag

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError reports a dependency cycle and names its members.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Nodes, " -> "))
}

// Graph is a directed acyclic graph of action IDs. Edges point from a
// dependency to the actions that depend on it.
type Graph struct {
	order        []string
	successors   map[string][]string
	predecessors map[string][]string
}

// Build constructs a graph from node IDs and their dependency lists.
// A dependency on an unknown node is an error; cycles are detected lazily
// by Waves.
func Build(ids []string, dependsOn map[string][]string) (*Graph, error) {
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		if known[id] {
			return nil, fmt.Errorf("duplicate node %q", id)
		}
		known[id] = true
	}

	g := &Graph{
		order:        append([]string(nil), ids...),
		successors:   make(map[string][]string, len(ids)),
		predecessors: make(map[string][]string, len(ids)),
	}
	for _, id := range ids {
		for _, dep := range dependsOn[id] {
			if !known[dep] {
				return nil, fmt.Errorf("node %q depends on unknown node %q", id, dep)
			}
			g.successors[dep] = append(g.successors[dep], id)
			g.predecessors[id] = append(g.predecessors[id], dep)
		}
	}
	return g, nil
}

// Waves groups the nodes into execution waves using Kahn's algorithm.
// Every node in a wave has all of its dependencies satisfied by earlier
// waves. Nodes within a wave are sorted by ID for determinism.
func (g *Graph) Waves() ([][]string, error) {
	indegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indegree[id] = len(g.predecessors[id])
	}

	var ready []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	var waves [][]string
	placed := 0
	for len(ready) > 0 {
		sort.Strings(ready)
		wave := ready
		ready = nil
		waves = append(waves, wave)
		placed += len(wave)

		for _, id := range wave {
			for _, succ := range g.successors[id] {
				indegree[succ]--
				if indegree[succ] == 0 {
					ready = append(ready, succ)
				}
			}
		}
	}

	if placed != len(g.order) {
		return nil, &CycleError{Nodes: g.cycleMembers(indegree)}
	}
	return waves, nil
}

// Sequence flattens the graph into a single topological order, one node
// per wave. Used for sequential execution mode.
func (g *Graph) Sequence() ([][]string, error) {
	waves, err := g.Waves()
	if err != nil {
		return nil, err
	}
	var seq [][]string
	for _, wave := range waves {
		for _, id := range wave {
			seq = append(seq, []string{id})
		}
	}
	return seq, nil
}

// cycleMembers returns the nodes still holding a positive indegree after
// Kahn's algorithm stalls, in declaration order.
func (g *Graph) cycleMembers(indegree map[string]int) []string {
	var nodes []string
	for _, id := range g.order {
		if indegree[id] > 0 {
			nodes = append(nodes, id)
		}
	}
	return nodes
}

// Successors returns the nodes directly depending on id.
func (g *Graph) Successors(id string) []string {
	return append([]string(nil), g.successors[id]...)
}

// Predecessors returns the direct dependencies of id.
func (g *Graph) Predecessors(id string) []string {
	return append([]string(nil), g.predecessors[id]...)
}

// Ancestors returns every transitive dependency of id.
func (g *Graph) Ancestors(id string) []string {
	return g.walk(id, g.predecessors)
}

// Descendants returns every node transitively depending on id.
func (g *Graph) Descendants(id string) []string {
	return g.walk(id, g.successors)
}

// IsIndependent reports whether the node has no dependencies and no
// dependents.
func (g *Graph) IsIndependent(id string) bool {
	return len(g.predecessors[id]) == 0 && len(g.successors[id]) == 0
}

func (g *Graph) walk(start string, edges map[string][]string) []string {
	seen := make(map[string]bool)
	stack := append([]string(nil), edges[start]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, edges[id]...)
	}
	out := make([]string, 0, len(seen))
	for _, id := range g.order {
		if seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the node count.
func (g *Graph) Len() int { return len(g.order) }
