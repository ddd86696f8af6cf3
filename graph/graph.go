// Package graph validates a task handler's step templates into a dependency
// DAG and derives the ordering metadata the engine persists at task creation.
package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/c360studio/taskgraph/workflow"
)

// Graph is a validated step dependency DAG. Nodes are step template names.
// All methods are safe for concurrent use.
type Graph struct {
	mu         sync.RWMutex
	templates  map[string]*workflow.StepTemplate
	parents    map[string][]string // direct dependencies of a step
	dependents map[string][]string // steps that depend on this step
	inDegree   map[string]int
}

// New builds a Graph from a template set. It fails with an
// *workflow.InvalidWorkflowError when a template depends on an undeclared
// step or the edge set contains a cycle.
func New(templates []workflow.StepTemplate) (*Graph, error) {
	g := &Graph{
		templates:  make(map[string]*workflow.StepTemplate, len(templates)),
		parents:    make(map[string][]string, len(templates)),
		dependents: make(map[string][]string, len(templates)),
		inDegree:   make(map[string]int, len(templates)),
	}

	for i := range templates {
		t := &templates[i]
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, exists := g.templates[t.Name]; exists {
			return nil, &workflow.ValidationError{
				Field:   "step_templates",
				Message: fmt.Sprintf("duplicate step name %s", t.Name),
			}
		}
		g.templates[t.Name] = t
		g.inDegree[t.Name] = 0
	}

	for _, t := range templates {
		for _, dep := range t.Dependencies() {
			if _, exists := g.templates[dep]; !exists {
				return nil, workflow.NewUnknownDependencyError(t.Name, dep)
			}
			g.parents[t.Name] = append(g.parents[t.Name], dep)
			g.dependents[dep] = append(g.dependents[dep], t.Name)
			g.inDegree[t.Name]++
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	return g, nil
}

// detectCycles runs Kahn's algorithm over a copy of the in-degree map; any
// node left unordered is part of a cycle.
func (g *Graph) detectCycles() error {
	tempDegree := make(map[string]int, len(g.inDegree))
	for name, deg := range g.inDegree {
		tempDegree[name] = deg
	}

	var queue []string
	for name, deg := range tempDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	processed := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		processed++

		for _, dep := range g.dependents[name] {
			tempDegree[dep]--
			if tempDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed != len(g.templates) {
		return workflow.NewCycleError(
			fmt.Sprintf("%d steps could not be ordered", len(g.templates)-processed))
	}

	return nil
}

// Size returns the number of steps in the graph.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.templates)
}

// EdgeCount returns the number of dependency edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	count := 0
	for _, deps := range g.parents {
		count += len(deps)
	}
	return count
}

// Template returns the template for a step name.
func (g *Graph) Template(name string) (*workflow.StepTemplate, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.templates[name]
	return t, ok
}

// Names returns all step names sorted alphabetically.
func (g *Graph) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.templates))
	for name := range g.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParentsOf returns the direct dependencies of a step.
func (g *Graph) ParentsOf(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.parents[name]...)
}

// ChildrenOf returns the steps that directly depend on a step.
func (g *Graph) ChildrenOf(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[name]...)
}

// Roots returns the steps with no dependencies, sorted alphabetically.
func (g *Graph) Roots() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var roots []string
	for name, deg := range g.inDegree {
		if deg == 0 {
			roots = append(roots, name)
		}
	}
	sort.Strings(roots)
	return roots
}

// Leaves returns the steps nothing depends on, sorted alphabetically.
func (g *Graph) Leaves() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var leaves []string
	for name := range g.templates {
		if len(g.dependents[name]) == 0 {
			leaves = append(leaves, name)
		}
	}
	sort.Strings(leaves)
	return leaves
}

// Levels computes each step's dependency level: the length of the longest
// path from any root. Roots are level 0. Levels are ordering metadata only;
// runtime readiness is decided by the persistence layer.
func (g *Graph) Levels() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	levels := make(map[string]int, len(g.templates))
	for _, name := range g.topologicalOrderLocked() {
		level := 0
		for _, parent := range g.parents[name] {
			if levels[parent]+1 > level {
				level = levels[parent] + 1
			}
		}
		levels[name] = level
	}
	return levels
}

// TopologicalOrder returns the step names in dependency order. Ties are
// broken alphabetically so the order is stable for introspection output.
func (g *Graph) TopologicalOrder() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.topologicalOrderLocked()
}

func (g *Graph) topologicalOrderLocked() []string {
	tempDegree := make(map[string]int, len(g.inDegree))
	for name, deg := range g.inDegree {
		tempDegree[name] = deg
	}

	var queue []string
	for name, deg := range tempDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(g.templates))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)

		var unblocked []string
		for _, dep := range g.dependents[name] {
			tempDegree[dep]--
			if tempDegree[dep] == 0 {
				unblocked = append(unblocked, dep)
			}
		}
		sort.Strings(unblocked)
		queue = append(queue, unblocked...)
	}

	return order
}
