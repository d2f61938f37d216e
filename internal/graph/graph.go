// Package graph models task dependencies as a directed acyclic graph and
// answers the scheduling questions the lifecycle manager asks: which
// tasks are ready, what depends on a task, and whether an edit would
// introduce a cycle.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrCycleDetected indicates a circular dependency in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// Graph is a dependency graph over task ids. Edges point from a task to
// the tasks it depends on.
type Graph struct {
	mu sync.RWMutex
	// edges maps task id to the ids it depends on.
	edges map[string][]string
	// done tracks tasks whose dependents no longer wait on them.
	done map[string]bool
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		edges: make(map[string][]string),
		done:  make(map[string]bool),
	}
}

// Build constructs the graph from a full id→dependencies map, replacing
// any prior contents. Dependencies on ids absent from the map are kept
// as dangling edges (the dependency may live in another batch); cycles
// are rejected.
func Build(deps map[string][]string) (*Graph, error) {
	g := New()
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, depIDs := range deps {
		g.edges[id] = append([]string(nil), depIDs...)
	}
	if cycle := g.findCycleLocked(); cycle != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycleDetected, cycle)
	}
	return g, nil
}

// SetDependencies replaces one task's dependency list, rejecting the
// edit when it would close a cycle.
func (g *Graph) SetDependencies(id string, depIDs []string) error {
	if id == "" {
		return errors.New("task id is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	prev, had := g.edges[id]
	g.edges[id] = append([]string(nil), depIDs...)
	if cycle := g.findCycleLocked(); cycle != nil {
		if had {
			g.edges[id] = prev
		} else {
			delete(g.edges, id)
		}
		return fmt.Errorf("%w: %v", ErrCycleDetected, cycle)
	}
	return nil
}

// Remove drops a task node. Edges pointing at it become dangling and
// unblock once the id is marked done or removed by the caller's own
// bookkeeping.
func (g *Graph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges, id)
	delete(g.done, id)
}

// MarkDone records that a task finished, unblocking its dependents.
func (g *Graph) MarkDone(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.done[id] = true
}

// Dependencies returns the ids the task directly depends on.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[id]...)
}

// Unmet returns the task's dependencies that are known nodes and not yet
// done. Dangling dependencies (ids never added as nodes) are reported
// too: an unknown prerequisite is still unmet.
func (g *Graph) Unmet(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for _, dep := range g.edges[id] {
		if !g.done[dep] {
			out = append(out, dep)
		}
	}
	return out
}

// Ready returns the ids of tasks whose every dependency is done,
// excluding tasks already done themselves. Sorted for determinism.
func (g *Graph) Ready() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for id, deps := range g.edges {
		if g.done[id] {
			continue
		}
		ready := true
		for _, dep := range deps {
			if !g.done[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Dependents returns the ids that directly depend on the task, sorted.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := g.directDependentsLocked(id)
	sort.Strings(out)
	return out
}

func (g *Graph) directDependentsLocked(id string) []string {
	var out []string
	for candidate, deps := range g.edges {
		for _, dep := range deps {
			if dep == id {
				out = append(out, candidate)
				break
			}
		}
	}
	return out
}

// TransitiveDependents returns every task reachable by following
// dependent edges from id, sorted. Used to cascade a failure through
// everything downstream of it.
func (g *Graph) TransitiveDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	stack := g.directDependentsLocked(id)
	var out []string
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		stack = append(stack, g.directDependentsLocked(next)...)
	}
	sort.Strings(out)
	return out
}

// TopologicalSort returns the ids in dependency order (prerequisites
// first), or ErrCycleDetected.
func (g *Graph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if cycle := g.findCycleLocked(); cycle != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycleDetected, cycle)
	}

	// In-degree counts consider only known nodes.
	indegree := make(map[string]int, len(g.edges))
	for id := range g.edges {
		indegree[id] = 0
	}
	for id, deps := range g.edges {
		for _, dep := range deps {
			if _, known := g.edges[dep]; known {
				indegree[id]++
			}
		}
	}

	var frontier []string
	for id, n := range indegree {
		if n == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	var order []string
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		var unlocked []string
		for _, dependent := range g.directDependentsLocked(id) {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		sort.Strings(unlocked)
		frontier = append(frontier, unlocked...)
	}
	return order, nil
}

// Size returns the node count.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// findCycleLocked runs a three-color depth-first search and returns one
// cycle's member ids, or nil. Caller holds at least a read lock.
func (g *Graph) findCycleLocked() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(g.edges))
	var cycle []string

	var visit func(id string, path []string) bool
	visit = func(id string, path []string) bool {
		colors[id] = gray
		path = append(path, id)
		for _, dep := range g.edges[id] {
			if _, known := g.edges[dep]; !known {
				continue
			}
			switch colors[dep] {
			case gray:
				cycle = append(append([]string(nil), path...), dep)
				return true
			case white:
				if visit(dep, path) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}

	ids := make([]string, 0, len(g.edges))
	for id := range g.edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if colors[id] == white && visit(id, nil) {
			return cycle
		}
	}
	return nil
}
