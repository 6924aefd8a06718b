// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph builds dependency graphs from execution plans and provides
// the analyses the orchestrator schedules from: cycle detection, topological
// ordering, ready-task selection, execution waves, and the critical path.
//
// # Thread Safety
//
// A Graph is immutable after Resolve returns and is safe for concurrent
// reads. Resolve itself must run in a single goroutine.
package graph

import (
	"github.com/AleutianAI/planexec/plan"
)

// Graph holds forward and reverse adjacency for one resolved plan.
//
// All iteration (ready selection, waves, DFS roots) follows the plan's task
// declaration order, so results are deterministic for a given plan.
type Graph struct {
	order        []string
	tasks        map[string]*plan.Task
	dependents   map[string][]string // task id -> tasks that depend on it
	dependencies map[string][]string // task id -> tasks it depends on
}

// Resolve builds the dependency graph for a plan in one pass.
//
// # Description
//
// Validates that every task id is unique and non-empty, that every
// dependency references an existing task, and that the graph is acyclic.
// Must run once per plan before execution begins; the orchestrator never
// re-validates acyclicity mid-run.
//
// # Inputs
//
//   - p: The plan to resolve. Must not be nil.
//
// # Outputs
//
//   - *Graph: The immutable graph.
//   - error: ErrNilPlan, ErrEmptyPlan, ErrDuplicateTask, a
//     MissingDependencyError, or a CycleError.
func Resolve(p *plan.ExecutionPlan) (*Graph, error) {
	if p == nil {
		return nil, ErrNilPlan
	}
	if len(p.Tasks) == 0 {
		return nil, ErrEmptyPlan
	}

	g := &Graph{
		order:        make([]string, 0, len(p.Tasks)),
		tasks:        make(map[string]*plan.Task, len(p.Tasks)),
		dependents:   make(map[string][]string, len(p.Tasks)),
		dependencies: make(map[string][]string, len(p.Tasks)),
	}

	for _, t := range p.Tasks {
		if t.ID == "" {
			return nil, ErrEmptyTaskID
		}
		if _, exists := g.tasks[t.ID]; exists {
			return nil, ErrDuplicateTask
		}
		g.tasks[t.ID] = t
		g.order = append(g.order, t.ID)
	}

	for _, t := range p.Tasks {
		for _, dep := range t.Dependencies {
			if _, exists := g.tasks[dep.TaskID]; !exists {
				return nil, &MissingDependencyError{TaskID: t.ID, DependencyID: dep.TaskID}
			}
			g.dependencies[t.ID] = append(g.dependencies[t.ID], dep.TaskID)
			g.dependents[dep.TaskID] = append(g.dependents[dep.TaskID], t.ID)
		}
	}

	if cycle := g.DetectCycle(); cycle != nil {
		return nil, &CycleError{Path: cycle}
	}

	return g, nil
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	return len(g.order)
}

// Task returns the task with the given id, or nil if absent.
func (g *Graph) Task(id string) *plan.Task {
	return g.tasks[id]
}

// TaskIDs returns all task ids in plan declaration order.
func (g *Graph) TaskIDs() []string {
	ids := make([]string, len(g.order))
	copy(ids, g.order)
	return ids
}

// Dependencies returns the ids of the tasks the given task depends on.
func (g *Graph) Dependencies(id string) []string {
	return g.dependencies[id]
}

// Dependents returns the ids of the tasks that depend on the given task.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// DetectCycle searches for a dependency cycle.
//
// # Description
//
// Depth-first traversal over dependency edges with a recursion-stack set.
// When a node already on the stack is reached, the cycle is reconstructed
// from the current path. Roots and edges are visited in declaration order,
// so the first cycle found is deterministic.
//
// # Outputs
//
//   - []string: The cycle path in dependency order, starting and ending on
//     the repeated node. Nil if the graph is acyclic.
func (g *Graph) DetectCycle() []string {
	visited := make(map[string]bool, len(g.order))
	onStack := make(map[string]bool, len(g.order))
	path := make([]string, 0, len(g.order))

	var cycle []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, dep := range g.dependencies[id] {
			if !visited[dep] {
				if dfs(dep) {
					return true
				}
			} else if onStack[dep] {
				// Walk back to where the repeated node first appears.
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, path[start:]...), dep)
				return true
			}
		}

		path = path[:len(path)-1]
		onStack[id] = false
		return false
	}

	for _, id := range g.order {
		if !visited[id] {
			if dfs(id) {
				return cycle
			}
		}
	}

	return nil
}

// TopologicalSort returns task ids in dependency order using Kahn's
// algorithm.
//
// # Description
//
// Seeds a queue with zero-in-degree tasks in declaration order and emits
// tasks as their dependencies drain. If fewer tasks are emitted than exist,
// the graph contains a cycle that Resolve should already have rejected;
// ErrUnsortable is returned as an internal consistency check.
//
// # Outputs
//
//   - []string: Task ids such that every dependency precedes its dependents.
//   - error: ErrUnsortable if the graph is cyclic.
func (g *Graph) TopologicalSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.dependencies[id])
	}

	queue := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	sorted := make([]string, 0, len(g.order))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		for _, dep := range g.dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(g.order) {
		return nil, ErrUnsortable
	}

	return sorted, nil
}

// ReadyTasks returns the tasks eligible for dispatch.
//
// # Description
//
// A task is ready iff its status is PENDING, it is neither executing nor
// completed, and every one of its dependencies is in the completed set.
// Results follow graph iteration order; the caller applies its own
// scheduling policy on top.
//
// # Inputs
//
//   - completed: Set of completed task ids.
//   - executing: Set of currently executing task ids.
//
// # Outputs
//
//   - []*plan.Task: Ready tasks in declaration order.
func (g *Graph) ReadyTasks(completed, executing map[string]bool) []*plan.Task {
	ready := make([]*plan.Task, 0)

	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != plan.StatusPending {
			continue
		}
		if completed[id] || executing[id] {
			continue
		}

		depsDone := true
		for _, dep := range g.dependencies[id] {
			if !completed[dep] {
				depsDone = false
				break
			}
		}

		if depsDone {
			ready = append(ready, t)
		}
	}

	return ready
}
