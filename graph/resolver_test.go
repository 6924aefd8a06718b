// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"errors"
	"testing"

	"github.com/AleutianAI/planexec/plan"
)

// testPlan builds a plan from id -> dependency-id edges declared in order.
func testPlan(tasks ...*plan.Task) *plan.ExecutionPlan {
	return &plan.ExecutionPlan{ID: "test-plan", Tasks: tasks}
}

func task(id string, deps ...string) *plan.Task {
	t := &plan.Task{ID: id, Status: plan.StatusPending}
	for _, d := range deps {
		t.Dependencies = append(t.Dependencies, plan.Dependency{
			TaskID: d,
			Kind:   plan.DepBlocking,
		})
	}
	return t
}

func TestResolve_Linear(t *testing.T) {
	g, err := Resolve(testPlan(task("A"), task("B", "A"), task("C", "B")))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if g.Len() != 3 {
		t.Errorf("Len() = %d, want 3", g.Len())
	}
	if deps := g.Dependencies("C"); len(deps) != 1 || deps[0] != "B" {
		t.Errorf("Dependencies(C) = %v, want [B]", deps)
	}
	if deps := g.Dependents("A"); len(deps) != 1 || deps[0] != "B" {
		t.Errorf("Dependents(A) = %v, want [B]", deps)
	}
}

func TestResolve_NilPlan(t *testing.T) {
	_, err := Resolve(nil)
	if !errors.Is(err, ErrNilPlan) {
		t.Errorf("error = %v, want %v", err, ErrNilPlan)
	}
}

func TestResolve_EmptyPlan(t *testing.T) {
	_, err := Resolve(testPlan())
	if !errors.Is(err, ErrEmptyPlan) {
		t.Errorf("error = %v, want %v", err, ErrEmptyPlan)
	}
}

func TestResolve_EmptyTaskID(t *testing.T) {
	_, err := Resolve(testPlan(task("")))
	if !errors.Is(err, ErrEmptyTaskID) {
		t.Errorf("error = %v, want %v", err, ErrEmptyTaskID)
	}
}

func TestResolve_DuplicateTask(t *testing.T) {
	_, err := Resolve(testPlan(task("A"), task("A")))
	if !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("error = %v, want %v", err, ErrDuplicateTask)
	}
}

func TestResolve_MissingDependency(t *testing.T) {
	_, err := Resolve(testPlan(task("A", "ghost")))
	if !errors.Is(err, ErrMissingDependency) {
		t.Errorf("error = %v, want %v", err, ErrMissingDependency)
	}

	var mde *MissingDependencyError
	if !errors.As(err, &mde) {
		t.Fatalf("error should be a MissingDependencyError, got %T", err)
	}
	if mde.TaskID != "A" || mde.DependencyID != "ghost" {
		t.Errorf("MissingDependencyError = %+v", mde)
	}
}

func TestResolve_Cycle(t *testing.T) {
	_, err := Resolve(testPlan(task("A", "C"), task("B", "A"), task("C", "B")))
	if !errors.Is(err, ErrCircularDependency) {
		t.Fatalf("error = %v, want %v", err, ErrCircularDependency)
	}

	var ce *CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("error should be a CycleError, got %T", err)
	}
	// The path starts and ends on the repeated node.
	if len(ce.Path) != 4 || ce.Path[0] != ce.Path[len(ce.Path)-1] {
		t.Errorf("cycle path = %v, want closed 3-cycle", ce.Path)
	}
}

func TestResolve_SelfCycle(t *testing.T) {
	_, err := Resolve(testPlan(task("A", "A")))
	if !errors.Is(err, ErrCircularDependency) {
		t.Errorf("error = %v, want %v", err, ErrCircularDependency)
	}
}

func TestTopologicalSort_DependenciesFirst(t *testing.T) {
	// Diamond: A -> {B, C} -> D
	g, err := Resolve(testPlan(task("A"), task("B", "A"), task("C", "A"), task("D", "B", "C")))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	sorted, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort() error = %v", err)
	}
	if len(sorted) != 4 {
		t.Fatalf("sorted length = %d, want 4", len(sorted))
	}

	pos := make(map[string]int, len(sorted))
	for i, id := range sorted {
		pos[id] = i
	}
	for _, id := range g.TaskIDs() {
		for _, dep := range g.Dependencies(id) {
			if pos[dep] >= pos[id] {
				t.Errorf("dependency %s sorted after %s: %v", dep, id, sorted)
			}
		}
	}
}

func TestTopologicalSort_Deterministic(t *testing.T) {
	p := testPlan(task("A"), task("B"), task("C", "A", "B"))
	g, err := Resolve(p)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	first, _ := g.TopologicalSort()
	for i := 0; i < 10; i++ {
		next, _ := g.TopologicalSort()
		for j := range first {
			if next[j] != first[j] {
				t.Fatalf("sort not deterministic: %v vs %v", first, next)
			}
		}
	}
}

func TestReadyTasks_InitialRoots(t *testing.T) {
	g, err := Resolve(testPlan(task("A"), task("B", "A"), task("C")))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	ready := g.ReadyTasks(map[string]bool{}, map[string]bool{})
	if len(ready) != 2 || ready[0].ID != "A" || ready[1].ID != "C" {
		t.Errorf("ready = %v, want [A C]", ids(ready))
	}
}

func TestReadyTasks_AfterCompletion(t *testing.T) {
	p := testPlan(task("A"), task("B", "A"))
	g, err := Resolve(p)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	p.Tasks[0].Status = plan.StatusCompleted
	ready := g.ReadyTasks(map[string]bool{"A": true}, map[string]bool{})
	if len(ready) != 1 || ready[0].ID != "B" {
		t.Errorf("ready = %v, want [B]", ids(ready))
	}
}

func TestReadyTasks_ExcludesExecutingAndNonPending(t *testing.T) {
	p := testPlan(task("A"), task("B"), task("C"))
	g, err := Resolve(p)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	p.Tasks[1].Status = plan.StatusExecuting
	p.Tasks[2].Status = plan.StatusBlocked

	ready := g.ReadyTasks(map[string]bool{}, map[string]bool{"B": true})
	if len(ready) != 1 || ready[0].ID != "A" {
		t.Errorf("ready = %v, want [A]", ids(ready))
	}
}

func ids(tasks []*plan.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}
