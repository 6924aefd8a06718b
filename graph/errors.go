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
	"fmt"
	"strings"
)

// Sentinel errors for graph construction and analysis.
var (
	// ErrNilPlan is returned when resolving a nil plan.
	ErrNilPlan = errors.New("plan must not be nil")

	// ErrEmptyPlan is returned when resolving a plan with no tasks.
	ErrEmptyPlan = errors.New("plan has no tasks")

	// ErrEmptyTaskID is returned when a task has an empty id.
	ErrEmptyTaskID = errors.New("task has empty id")

	// ErrDuplicateTask is returned when two tasks share an id.
	ErrDuplicateTask = errors.New("duplicate task id")

	// ErrCircularDependency is returned when the dependency graph
	// contains a cycle. Wrapped by CycleError.
	ErrCircularDependency = errors.New("circular dependency detected")

	// ErrMissingDependency is returned when a dependency references a
	// task id that does not exist in the plan. Wrapped by
	// MissingDependencyError.
	ErrMissingDependency = errors.New("missing dependency")

	// ErrUnsortable is returned when topological sorting emits fewer
	// nodes than exist. Resolve should have caught the cycle first; this
	// is the algorithm's own consistency check.
	ErrUnsortable = errors.New("topological sort incomplete: graph contains a cycle")
)

// CycleError reports a dependency cycle with its path in dependency order.
// The path starts and ends on the repeated node.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

// Unwrap allows errors.Is(err, ErrCircularDependency).
func (e *CycleError) Unwrap() error {
	return ErrCircularDependency
}

// MissingDependencyError reports a dependency edge to a non-existent task.
type MissingDependencyError struct {
	TaskID       string
	DependencyID string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on unknown task %q", e.TaskID, e.DependencyID)
}

// Unwrap allows errors.Is(err, ErrMissingDependency).
func (e *MissingDependencyError) Unwrap() error {
	return ErrMissingDependency
}
