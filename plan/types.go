// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plan defines the execution-plan data model shared by the graph
// resolver, orchestrator, and recovery components.
//
// # Ownership Model
//
// An ExecutionPlan owns its Tasks. Task state (status, outputs, retry count,
// timestamps) is mutated only by the orchestrator's main loop; every other
// component treats tasks as read-only.
package plan

import (
	"math"
	"time"
)

// TaskStatus represents a task's position in its execution state machine.
//
// Transitions are monotonic: PENDING → READY → EXECUTING →
// {COMPLETED | FAILED | BLOCKED}, with the single retry edge
// EXECUTING → PENDING when the retry policy allows another attempt.
type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"
	StatusReady     TaskStatus = "READY"
	StatusExecuting TaskStatus = "EXECUTING"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
	StatusBlocked   TaskStatus = "BLOCKED"
)

// IsTerminal reports whether the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusBlocked
}

// TaskType classifies what kind of work a task performs.
//
// The orchestrator treats every type identically; the type exists so callers
// can route tasks to different executor implementations.
type TaskType string

const (
	TypeAtomic          TaskType = "atomic"
	TypeCompound        TaskType = "compound"
	TypeToolInvocation  TaskType = "tool_invocation"
	TypeModelInvocation TaskType = "model_invocation"
)

// DependencyKind classifies an edge between two tasks.
type DependencyKind string

const (
	// DepBlocking means the dependency must complete before this task runs.
	DepBlocking DependencyKind = "blocking"

	// DepConditional means the dependency gates this task on a condition
	// evaluated by the caller. Scheduling treats it like blocking.
	DepConditional DependencyKind = "conditional"

	// DepData means the dependency's outputs are bound into this task's
	// inputs before dispatch.
	DepData DependencyKind = "data"
)

// Dependency declares an edge from this task to a prerequisite task.
type Dependency struct {
	// TaskID is the id of the task that must complete first.
	TaskID string `json:"task_id" yaml:"task_id"`

	// Kind is the dependency kind. Defaults to blocking when empty.
	Kind DependencyKind `json:"kind" yaml:"kind"`

	// OutputKey selects a single key from the dependency's output map for
	// data dependencies. When empty, the entire output map is merged.
	OutputKey string `json:"output_key,omitempty" yaml:"output_key,omitempty"`
}

// RetryPolicy configures per-task retry with exponential backoff.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`

	// BackoffMultiplier multiplies the delay for each subsequent retry.
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
}

// DefaultRetryPolicy returns the retry policy applied to tasks that do not
// declare one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
	}
}

// Delay returns the minimum wait before retry number n (1-based).
//
// The first retry waits InitialDelay; each subsequent retry multiplies the
// previous delay by BackoffMultiplier, capped at MaxDelay. The returned
// value is a minimum wait, not a deadline.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	factor := p.BackoffMultiplier
	if factor < 1.0 {
		factor = 1.0
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(factor, float64(n-1)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		return p.MaxDelay
	}
	return d
}

// Task is an individually schedulable unit of work with declared
// dependencies and a result contract.
//
// The orchestrator is the sole writer of Status, Output, RetryCount,
// StartedAt, CompletedAt, and Error.
type Task struct {
	// ID uniquely identifies the task within its plan.
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable label used in logs.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Type classifies the work; routing only, no semantic meaning here.
	Type TaskType `json:"type" yaml:"type"`

	// Status is the current state-machine position.
	Status TaskStatus `json:"status" yaml:"status"`

	// Dependencies lists prerequisite edges in declaration order.
	Dependencies []Dependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Input is the static input map merged with bound dependency outputs
	// at dispatch time.
	Input map[string]any `json:"input,omitempty" yaml:"input,omitempty"`

	// Output is populated only when the task reaches COMPLETED.
	Output map[string]any `json:"output,omitempty" yaml:"output,omitempty"`

	// Executor references the external agent assigned to run this task.
	// Opaque to this core.
	Executor string `json:"executor,omitempty" yaml:"executor,omitempty"`

	// Timeout bounds a single execution attempt. Also serves as the
	// duration estimate for critical-path analysis.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Retry is the retry policy for failed attempts.
	Retry RetryPolicy `json:"retry" yaml:"retry"`

	// RetryCount is the number of retries consumed so far.
	RetryCount int `json:"retry_count" yaml:"retry_count"`

	// CompensationCommand is an optional inline shell command that
	// semantically undoes this task's effects.
	CompensationCommand string `json:"compensation_command,omitempty" yaml:"compensation_command,omitempty"`

	// Files lists paths this task touches, used for targeted rollback.
	Files []string `json:"files,omitempty" yaml:"files,omitempty"`

	CreatedAt   time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`

	// Error holds the last failure message.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// CanRetry reports whether the task has retry budget remaining.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.Retry.MaxRetries
}

// DependencyIDs returns the ids of all prerequisite tasks.
func (t *Task) DependencyIDs() []string {
	ids := make([]string, 0, len(t.Dependencies))
	for _, d := range t.Dependencies {
		ids = append(ids, d.TaskID)
	}
	return ids
}

// PlanStatus represents an execution plan's lifecycle state.
type PlanStatus string

const (
	PlanDraft     PlanStatus = "draft"
	PlanValidated PlanStatus = "validated"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// ResourceBudget is an execution budget supplied by the upstream planner.
// This core consumes but does not enforce it.
type ResourceBudget struct {
	// TimeLimit bounds total plan wall-clock time. Zero means unlimited.
	TimeLimit time.Duration `json:"time_limit,omitempty" yaml:"time_limit,omitempty"`

	// TokenLimit bounds model-invocation token usage. Zero means unlimited.
	TokenLimit int64 `json:"token_limit,omitempty" yaml:"token_limit,omitempty"`
}

// ExecutionPlan is a validated, acyclic collection of tasks produced by the
// upstream planner.
type ExecutionPlan struct {
	// ID uniquely identifies the plan.
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable label.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Tasks holds the plan's tasks in declaration order. Declaration order
	// is the deterministic iteration order for all graph operations.
	Tasks []*Task `json:"tasks" yaml:"tasks"`

	// Status is the plan lifecycle state.
	Status PlanStatus `json:"status" yaml:"status"`

	// Budget is the resource budget, consumed but not owned by this core.
	Budget ResourceBudget `json:"budget,omitempty" yaml:"budget,omitempty"`

	// CompletedTasks and FailedTasks are summary counts maintained by the
	// orchestrator.
	CompletedTasks int `json:"completed_tasks" yaml:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks" yaml:"failed_tasks"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// TaskByID returns the task with the given id, or nil if absent.
func (p *ExecutionPlan) TaskByID(id string) *Task {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Adjacency builds the forward adjacency map (task id → dependent task ids)
// from the tasks' declared dependencies. Dependent lists follow plan
// declaration order.
func (p *ExecutionPlan) Adjacency() map[string][]string {
	adj := make(map[string][]string, len(p.Tasks))
	for _, t := range p.Tasks {
		if _, ok := adj[t.ID]; !ok {
			adj[t.ID] = nil
		}
		for _, d := range t.Dependencies {
			adj[d.TaskID] = append(adj[d.TaskID], t.ID)
		}
	}
	return adj
}
