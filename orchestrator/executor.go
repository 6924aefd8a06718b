// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/AleutianAI/planexec/plan"
)

// Executor is the unit-execution contract: invoked once per attempt with
// the task and its bound inputs, it must respect the context's deadline
// (derived from the task's timeout) and return the task's outputs or an
// error. Implementations are free to be no-ops or mocks for testing.
type Executor interface {
	Execute(ctx context.Context, task *plan.Task, inputs map[string]any) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *plan.Task, inputs map[string]any) (map[string]any, error)

// Execute calls the wrapped function.
func (f ExecutorFunc) Execute(ctx context.Context, task *plan.Task, inputs map[string]any) (map[string]any, error) {
	return f(ctx, task, inputs)
}

// TypeRouter routes tasks to per-type executors with an optional default.
//
// # Description
//
// Separate execution sub-contracts may exist per task type (tool
// invocation vs. model invocation vs. atomic); the orchestrator's retry
// and state-machine logic is identical across all of them, so routing
// happens here rather than in the scheduler.
type TypeRouter struct {
	byType   map[plan.TaskType]Executor
	fallback Executor
}

// NewTypeRouter creates a router with an optional default executor.
func NewTypeRouter(fallback Executor) *TypeRouter {
	return &TypeRouter{
		byType:   make(map[plan.TaskType]Executor),
		fallback: fallback,
	}
}

// Register assigns an executor to a task type, replacing any previous one.
func (r *TypeRouter) Register(t plan.TaskType, e Executor) *TypeRouter {
	r.byType[t] = e
	return r
}

// Execute dispatches to the executor registered for the task's type.
func (r *TypeRouter) Execute(ctx context.Context, task *plan.Task, inputs map[string]any) (map[string]any, error) {
	e, ok := r.byType[task.Type]
	if !ok {
		e = r.fallback
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoExecutorForType, task.Type)
	}
	return e.Execute(ctx, task, inputs)
}

// CommandExecutor runs a task's "command" input through the shell.
//
// # Description
//
// Executes inputs["command"] with `sh -c` in the configured working
// directory, honoring the context deadline. Stdout is returned under the
// "stdout" output key; non-zero exit is a failure.
type CommandExecutor struct {
	// WorkDir is the working directory for commands. Empty means the
	// process working directory.
	WorkDir string
}

// Execute runs the task's shell command.
func (e *CommandExecutor) Execute(ctx context.Context, task *plan.Task, inputs map[string]any) (map[string]any, error) {
	command, _ := inputs["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("%w: task %s has no command input", ErrInvalidInput, task.ID)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = e.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("command failed: %w: %s", err, stderr.String())
	}

	return map[string]any{
		"stdout": strings.TrimRight(stdout.String(), "\n"),
	}, nil
}
