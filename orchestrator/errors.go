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
	"errors"
	"fmt"
)

// Sentinel errors for orchestration.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidInput is returned when a required argument is missing.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNilExecutor is returned when constructing an orchestrator
	// without an executor.
	ErrNilExecutor = errors.New("executor must not be nil")

	// ErrNoExecutorForType is returned by TypeRouter when a task's type
	// has no registered executor and no default exists.
	ErrNoExecutorForType = errors.New("no executor registered for task type")

	// ErrTaskTimeout is returned when a task exceeds its declared
	// timeout. Timeouts are eligible for retry like any other failure.
	ErrTaskTimeout = errors.New("task timeout")

	// ErrNoProgress is returned when no tasks are executing and none are
	// ready while the plan is incomplete and failure-free. This signals
	// a stuck graph, an invariant violation rather than a normal
	// terminal condition.
	ErrNoProgress = errors.New("no progress possible: plan incomplete but no tasks are ready or executing")
)

// TaskError wraps a failure of one task with its id.
type TaskError struct {
	TaskID string
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}
