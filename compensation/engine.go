// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compensation implements saga-style compensating actions that
// semantically undo a task's effects without a full rollback.
//
// Actions are registered per task id ahead of time and run in strictly
// descending priority order, stopping at the first success. Registries are
// scoped to an Engine instance so multiple plans can run with independent
// compensation configurations.
package compensation

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/planexec/plan"
	"github.com/AleutianAI/planexec/vcs"
)

// ActionType identifies the effect a compensation action performs.
type ActionType string

const (
	// ActionCheckout restores the action's files (or the whole tree) from
	// the reference in the payload, defaulting to HEAD.
	ActionCheckout ActionType = "vcs_checkout"

	// ActionReset hard-resets the repository to the reference in the
	// payload, defaulting to HEAD.
	ActionReset ActionType = "vcs_reset"

	// ActionClean removes untracked files and directories.
	ActionClean ActionType = "vcs_clean"

	// ActionCommand runs the payload as an external shell command.
	ActionCommand ActionType = "command"

	// ActionFunction invokes the registered function named by the payload.
	ActionFunction ActionType = "function"

	// ActionFileRestore is declared but not implemented; it always
	// reports SKIPPED. Callers must not treat it as evidence of success.
	ActionFileRestore ActionType = "file_restore"
)

// Action is a registered compensating action for one task.
type Action struct {
	// TaskID is the owning task.
	TaskID string `json:"task_id"`

	// Type selects the effect.
	Type ActionType `json:"type"`

	// Payload is the command string, function name, or version-control
	// reference, depending on Type.
	Payload string `json:"payload,omitempty"`

	// Priority orders the chain; higher runs first.
	Priority int `json:"priority"`

	// Files lists the paths the action affects.
	Files []string `json:"files,omitempty"`
}

// Func is a registered compensation callable. Its boolean return is the
// success signal.
type Func func(ctx context.Context, task *plan.Task) bool

// Outcome classifies one compensation attempt.
type Outcome string

const (
	OutcomeApplied Outcome = "APPLIED"
	OutcomeFailed  Outcome = "FAILED"
	OutcomeSkipped Outcome = "SKIPPED"
)

// Record is one entry in the append-only compensation history. History is
// for audit, not control flow.
type Record struct {
	Time      time.Time  `json:"time"`
	TaskID    string     `json:"task_id"`
	Mechanism string     `json:"mechanism"`
	Type      ActionType `json:"type,omitempty"`
	Outcome   Outcome    `json:"outcome"`
	Message   string     `json:"message,omitempty"`
}

// Result is the outcome of compensating one task.
type Result struct {
	TaskID           string        `json:"task_id"`
	Success          bool          `json:"success"`
	Outcome          Outcome       `json:"outcome"`
	Mechanism        string        `json:"mechanism"`
	ActionsAttempted int           `json:"actions_attempted"`
	Errors           []string      `json:"errors,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// Config configures an Engine.
type Config struct {
	// Git is the version-control client for vcs-backed actions.
	// Optional; vcs actions fail without it.
	Git vcs.Git

	// WorkDir is the working directory for external commands.
	WorkDir string

	// CommandTimeout bounds each external command. Defaults to 60s.
	CommandTimeout time.Duration

	// Logger for engine operations. Defaults to slog.Default().
	Logger *slog.Logger
}

// Engine registers and runs prioritized compensating actions per task.
//
// # Thread Safety
//
// All methods are safe for concurrent use, but compensation for a given
// task id must be serialized by the caller (see the recovery protocol).
type Engine struct {
	mu      sync.Mutex
	actions map[string][]Action
	funcs   map[string]Func
	history []Record

	git     vcs.Git
	workDir string
	timeout time.Duration
	logger  *slog.Logger
}

// NewEngine creates a compensation engine.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Engine{
		actions: make(map[string][]Action),
		funcs:   make(map[string]Func),
		git:     cfg.Git,
		workDir: cfg.WorkDir,
		timeout: timeout,
		logger:  logger.With("component", "compensation.Engine"),
	}
}

// RegisterAction appends a compensating action to a task's chain.
//
// # Description
//
// The task's chain is kept sorted by descending priority; registration
// order breaks ties.
//
// # Inputs
//
//   - taskID: Owning task id. Must not be empty.
//   - typ: Action type.
//   - payload: Command, function name, or reference, depending on type.
//   - priority: Higher runs first.
//   - files: Affected file paths, used by checkout actions.
func (e *Engine) RegisterAction(taskID string, typ ActionType, payload string, priority int, files ...string) error {
	if taskID == "" {
		return fmt.Errorf("%w: taskID must not be empty", ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.actions[taskID] = append(e.actions[taskID], Action{
		TaskID:   taskID,
		Type:     typ,
		Payload:  payload,
		Priority: priority,
		Files:    append([]string(nil), files...),
	})
	sort.SliceStable(e.actions[taskID], func(i, j int) bool {
		return e.actions[taskID][i].Priority > e.actions[taskID][j].Priority
	})

	return nil
}

// RegisterFunction registers a callable compensation by name for the
// function action type. Re-registering a name replaces the previous
// function.
func (e *Engine) RegisterFunction(name string, fn Func) error {
	if name == "" || fn == nil {
		return fmt.Errorf("%w: name and fn are required", ErrInvalidInput)
	}

	e.mu.Lock()
	e.funcs[name] = fn
	e.mu.Unlock()
	return nil
}

// Actions returns a copy of the registered chain for a task, highest
// priority first.
func (e *Engine) Actions(taskID string) []Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Action(nil), e.actions[taskID]...)
}

// History returns a copy of the append-only compensation history.
func (e *Engine) History() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Record(nil), e.history...)
}

// Compensate runs the compensation chain for a failed task.
//
// # Description
//
// Tries, in order: (1) every registered action, highest priority first,
// stopping at the first success; (2) the task's inline compensation
// command, if present and no action succeeded; (3) a version-control
// checkout of exactly the task's declared files, if any and nothing else
// ran successfully; (4) otherwise records SKIPPED and reports failure.
// Every attempt lands in the append-only history.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - task: The failed task. Must not be nil.
//
// # Outputs
//
//   - *Result: The compensation outcome. Never nil.
//   - error: Non-nil only for invalid input.
func (e *Engine) Compensate(ctx context.Context, task *plan.Task) (*Result, error) {
	if task == nil {
		return nil, fmt.Errorf("%w: task must not be nil", ErrInvalidInput)
	}

	start := time.Now()
	result := &Result{TaskID: task.ID}

	e.logger.Info("compensating task",
		slog.String("task_id", task.ID),
		slog.Int("registered_actions", len(e.Actions(task.ID))),
	)

	// 1. Registered actions, highest priority first, stop at first success.
	for _, action := range e.Actions(task.ID) {
		result.ActionsAttempted++
		ok, err := e.executeAction(ctx, action, task)
		if ok {
			e.record(task.ID, "action", action.Type, OutcomeApplied, action.Payload)
			result.Success = true
			result.Outcome = OutcomeApplied
			result.Mechanism = "action"
			result.Duration = time.Since(start)
			return result, nil
		}

		outcome := OutcomeFailed
		msg := ""
		if err != nil {
			msg = err.Error()
			result.Errors = append(result.Errors, msg)
			if action.Type == ActionFileRestore {
				outcome = OutcomeSkipped
			}
		}
		e.record(task.ID, "action", action.Type, outcome, msg)
	}

	// 2. Inline compensation command.
	if task.CompensationCommand != "" {
		if err := e.runCommand(ctx, task.CompensationCommand); err != nil {
			result.Errors = append(result.Errors, err.Error())
			e.record(task.ID, "command", ActionCommand, OutcomeFailed, err.Error())
		} else {
			e.record(task.ID, "command", ActionCommand, OutcomeApplied, task.CompensationCommand)
			result.Success = true
			result.Outcome = OutcomeApplied
			result.Mechanism = "command"
			result.Duration = time.Since(start)
			return result, nil
		}
	}

	// 3. Fall back to checking out exactly the task's declared files.
	if len(task.Files) > 0 {
		err := e.checkoutFiles(ctx, task.Files)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			e.record(task.ID, "file_checkout", ActionCheckout, OutcomeFailed, err.Error())
		} else {
			e.record(task.ID, "file_checkout", ActionCheckout, OutcomeApplied, "")
			result.Success = true
			result.Outcome = OutcomeApplied
			result.Mechanism = "file_checkout"
			result.Duration = time.Since(start)
			return result, nil
		}
	}

	// 4. Nothing applied.
	attempted := result.ActionsAttempted > 0 || task.CompensationCommand != "" || len(task.Files) > 0
	if attempted {
		result.Outcome = OutcomeFailed
	} else {
		result.Outcome = OutcomeSkipped
		e.record(task.ID, "none", "", OutcomeSkipped, "no compensation mechanism available")
	}

	result.Mechanism = "none"
	result.Duration = time.Since(start)

	e.logger.Warn("compensation did not succeed",
		slog.String("task_id", task.ID),
		slog.String("outcome", string(result.Outcome)),
		slog.Int("actions_attempted", result.ActionsAttempted),
	)

	return result, nil
}

// executeAction maps an action type to its effect.
func (e *Engine) executeAction(ctx context.Context, action Action, task *plan.Task) (bool, error) {
	switch action.Type {
	case ActionCheckout:
		if e.git == nil {
			return false, ErrNoGitClient
		}
		ref := action.Payload
		if ref == "" {
			ref = "HEAD"
		}
		if len(action.Files) > 0 {
			if err := e.git.CheckoutPaths(ctx, ref, action.Files...); err != nil {
				return false, err
			}
			return true, nil
		}
		if err := e.git.CheckoutTree(ctx, ref); err != nil {
			return false, err
		}
		return true, nil

	case ActionReset:
		if e.git == nil {
			return false, ErrNoGitClient
		}
		ref := action.Payload
		if ref == "" {
			ref = "HEAD"
		}
		if err := e.git.ResetHard(ctx, ref); err != nil {
			return false, err
		}
		return true, nil

	case ActionClean:
		if e.git == nil {
			return false, ErrNoGitClient
		}
		if err := e.git.CleanUntracked(ctx); err != nil {
			return false, err
		}
		return true, nil

	case ActionCommand:
		if err := e.runCommand(ctx, action.Payload); err != nil {
			return false, err
		}
		return true, nil

	case ActionFunction:
		e.mu.Lock()
		fn, ok := e.funcs[action.Payload]
		e.mu.Unlock()
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrUnknownFunction, action.Payload)
		}
		return fn(ctx, task), nil

	case ActionFileRestore:
		return false, fmt.Errorf("%w: file restore", ErrNotImplemented)

	default:
		return false, fmt.Errorf("%w: %s", ErrUnknownActionType, action.Type)
	}
}

// checkoutFiles restores the given paths from HEAD.
func (e *Engine) checkoutFiles(ctx context.Context, files []string) error {
	if e.git == nil {
		return ErrNoGitClient
	}
	return e.git.CheckoutPaths(ctx, "HEAD", files...)
}

// runCommand executes an external shell command bounded by the configured
// timeout. Non-zero exit is a failure.
func (e *Engine) runCommand(ctx context.Context, command string) error {
	if command == "" {
		return fmt.Errorf("%w: command must not be empty", ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = e.workDir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("command timeout after %v", e.timeout)
		}
		return fmt.Errorf("command failed: %w: %s", err, stderr.String())
	}

	return nil
}

// record appends one attempt to the history.
func (e *Engine) record(taskID, mechanism string, typ ActionType, outcome Outcome, message string) {
	e.mu.Lock()
	e.history = append(e.history, Record{
		Time:      time.Now().UTC(),
		TaskID:    taskID,
		Mechanism: mechanism,
		Type:      typ,
		Outcome:   outcome,
		Message:   message,
	})
	e.mu.Unlock()
}
