// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rollback reverts a version-controlled workspace to a checkpoint's
// reference state.
//
// Four strategies are supported: restore only the checkpoint's recorded
// files, hard reset, soft reset, and forward-compensating reverts of every
// commit made after the checkpoint. In dry-run mode no mutation occurs but
// calls still report success so calling code can exercise its control flow.
package rollback

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/planexec/checkpoint"
	"github.com/AleutianAI/planexec/plan"
	"github.com/AleutianAI/planexec/vcs"
)

// Strategy selects how a rollback restores the workspace.
type Strategy string

const (
	// StrategyCheckoutFiles restores only the files recorded on the
	// checkpoint, or the whole tree if none were recorded.
	StrategyCheckoutFiles Strategy = "checkout_files"

	// StrategyHardReset discards all changes since the checkpoint's
	// reference.
	StrategyHardReset Strategy = "hard_reset"

	// StrategySoftReset moves the reference pointer but keeps
	// working-tree changes.
	StrategySoftReset Strategy = "soft_reset"

	// StrategyRevert creates forward-compensating commits for every
	// commit made after the checkpoint, oldest first.
	StrategyRevert Strategy = "revert"
)

// DefaultStrategy is used when the caller does not specify one.
const DefaultStrategy = StrategyCheckoutFiles

// Record is one entry in the append-only rollback history. Every attempt,
// success or failure, is recorded with its source and target references.
type Record struct {
	Time     time.Time `json:"time"`
	TaskID   string    `json:"task_id,omitempty"`
	Strategy Strategy  `json:"strategy"`
	FromRef  string    `json:"from_ref,omitempty"`
	ToRef    string    `json:"to_ref,omitempty"`
	Success  bool      `json:"success"`
	Message  string    `json:"message,omitempty"`
}

// Result is the outcome of one rollback invocation.
type Result struct {
	Success        bool          `json:"success"`
	Strategy       Strategy      `json:"strategy"`
	CheckpointHash string        `json:"checkpoint_hash,omitempty"`
	FromRef        string        `json:"from_ref,omitempty"`
	ToRef          string        `json:"to_ref,omitempty"`
	DryRun         bool          `json:"dry_run,omitempty"`
	Message        string        `json:"message,omitempty"`
	Errors         []string      `json:"errors,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Config configures a Coordinator.
type Config struct {
	// Git is the version-control client. Required.
	Git vcs.Git

	// Store supplies checkpoints and receives the ones this coordinator
	// captures. Required.
	Store *checkpoint.Store

	// DryRun disables all workspace mutation; calls still report
	// success.
	DryRun bool

	// WorkDir is the working directory for fallback compensation
	// commands.
	WorkDir string

	// CommandTimeout bounds fallback commands. Defaults to 60s.
	CommandTimeout time.Duration

	// Logger for coordinator operations. Defaults to slog.Default().
	Logger *slog.Logger
}

// Coordinator reverts a version-controlled workspace to checkpoint state.
//
// # Thread Safety
//
// All methods are safe for concurrent use, but rollback for a given task id
// must be serialized by the caller.
type Coordinator struct {
	git     vcs.Git
	store   *checkpoint.Store
	dryRun  bool
	workDir string
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	history []Record
}

// NewCoordinator creates a rollback coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Git == nil {
		return nil, fmt.Errorf("%w: git client is required", ErrInvalidInput)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: checkpoint store is required", ErrInvalidInput)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Coordinator{
		git:     cfg.Git,
		store:   cfg.Store,
		dryRun:  cfg.DryRun,
		workDir: cfg.WorkDir,
		timeout: timeout,
		logger:  logger.With("component", "rollback.Coordinator"),
	}, nil
}

// Checkpoint captures a checkpoint for a task before risky work.
//
// # Description
//
// Records the current version-control reference and branch plus the task's
// id, files, and dependency ids as metadata, and appends the checkpoint to
// the store's ordered list.
//
// # Inputs
//
//   - ctx: Context for the version-control query.
//   - task: The task about to run. Must not be nil.
//   - message: Optional checkpoint name; defaults to "pre-task-<id>".
//
// # Outputs
//
//   - *checkpoint.Checkpoint: The captured checkpoint.
//   - error: Non-nil if the store rejects the checkpoint.
func (c *Coordinator) Checkpoint(ctx context.Context, task *plan.Task, message string) (*checkpoint.Checkpoint, error) {
	if task == nil {
		return nil, fmt.Errorf("%w: task must not be nil", ErrInvalidInput)
	}

	name := message
	if name == "" {
		name = "pre-task-" + task.ID
	}

	return c.store.Create(ctx, name, checkpoint.CreateOptions{
		TaskID: task.ID,
		Files:  task.Files,
		Metadata: map[string]string{
			"task_id":      task.ID,
			"dependencies": strings.Join(task.DependencyIDs(), ","),
		},
	})
}

// RollbackToCheckpoint reverts the workspace to a checkpoint's state.
//
// # Description
//
// Applies the given strategy against the checkpoint's recorded reference.
// When cp is nil, the most recent checkpoint is used. In dry-run mode no
// mutation occurs; the call still reports success. Every attempt is
// appended to history with the source and target references.
//
// # Inputs
//
//   - ctx: Context for git operations.
//   - cp: Target checkpoint, or nil for the latest.
//   - strategy: Rollback strategy; empty selects DefaultStrategy.
//
// # Outputs
//
//   - *Result: The rollback outcome. Never nil.
//   - error: Non-nil only for invalid input (no checkpoint available,
//     unknown strategy).
func (c *Coordinator) RollbackToCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint, strategy Strategy) (*Result, error) {
	if cp == nil {
		cp = c.store.Latest()
	}
	if cp == nil {
		return nil, ErrNoCheckpoint
	}
	if strategy == "" {
		strategy = DefaultStrategy
	}

	start := time.Now()
	result := &Result{
		Strategy:       strategy,
		CheckpointHash: cp.Hash,
		ToRef:          cp.Ref,
		DryRun:         c.dryRun,
	}

	fromRef, err := c.git.CurrentRef(ctx)
	if err != nil {
		c.logger.Warn("could not resolve current ref", "error", err)
	}
	result.FromRef = fromRef

	c.logger.Info("rolling back to checkpoint",
		slog.String("checkpoint", cp.Hash),
		slog.String("strategy", string(strategy)),
		slog.String("from_ref", fromRef),
		slog.String("to_ref", cp.Ref),
		slog.Bool("dry_run", c.dryRun),
	)

	if c.dryRun {
		result.Success = true
		result.Message = "dry run: no changes applied"
		result.Duration = time.Since(start)
		c.record(cp.TaskID, strategy, fromRef, cp.Ref, true, result.Message)
		return result, nil
	}

	switch strategy {
	case StrategyCheckoutFiles:
		if len(cp.Files) > 0 {
			err = c.git.CheckoutPaths(ctx, cp.Ref, cp.Files...)
		} else {
			err = c.git.CheckoutTree(ctx, cp.Ref)
		}

	case StrategyHardReset:
		err = c.git.ResetHard(ctx, cp.Ref)

	case StrategySoftReset:
		err = c.git.ResetSoft(ctx, cp.Ref)

	case StrategyRevert:
		err = c.revertSince(ctx, cp.Ref)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}

	result.Duration = time.Since(start)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.Message = err.Error()
		c.record(cp.TaskID, strategy, fromRef, cp.Ref, false, err.Error())
		c.logger.Error("rollback failed",
			slog.String("checkpoint", cp.Hash),
			slog.String("strategy", string(strategy)),
			slog.String("error", err.Error()),
		)
		return result, nil
	}

	result.Success = true
	c.record(cp.TaskID, strategy, fromRef, cp.Ref, true, "")
	return result, nil
}

// RollbackTask reverts the effects of one task.
//
// # Description
//
// Finds the task's own checkpoint and delegates to RollbackToCheckpoint.
// If the task has no checkpoint, falls back to its inline compensation
// command; if neither exists, the rollback fails.
//
// # Inputs
//
//   - ctx: Context for git operations.
//   - task: The task to roll back. Must not be nil.
//   - strategy: Rollback strategy; empty selects DefaultStrategy.
//
// # Outputs
//
//   - *Result: The rollback outcome. Never nil on nil error.
//   - error: Non-nil only for invalid input.
func (c *Coordinator) RollbackTask(ctx context.Context, task *plan.Task, strategy Strategy) (*Result, error) {
	if task == nil {
		return nil, fmt.Errorf("%w: task must not be nil", ErrInvalidInput)
	}

	if cp := c.store.LatestForTask(task.ID); cp != nil {
		return c.RollbackToCheckpoint(ctx, cp, strategy)
	}

	start := time.Now()
	result := &Result{Strategy: strategy, DryRun: c.dryRun}

	if task.CompensationCommand == "" {
		result.Message = "no checkpoint and no compensation command"
		result.Duration = time.Since(start)
		c.record(task.ID, strategy, "", "", false, result.Message)
		return result, nil
	}

	if c.dryRun {
		result.Success = true
		result.Message = "dry run: compensation command not executed"
		result.Duration = time.Since(start)
		c.record(task.ID, strategy, "", "", true, result.Message)
		return result, nil
	}

	if err := c.runCommand(ctx, task.CompensationCommand); err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.Message = err.Error()
		result.Duration = time.Since(start)
		c.record(task.ID, strategy, "", "", false, err.Error())
		return result, nil
	}

	result.Success = true
	result.Message = "compensation command applied"
	result.Duration = time.Since(start)
	c.record(task.ID, strategy, "", "", true, result.Message)
	return result, nil
}

// History returns a copy of the append-only rollback history.
func (c *Coordinator) History() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.history...)
}

// revertSince creates forward-compensating commits for every commit made
// after ref, oldest first.
func (c *Coordinator) revertSince(ctx context.Context, ref string) error {
	commits, err := c.git.CommitsSince(ctx, ref)
	if err != nil {
		return err
	}

	for _, sha := range commits {
		if err := c.git.Revert(ctx, sha); err != nil {
			return fmt.Errorf("reverting %s: %w", sha, err)
		}
	}

	return nil
}

// runCommand executes the fallback compensation command. Non-zero exit is
// a failure.
func (c *Coordinator) runCommand(ctx context.Context, command string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = c.workDir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("command timeout after %v", c.timeout)
		}
		return fmt.Errorf("command failed: %w: %s", err, stderr.String())
	}

	return nil
}

// record appends one attempt to the history.
func (c *Coordinator) record(taskID string, strategy Strategy, fromRef, toRef string, success bool, message string) {
	c.mu.Lock()
	c.history = append(c.history, Record{
		Time:     time.Now().UTC(),
		TaskID:   taskID,
		Strategy: strategy,
		FromRef:  fromRef,
		ToRef:    toRef,
		Success:  success,
		Message:  message,
	})
	c.mu.Unlock()
}
