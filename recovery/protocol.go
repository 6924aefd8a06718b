// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recovery composes compensation and version-control rollback into
// failure-recovery strategies for failed tasks.
//
// Recovery and rollback failures never propagate past this package's
// boundary: they are captured in the RecoveryResult for the caller to act
// on.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/planexec/checkpoint"
	"github.com/AleutianAI/planexec/compensation"
	"github.com/AleutianAI/planexec/plan"
	"github.com/AleutianAI/planexec/rollback"
)

// Strategy selects how a failure is recovered.
type Strategy string

const (
	// StrategySkip trivially succeeds with no side effects.
	StrategySkip Strategy = "skip"

	// StrategyRetry succeeds iff the failure context has retry budget
	// remaining. It signals the caller that another attempt is
	// permitted; it does not re-invoke the task.
	StrategyRetry Strategy = "retry"

	// StrategyCompensateOnly delegates to the compensation engine.
	StrategyCompensateOnly Strategy = "compensate_only"

	// StrategyRollbackToCheckpoint rolls the workspace back to the
	// context's checkpoint, or the task's most recent one.
	StrategyRollbackToCheckpoint Strategy = "rollback_to_checkpoint"

	// StrategyFullRecovery runs both compensation and rollback. Either
	// succeeding counts as sufficient restitution.
	StrategyFullRecovery Strategy = "full_recovery"
)

// DefaultStrategy is used when the caller does not specify one.
const DefaultStrategy = StrategyFullRecovery

// State is the protocol's position in its state machine:
// IDLE → RECOVERING → {RECOVERED | FAILED}.
type State string

const (
	StateIdle       State = "IDLE"
	StateRecovering State = "RECOVERING"
	StateRecovered  State = "RECOVERED"
	StateFailed     State = "FAILED"
)

// FailureContext describes one task failure to recover from. Created by
// the caller (or synthesized) when invoking the protocol.
type FailureContext struct {
	// Task is the failed task. Must not be nil.
	Task *plan.Task

	// Error is the failure message.
	Error string

	// Checkpoint optionally names the checkpoint to recover to. When
	// nil, the task's most recent checkpoint is used.
	Checkpoint *checkpoint.Checkpoint

	// Attempt counts recovery attempts consumed so far.
	Attempt int

	// MaxRetries bounds retry-strategy attempts.
	MaxRetries int

	// Metadata holds caller-defined annotations.
	Metadata map[string]string
}

// Result is the outcome of one recovery invocation.
type Result struct {
	TaskID   string   `json:"task_id"`
	Strategy Strategy `json:"strategy"`
	Success  bool     `json:"success"`

	// CompensationRan/RollbackRan report which sub-mechanisms were
	// attempted; the *Success flags report their individual outcomes.
	CompensationRan     bool `json:"compensation_ran"`
	CompensationSuccess bool `json:"compensation_success"`
	RollbackRan         bool `json:"rollback_ran"`
	RollbackSuccess     bool `json:"rollback_success"`

	// Errors accumulates sub-mechanism failures as text.
	Errors []string `json:"errors,omitempty"`

	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
	Time     time.Time     `json:"time"`
}

// Config configures a Protocol.
type Config struct {
	// Compensation runs compensating actions. Optional; compensation
	// strategies fail without it.
	Compensation *compensation.Engine

	// Rollback reverts the workspace. Optional; rollback strategies
	// fail without it.
	Rollback *rollback.Coordinator

	// Store resolves a task's most recent checkpoint when the failure
	// context does not carry one.
	Store *checkpoint.Store

	// RollbackStrategy is the rollback strategy applied by recovery.
	// Defaults to rollback.DefaultStrategy.
	RollbackStrategy rollback.Strategy

	// Logger for protocol operations. Defaults to slog.Default().
	Logger *slog.Logger
}

// Protocol chooses and executes recovery strategies for failed tasks.
//
// # Thread Safety
//
// Recover is serialized internally: runMu admits one recovery at a time,
// so the protocol holds a single current failure context. Callers must not
// invoke concurrent recoveries for the same task id through different
// protocol instances.
type Protocol struct {
	comp       *compensation.Engine
	rb         *rollback.Coordinator
	store      *checkpoint.Store
	rbStrategy rollback.Strategy
	logger     *slog.Logger

	// runMu serializes Recover end to end; mu guards state and history
	// so observers can read them mid-recovery.
	runMu   sync.Mutex
	mu      sync.Mutex
	state   State
	history []Result
}

// NewProtocol creates a recovery protocol.
func NewProtocol(cfg Config) *Protocol {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rbStrategy := cfg.RollbackStrategy
	if rbStrategy == "" {
		rbStrategy = rollback.DefaultStrategy
	}

	return &Protocol{
		comp:       cfg.Compensation,
		rb:         cfg.Rollback,
		store:      cfg.Store,
		rbStrategy: rbStrategy,
		state:      StateIdle,
		logger:     logger.With("component", "recovery.Protocol"),
	}
}

// State returns the protocol's current state.
func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// History returns a copy of the append-only recovery history.
func (p *Protocol) History() []Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Result(nil), p.history...)
}

// Recover executes a recovery strategy for a failed task.
//
// # Description
//
// Dispatches on the strategy, captures sub-mechanism failures as
// accumulated error strings, appends the result to history, and updates
// the protocol's state. For full recovery, compensation and then rollback
// are attempted in that order regardless of the other's outcome, and
// either succeeding makes the recovery successful.
//
// # Inputs
//
//   - ctx: Context for sub-mechanism operations.
//   - fc: The failure context. Must not be nil and must carry a task.
//   - strategy: Recovery strategy; empty selects DefaultStrategy.
//
// # Outputs
//
//   - *Result: The recovery outcome. Never nil on nil error.
//   - error: Non-nil only for invalid input or an unknown strategy.
func (p *Protocol) Recover(ctx context.Context, fc *FailureContext, strategy Strategy) (*Result, error) {
	if fc == nil || fc.Task == nil {
		return nil, fmt.Errorf("%w: failure context with task is required", ErrInvalidInput)
	}
	if strategy == "" {
		strategy = DefaultStrategy
	}

	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.mu.Lock()
	p.state = StateRecovering
	p.mu.Unlock()

	start := time.Now()
	result := &Result{
		TaskID:   fc.Task.ID,
		Strategy: strategy,
		Time:     start.UTC(),
	}

	p.logger.Info("recovering from task failure",
		slog.String("task_id", fc.Task.ID),
		slog.String("strategy", string(strategy)),
		slog.String("error", fc.Error),
		slog.Int("attempt", fc.Attempt),
	)

	switch strategy {
	case StrategySkip:
		result.Success = true
		result.Message = "failure skipped"

	case StrategyRetry:
		if fc.Attempt < fc.MaxRetries {
			fc.Attempt++
			result.Success = true
			result.Message = fmt.Sprintf("retry permitted (attempt %d of %d)", fc.Attempt, fc.MaxRetries)
		} else {
			result.Message = "retry budget exhausted"
		}

	case StrategyCompensateOnly:
		p.runCompensation(ctx, fc, result)
		result.Success = result.CompensationSuccess

	case StrategyRollbackToCheckpoint:
		p.runRollback(ctx, fc, result)
		result.Success = result.RollbackSuccess

	case StrategyFullRecovery:
		// Both sub-mechanisms mutate the same working tree, so they run
		// one at a time: compensation first, then rollback. Both always
		// run; neither outcome aborts the other.
		p.runCompensation(ctx, fc, result)
		p.runRollback(ctx, fc, result)
		result.Success = result.CompensationSuccess || result.RollbackSuccess

	default:
		p.mu.Lock()
		p.state = StateFailed
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}

	result.Duration = time.Since(start)

	p.mu.Lock()
	if result.Success {
		p.state = StateRecovered
	} else {
		p.state = StateFailed
	}
	p.history = append(p.history, *result)
	p.mu.Unlock()

	p.logger.Info("recovery finished",
		slog.String("task_id", fc.Task.ID),
		slog.String("strategy", string(strategy)),
		slog.Bool("success", result.Success),
		slog.Duration("duration", result.Duration),
	)

	return result, nil
}

// runCompensation attempts compensation and folds the outcome into result.
func (p *Protocol) runCompensation(ctx context.Context, fc *FailureContext, result *Result) {
	result.CompensationRan = true

	if p.comp == nil {
		p.appendError(result, "no compensation engine configured")
		return
	}

	res, err := p.comp.Compensate(ctx, fc.Task)
	if err != nil {
		p.appendError(result, fmt.Sprintf("compensation: %v", err))
		return
	}

	result.CompensationSuccess = res.Success
	if !res.Success {
		for _, e := range res.Errors {
			p.appendError(result, "compensation: "+e)
		}
	}
}

// runRollback attempts rollback and folds the outcome into result.
func (p *Protocol) runRollback(ctx context.Context, fc *FailureContext, result *Result) {
	result.RollbackRan = true

	if p.rb == nil {
		p.appendError(result, "no rollback coordinator configured")
		return
	}

	cp := fc.Checkpoint
	if cp == nil && p.store != nil {
		cp = p.store.LatestForTask(fc.Task.ID)
	}
	if cp == nil {
		p.appendError(result, "rollback: no checkpoint for task "+fc.Task.ID)
		return
	}

	res, err := p.rb.RollbackToCheckpoint(ctx, cp, p.rbStrategy)
	if err != nil {
		p.appendError(result, fmt.Sprintf("rollback: %v", err))
		return
	}

	result.RollbackSuccess = res.Success
	if !res.Success {
		for _, e := range res.Errors {
			p.appendError(result, "rollback: "+e)
		}
	}
}

// appendError accumulates a sub-mechanism failure message.
func (p *Protocol) appendError(result *Result, msg string) {
	result.Errors = append(result.Errors, msg)
}
