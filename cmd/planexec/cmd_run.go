// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/planexec/checkpoint"
	"github.com/AleutianAI/planexec/compensation"
	"github.com/AleutianAI/planexec/orchestrator"
	"github.com/AleutianAI/planexec/plan"
	"github.com/AleutianAI/planexec/recovery"
	"github.com/AleutianAI/planexec/rollback"
	"github.com/AleutianAI/planexec/storage/badgerstore"
	"github.com/AleutianAI/planexec/vcs"
)

var (
	runMaxParallel int
	runWorkDir     string
	runTimeout     string
	runJSONOutput  bool
	runDryRun      bool
	runCheckpoints bool
	runDBPath      string
	runRecovery    string
)

var runCmd = &cobra.Command{
	Use:   "run [plan.yaml]",
	Short: "Execute a plan",
	Long: `Loads a YAML plan, resolves its dependency graph, and executes
every task through the shell command executor. With --checkpoint, a git
checkpoint is captured before each task and failed tasks are recovered
via the configured recovery strategy.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	runCmd.Flags().IntVarP(&runMaxParallel, "max-parallel", "p", 0,
		"Maximum concurrently executing tasks (0 = default)")
	runCmd.Flags().StringVarP(&runWorkDir, "work-dir", "w", ".",
		"Working directory for task commands")
	runCmd.Flags().StringVar(&runTimeout, "task-timeout", "",
		"Default timeout for tasks without one (e.g. 2m)")
	runCmd.Flags().BoolVar(&runJSONOutput, "json", false,
		"Print the execution result as JSON")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false,
		"Report rollback actions without mutating the workspace")
	runCmd.Flags().BoolVarP(&runCheckpoints, "checkpoint", "c", false,
		"Capture a git checkpoint before each task and recover failures")
	runCmd.Flags().StringVar(&runDBPath, "db", "",
		"BadgerDB path for durable checkpoints (empty = in-memory)")
	runCmd.Flags().StringVar(&runRecovery, "recovery-strategy", string(recovery.DefaultStrategy),
		"Recovery strategy for failed tasks (skip, retry, compensate_only, rollback_to_checkpoint, full_recovery)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := plan.LoadFile(args[0])
	if err != nil {
		return err
	}

	cfg := orchestrator.Config{
		MaxParallelTasks: runMaxParallel,
		Logger:           slog.Default(),
	}
	if runTimeout != "" {
		d, err := time.ParseDuration(runTimeout)
		if err != nil {
			return fmt.Errorf("invalid --task-timeout: %w", err)
		}
		cfg.DefaultTaskTimeout = d
	}

	var protocol *recovery.Protocol
	var coordinator *rollback.Coordinator
	if runCheckpoints {
		protocol, coordinator, err = buildRecoveryStack(ctx)
		if err != nil {
			return err
		}
		cfg.Hooks = recoveryHooks(ctx, coordinator, protocol)
	}

	orch, err := orchestrator.New(cfg, &orchestrator.CommandExecutor{WorkDir: runWorkDir})
	if err != nil {
		return err
	}

	result, err := orch.ExecutePlan(ctx, p)
	if err != nil && result == nil {
		return err
	}

	if runJSONOutput {
		data, merr := json.MarshalIndent(result, "", "  ")
		if merr != nil {
			return merr
		}
		fmt.Println(string(data))
	} else {
		printResult(result)
	}

	if result.Status != plan.PlanCompleted {
		return fmt.Errorf("plan %s: %s", p.ID, result.Status)
	}
	return nil
}

// buildRecoveryStack wires the git client, checkpoint store, compensation
// engine, rollback coordinator, and recovery protocol for --checkpoint runs.
func buildRecoveryStack(ctx context.Context) (*recovery.Protocol, *rollback.Coordinator, error) {
	absDir, err := filepath.Abs(runWorkDir)
	if err != nil {
		return nil, nil, err
	}

	git, err := vcs.NewCLIClient(absDir, 0)
	if err != nil {
		return nil, nil, err
	}
	if !git.IsRepository(ctx) {
		return nil, nil, fmt.Errorf("--checkpoint requires a git repository at %s", absDir)
	}

	storeCfg := checkpoint.Config{Refs: git, Logger: slog.Default()}
	if runDBPath != "" {
		db, err := badgerstore.OpenWithPath(runDBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening checkpoint database: %w", err)
		}
		storeCfg.DB = db
	}

	store, err := checkpoint.NewStore(storeCfg)
	if err != nil {
		return nil, nil, err
	}

	coordinator, err := rollback.NewCoordinator(rollback.Config{
		Git:     git,
		Store:   store,
		DryRun:  runDryRun,
		WorkDir: absDir,
	})
	if err != nil {
		return nil, nil, err
	}

	engine := compensation.NewEngine(compensation.Config{
		Git:     git,
		WorkDir: absDir,
	})

	protocol := recovery.NewProtocol(recovery.Config{
		Compensation: engine,
		Rollback:     coordinator,
		Store:        store,
	})

	return protocol, coordinator, nil
}

// recoveryHooks checkpoints before each task and recovers permanent
// failures. Retryable failures are left to the orchestrator's own backoff.
func recoveryHooks(ctx context.Context, coordinator *rollback.Coordinator, protocol *recovery.Protocol) orchestrator.Hooks {
	return orchestrator.Hooks{
		OnTaskStart: func(t *plan.Task) {
			if t.RetryCount > 0 {
				return
			}
			if _, err := coordinator.Checkpoint(ctx, t, ""); err != nil {
				slog.Warn("could not checkpoint before task",
					"task_id", t.ID, "error", err)
			}
		},
		OnTaskFailed: func(t *plan.Task) {
			fc := &recovery.FailureContext{
				Task:       t,
				Error:      t.Error,
				Attempt:    t.RetryCount,
				MaxRetries: t.Retry.MaxRetries,
			}
			res, err := protocol.Recover(ctx, fc, recovery.Strategy(runRecovery))
			if err != nil {
				slog.Error("recovery failed", "task_id", t.ID, "error", err)
				return
			}
			slog.Info("recovery finished",
				"task_id", t.ID,
				"strategy", res.Strategy,
				"success", res.Success,
			)
		},
	}
}

func printResult(r *orchestrator.Result) {
	fmt.Printf("Plan %s (%s): %s in %s\n", r.PlanID, r.RunID, r.Status, r.Duration.Round(time.Millisecond))
	for _, id := range r.Completed {
		fmt.Printf("  ✓ %s (%s)\n", id, r.TaskDurations[id].Round(time.Millisecond))
	}
	for _, id := range r.Failed {
		fmt.Printf("  ✗ %s failed\n", id)
	}
	for _, id := range r.Blocked {
		fmt.Printf("  - %s blocked\n", id)
	}
}
