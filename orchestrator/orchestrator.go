// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator drives the task state machine and schedules ready
// tasks under a concurrency bound.
//
// # Concurrency Model
//
// A single scheduler loop dispatches ready tasks to worker goroutines that
// feed one completion channel. The loop waits for the first in-flight task
// to finish, applies that single outcome, and immediately refills the
// freed slot. All shared state (the completed/executing/failed/blocked
// sets and the output map) is written only in the loop's single-threaded
// completion-handling step, so no locking is needed inside the
// orchestrator.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/AleutianAI/planexec/graph"
	"github.com/AleutianAI/planexec/plan"
)

var (
	tracer = otel.Tracer("planexec.orchestrator")
	meter  = otel.Meter("planexec.orchestrator")
)

// DefaultMaxParallelTasks bounds concurrent task executions when the
// configuration does not specify a limit.
const DefaultMaxParallelTasks = 4

// DefaultTaskTimeout applies to tasks that do not declare a timeout.
const DefaultTaskTimeout = 30 * time.Second

// Config configures an Orchestrator.
type Config struct {
	// MaxParallelTasks bounds concurrently executing tasks.
	// Defaults to DefaultMaxParallelTasks.
	MaxParallelTasks int

	// DefaultTaskTimeout applies to tasks without a declared timeout.
	// Defaults to DefaultTaskTimeout.
	DefaultTaskTimeout time.Duration

	// Hooks receives task- and plan-level status callbacks. Optional.
	Hooks Hooks

	// Logger for execution logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Hooks are optional status callbacks for the upstream caller. Nil fields
// are skipped. Hooks run synchronously on the scheduler loop; keep them
// fast.
type Hooks struct {
	OnTaskStart    func(task *plan.Task)
	OnTaskComplete func(task *plan.Task)
	OnTaskRetry    func(task *plan.Task, delay time.Duration)
	OnTaskFailed   func(task *plan.Task)
	OnTaskBlocked  func(task *plan.Task)
	OnPlanComplete func(p *plan.ExecutionPlan, result *Result)
}

// Result summarizes one plan execution.
type Result struct {
	PlanID string `json:"plan_id"`
	RunID  string `json:"run_id"`

	Status plan.PlanStatus `json:"status"`

	// Completed, Failed, and Blocked list terminal task ids in the order
	// they reached their terminal state.
	Completed []string `json:"completed,omitempty"`
	Failed    []string `json:"failed,omitempty"`
	Blocked   []string `json:"blocked,omitempty"`

	// Outputs maps completed task ids to their output maps.
	Outputs map[string]map[string]any `json:"outputs,omitempty"`

	// TaskDurations records wall-clock execution time per attempt-final
	// task.
	TaskDurations map[string]time.Duration `json:"task_durations,omitempty"`

	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Orchestrator executes plans under a concurrency bound.
//
// # Thread Safety
//
// Safe for concurrent use; each ExecutePlan call owns its plan's state.
type Orchestrator struct {
	maxParallel    int
	defaultTimeout time.Duration
	hooks          Hooks
	executor       Executor
	logger         *slog.Logger

	// Metrics (initialized lazily).
	metricsOnce sync.Once
	taskLatency metric.Float64Histogram
	taskSuccess metric.Int64Counter
	taskFailure metric.Int64Counter
	activeTasks metric.Int64UpDownCounter
	planLatency metric.Float64Histogram
}

// New creates an orchestrator.
//
// # Inputs
//
//   - cfg: Scheduler configuration. Zero values take defaults.
//   - executor: The unit-execution contract. Must not be nil.
//
// # Outputs
//
//   - *Orchestrator: The configured orchestrator.
//   - error: Non-nil if executor is nil.
func New(cfg Config, executor Executor) (*Orchestrator, error) {
	if executor == nil {
		return nil, ErrNilExecutor
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxParallel := cfg.MaxParallelTasks
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallelTasks
	}
	defaultTimeout := cfg.DefaultTaskTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTaskTimeout
	}

	return &Orchestrator{
		maxParallel:    maxParallel,
		defaultTimeout: defaultTimeout,
		hooks:          cfg.Hooks,
		executor:       executor,
		logger:         logger,
	}, nil
}

// initMetrics lazily initializes metrics. Metric creation failures degrade
// observability but never execution.
func (o *Orchestrator) initMetrics() {
	o.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		o.taskLatency, err = meter.Float64Histogram("plan_task_duration_seconds",
			metric.WithDescription("Time spent executing each task attempt"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "task_latency: "+err.Error())
		}

		o.taskSuccess, err = meter.Int64Counter("plan_task_success_total",
			metric.WithDescription("Number of successful task executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "task_success: "+err.Error())
		}

		o.taskFailure, err = meter.Int64Counter("plan_task_failure_total",
			metric.WithDescription("Number of failed task attempts"),
		)
		if err != nil {
			initErrors = append(initErrors, "task_failure: "+err.Error())
		}

		o.activeTasks, err = meter.Int64UpDownCounter("plan_active_tasks",
			metric.WithDescription("Number of currently executing tasks"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_tasks: "+err.Error())
		}

		o.planLatency, err = meter.Float64Histogram("plan_duration_seconds",
			metric.WithDescription("Total plan execution time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "plan_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			o.logger.Error("failed to initialize some orchestrator metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// taskOutcome carries one attempt's result back to the scheduler loop.
type taskOutcome struct {
	id       string
	outputs  map[string]any
	err      error
	duration time.Duration
}

// ExecutePlan runs a plan to completion.
//
// # Description
//
// Resolves dependencies once, then loops: compute ready tasks, dispatch up
// to the free concurrency slots, await the first completion among in-flight
// tasks, apply its outcome, repeat until every reachable task is terminal.
// Failed tasks retry per their policy; exhausted failures cascade BLOCKED
// to direct dependents. Graph errors surface before any task runs.
//
// # Inputs
//
//   - ctx: Context for cancellation. Must not be nil.
//   - p: The validated plan to execute. Must not be nil.
//
// # Outputs
//
//   - *Result: Execution summary, also populated on failure.
//   - error: Graph errors, ErrNoProgress, or the context's error.
func (o *Orchestrator) ExecutePlan(ctx context.Context, p *plan.ExecutionPlan) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if p == nil {
		return nil, ErrInvalidInput
	}

	g, err := graph.Resolve(p)
	if err != nil {
		return nil, err
	}

	o.initMetrics()

	ctx, span := tracer.Start(ctx, "plan.Execute",
		trace.WithAttributes(
			attribute.String("plan.id", p.ID),
			attribute.Int("plan.task_count", len(p.Tasks)),
			attribute.Int("plan.max_parallel", o.maxParallel),
		),
	)
	defer span.End()

	start := time.Now()
	runID := uuid.NewString()[:12]
	logger := o.logger.With(
		slog.String("plan_id", p.ID),
		slog.String("run_id", runID),
	)

	logger.Info("plan execution started",
		slog.Int("tasks", len(p.Tasks)),
		slog.Int("max_parallel", o.maxParallel),
	)

	// Empty statuses default to PENDING; anything else is the caller's
	// bookkeeping and is trusted as-is.
	for _, t := range p.Tasks {
		if t.Status == "" {
			t.Status = plan.StatusPending
		}
	}
	p.Status = plan.PlanExecuting

	result := &Result{
		PlanID:        p.ID,
		RunID:         runID,
		Outputs:       make(map[string]map[string]any),
		TaskDurations: make(map[string]time.Duration),
	}

	completed := make(map[string]bool)
	executing := make(map[string]bool)
	failed := make(map[string]bool)
	retryAt := make(map[string]time.Time)

	results := make(chan taskOutcome, len(p.Tasks))
	inflight := 0

	fail := func(err error) (*Result, error) {
		p.Status = plan.PlanFailed
		result.Status = plan.PlanFailed
		result.Error = err.Error()
		result.Duration = time.Since(start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	for {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		default:
		}

		// Ready tasks, minus those still waiting out a retry backoff.
		ready := g.ReadyTasks(completed, executing)
		dispatchable := ready[:0:0]
		var nextRetry time.Time
		now := time.Now()
		for _, t := range ready {
			if at, ok := retryAt[t.ID]; ok && now.Before(at) {
				if nextRetry.IsZero() || at.Before(nextRetry) {
					nextRetry = at
				}
				continue
			}
			dispatchable = append(dispatchable, t)
		}

		// Fill free slots.
		for inflight < o.maxParallel && len(dispatchable) > 0 {
			t := dispatchable[0]
			dispatchable = dispatchable[1:]
			delete(retryAt, t.ID)

			t.Status = plan.StatusReady
			inputs := bindInputs(t, result.Outputs)
			t.Status = plan.StatusExecuting
			t.StartedAt = time.Now()
			executing[t.ID] = true
			inflight++

			if o.hooks.OnTaskStart != nil {
				o.hooks.OnTaskStart(t)
			}

			logger.Debug("task dispatched",
				slog.String("task_id", t.ID),
				slog.Int("retry_count", t.RetryCount),
			)

			go o.runTask(ctx, t, inputs, results)
		}

		if inflight == 0 {
			if !nextRetry.IsZero() {
				// Everything runnable is waiting out a backoff.
				select {
				case <-ctx.Done():
					return fail(ctx.Err())
				case <-time.After(time.Until(nextRetry)):
				}
				continue
			}

			if len(failed) == 0 && !allTerminal(g) {
				return fail(ErrNoProgress)
			}
			break
		}

		// Wait for the first completion; wake early if a retry comes due
		// while slots are free.
		var retryTimer <-chan time.Time
		if !nextRetry.IsZero() && inflight < o.maxParallel {
			retryTimer = time.After(time.Until(nextRetry))
		}

		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case <-retryTimer:
			continue
		case out := <-results:
			o.applyOutcome(g, out, completed, executing, failed, retryAt, result, p, logger)
			inflight--
		}
	}

	duration := time.Since(start)
	result.Duration = duration
	if len(failed) > 0 {
		p.Status = plan.PlanFailed
		result.Status = plan.PlanFailed
	} else {
		p.Status = plan.PlanCompleted
		result.Status = plan.PlanCompleted
	}

	if o.planLatency != nil {
		o.planLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("plan", p.ID)),
		)
	}

	if result.Status == plan.PlanCompleted {
		span.SetStatus(codes.Ok, "")
		logger.Info("plan completed",
			slog.Duration("duration", duration),
			slog.Int("tasks_completed", len(result.Completed)),
		)
	} else {
		span.SetStatus(codes.Error, "plan failed")
		logger.Error("plan failed",
			slog.Duration("duration", duration),
			slog.Int("tasks_completed", len(result.Completed)),
			slog.Int("tasks_failed", len(result.Failed)),
			slog.Int("tasks_blocked", len(result.Blocked)),
		)
	}

	if o.hooks.OnPlanComplete != nil {
		o.hooks.OnPlanComplete(p, result)
	}

	return result, nil
}

// runTask executes one attempt in a worker goroutine and reports the
// outcome on the completion channel.
func (o *Orchestrator) runTask(ctx context.Context, t *plan.Task, inputs map[string]any, results chan<- taskOutcome) {
	ctx, span := tracer.Start(ctx, "plan.Task",
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.type", string(t.Type)),
			attribute.Int("task.retry_count", t.RetryCount),
		),
	)
	defer span.End()

	if o.activeTasks != nil {
		o.activeTasks.Add(ctx, 1)
		defer o.activeTasks.Add(ctx, -1)
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = o.defaultTimeout
	}

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	outputs, err := o.executor.Execute(taskCtx, t, inputs)
	duration := time.Since(start)

	if o.taskLatency != nil {
		o.taskLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("task", t.ID)),
		)
	}

	if err != nil {
		if taskCtx.Err() == context.DeadlineExceeded {
			err = &TaskError{TaskID: t.ID, Err: ErrTaskTimeout}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	results <- taskOutcome{id: t.ID, outputs: outputs, err: err, duration: duration}
}

// applyOutcome folds one completion into the shared state. Runs only on
// the scheduler loop.
func (o *Orchestrator) applyOutcome(
	g *graph.Graph,
	out taskOutcome,
	completed, executing, failed map[string]bool,
	retryAt map[string]time.Time,
	result *Result,
	p *plan.ExecutionPlan,
	logger *slog.Logger,
) {
	delete(executing, out.id)
	t := g.Task(out.id)
	result.TaskDurations[out.id] = out.duration

	if out.err == nil {
		t.Status = plan.StatusCompleted
		t.CompletedAt = time.Now()
		t.Output = out.outputs
		t.Error = ""
		completed[out.id] = true
		result.Completed = append(result.Completed, out.id)
		result.Outputs[out.id] = out.outputs
		p.CompletedTasks++

		if o.taskSuccess != nil {
			o.taskSuccess.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("task", out.id)),
			)
		}
		if o.hooks.OnTaskComplete != nil {
			o.hooks.OnTaskComplete(t)
		}

		logger.Info("task completed",
			slog.String("task_id", out.id),
			slog.Duration("duration", out.duration),
		)
		return
	}

	t.Error = out.err.Error()
	if o.taskFailure != nil {
		o.taskFailure.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("task", out.id)),
		)
	}

	if t.CanRetry() {
		t.RetryCount++
		t.Status = plan.StatusPending
		delay := t.Retry.Delay(t.RetryCount)
		retryAt[out.id] = time.Now().Add(delay)

		if o.hooks.OnTaskRetry != nil {
			o.hooks.OnTaskRetry(t, delay)
		}

		logger.Warn("task failed, will retry",
			slog.String("task_id", out.id),
			slog.Int("retry_count", t.RetryCount),
			slog.Int("max_retries", t.Retry.MaxRetries),
			slog.Duration("delay", delay),
			slog.String("error", out.err.Error()),
		)
		return
	}

	t.Status = plan.StatusFailed
	t.CompletedAt = time.Now()
	failed[out.id] = true
	result.Failed = append(result.Failed, out.id)
	p.FailedTasks++

	if o.hooks.OnTaskFailed != nil {
		o.hooks.OnTaskFailed(t)
	}

	logger.Error("task failed permanently",
		slog.String("task_id", out.id),
		slog.Int("attempts", t.RetryCount+1),
		slog.String("error", out.err.Error()),
	)

	// Cascade BLOCKED to direct dependents. Their own dependents simply
	// never become ready because this dependency never completes.
	for _, depID := range g.Dependents(out.id) {
		dep := g.Task(depID)
		if dep.Status.IsTerminal() || dep.Status == plan.StatusExecuting {
			continue
		}
		dep.Status = plan.StatusBlocked
		result.Blocked = append(result.Blocked, depID)

		if o.hooks.OnTaskBlocked != nil {
			o.hooks.OnTaskBlocked(dep)
		}

		logger.Warn("task blocked by failed dependency",
			slog.String("task_id", depID),
			slog.String("failed_dependency", out.id),
		)
	}
}

// bindInputs merges a task's static inputs with bound outputs from its
// data dependencies: either the declared output key or, absent one, the
// dependency's entire output map.
func bindInputs(t *plan.Task, outputs map[string]map[string]any) map[string]any {
	inputs := make(map[string]any, len(t.Input))
	for k, v := range t.Input {
		inputs[k] = v
	}

	for _, dep := range t.Dependencies {
		if dep.Kind != plan.DepData {
			continue
		}
		depOut, ok := outputs[dep.TaskID]
		if !ok {
			continue
		}
		if dep.OutputKey != "" {
			if v, ok := depOut[dep.OutputKey]; ok {
				inputs[dep.OutputKey] = v
			}
			continue
		}
		for k, v := range depOut {
			inputs[k] = v
		}
	}

	return inputs
}

// allTerminal reports whether every task in the graph reached a terminal
// state.
func allTerminal(g *graph.Graph) bool {
	for _, id := range g.TaskIDs() {
		if !g.Task(id).Status.IsTerminal() {
			return false
		}
	}
	return true
}
