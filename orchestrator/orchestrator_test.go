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
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/planexec/graph"
	"github.com/AleutianAI/planexec/plan"
)

// recordingExecutor records the order tasks are executed in and lets tests
// inject per-task behavior.
type recordingExecutor struct {
	mu    sync.Mutex
	order []string

	// fail maps task ids to the number of attempts that should fail
	// before succeeding. Negative means fail forever.
	fail map[string]int

	// outputs maps task ids to the outputs to return on success.
	outputs map[string]map[string]any

	// delay maps task ids to a sleep inserted before completion.
	delay map[string]time.Duration

	attempts atomic.Int64
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{
		fail:    make(map[string]int),
		outputs: make(map[string]map[string]any),
		delay:   make(map[string]time.Duration),
	}
}

func (e *recordingExecutor) Execute(ctx context.Context, task *plan.Task, inputs map[string]any) (map[string]any, error) {
	e.attempts.Add(1)
	e.mu.Lock()
	e.order = append(e.order, task.ID)
	remaining := e.fail[task.ID]
	if remaining > 0 {
		e.fail[task.ID] = remaining - 1
	}
	e.mu.Unlock()

	if d := e.delay[task.ID]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if remaining != 0 {
		return nil, errors.New("injected failure")
	}

	if out, ok := e.outputs[task.ID]; ok {
		return out, nil
	}
	return map[string]any{"result": task.ID}, nil
}

func (e *recordingExecutor) executionOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

func testTask(id string, deps ...string) *plan.Task {
	t := &plan.Task{
		ID:     id,
		Status: plan.StatusPending,
		Retry:  plan.RetryPolicy{MaxRetries: 0},
	}
	for _, d := range deps {
		t.Dependencies = append(t.Dependencies, plan.Dependency{
			TaskID: d,
			Kind:   plan.DepBlocking,
		})
	}
	return t
}

func newTestOrchestrator(t *testing.T, cfg Config, e Executor) *Orchestrator {
	t.Helper()
	o, err := New(cfg, e)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

func TestNew_NilExecutor(t *testing.T) {
	_, err := New(Config{}, nil)
	if !errors.Is(err, ErrNilExecutor) {
		t.Errorf("error = %v, want %v", err, ErrNilExecutor)
	}
}

func TestExecutePlan_NilInputs(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, newRecordingExecutor())

	//nolint:staticcheck // nil context is the case under test
	if _, err := o.ExecutePlan(nil, &plan.ExecutionPlan{}); !errors.Is(err, ErrNilContext) {
		t.Errorf("nil ctx error = %v, want %v", err, ErrNilContext)
	}
	if _, err := o.ExecutePlan(context.Background(), nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("nil plan error = %v, want %v", err, ErrInvalidInput)
	}
}

func TestExecutePlan_GraphErrorsBeforeExecution(t *testing.T) {
	e := newRecordingExecutor()
	o := newTestOrchestrator(t, Config{}, e)

	p := &plan.ExecutionPlan{ID: "cyclic", Tasks: []*plan.Task{
		testTask("A", "B"),
		testTask("B", "A"),
	}}

	_, err := o.ExecutePlan(context.Background(), p)
	if !errors.Is(err, graph.ErrCircularDependency) {
		t.Fatalf("error = %v, want %v", err, graph.ErrCircularDependency)
	}
	if e.attempts.Load() != 0 {
		t.Errorf("no task should execute on a graph error, got %d attempts", e.attempts.Load())
	}
}

func TestExecutePlan_SequentialRespectsDependencies(t *testing.T) {
	e := newRecordingExecutor()
	o := newTestOrchestrator(t, Config{MaxParallelTasks: 1}, e)

	p := &plan.ExecutionPlan{ID: "linear", Tasks: []*plan.Task{
		testTask("A"),
		testTask("B", "A"),
		testTask("C", "B"),
	}}

	result, err := o.ExecutePlan(context.Background(), p)
	if err != nil {
		t.Fatalf("ExecutePlan() error = %v", err)
	}
	if result.Status != plan.PlanCompleted {
		t.Fatalf("status = %v, want %v", result.Status, plan.PlanCompleted)
	}

	order := e.executionOrder()
	want := []string{"A", "B", "C"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
	if p.Status != plan.PlanCompleted || p.CompletedTasks != 3 {
		t.Errorf("plan = %s with %d completed, want completed/3", p.Status, p.CompletedTasks)
	}
}

func TestExecutePlan_IndependentTasksRunConcurrently(t *testing.T) {
	// Both tasks block until the other has started; only true concurrency
	// lets the plan finish.
	started := make(chan string, 2)
	release := make(chan struct{})
	var once sync.Once

	e := ExecutorFunc(func(ctx context.Context, task *plan.Task, inputs map[string]any) (map[string]any, error) {
		started <- task.ID
		once.Do(func() {
			go func() {
				<-started
				<-started
				close(release)
			}()
		})
		select {
		case <-release:
			return map[string]any{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	o := newTestOrchestrator(t, Config{
		MaxParallelTasks:   2,
		DefaultTaskTimeout: 5 * time.Second,
	}, e)

	p := &plan.ExecutionPlan{ID: "parallel", Tasks: []*plan.Task{
		testTask("A"),
		testTask("B"),
	}}

	result, err := o.ExecutePlan(context.Background(), p)
	if err != nil {
		t.Fatalf("ExecutePlan() error = %v", err)
	}
	if result.Status != plan.PlanCompleted {
		t.Errorf("status = %v, want %v", result.Status, plan.PlanCompleted)
	}
}

func TestExecutePlan_RetryThenSucceed(t *testing.T) {
	e := newRecordingExecutor()
	e.fail["A"] = 2 // first two attempts fail

	o := newTestOrchestrator(t, Config{}, e)

	task := testTask("A")
	task.Retry = plan.RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      time.Millisecond,
		BackoffMultiplier: 1.0,
	}
	p := &plan.ExecutionPlan{ID: "retry", Tasks: []*plan.Task{task}}

	result, err := o.ExecutePlan(context.Background(), p)
	if err != nil {
		t.Fatalf("ExecutePlan() error = %v", err)
	}
	if result.Status != plan.PlanCompleted {
		t.Fatalf("status = %v, want %v", result.Status, plan.PlanCompleted)
	}
	if got := e.attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if task.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", task.RetryCount)
	}
	if task.Status != plan.StatusCompleted {
		t.Errorf("task status = %v, want %v", task.Status, plan.StatusCompleted)
	}
}

func TestExecutePlan_RetriesExhaustedBlocksDependents(t *testing.T) {
	e := newRecordingExecutor()
	e.fail["A"] = -1 // fail forever

	var retries, failures int
	o := newTestOrchestrator(t, Config{
		Hooks: Hooks{
			OnTaskRetry:  func(*plan.Task, time.Duration) { retries++ },
			OnTaskFailed: func(*plan.Task) { failures++ },
		},
	}, e)

	a := testTask("A")
	a.Retry = plan.RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      time.Millisecond,
		BackoffMultiplier: 1.0,
	}
	b := testTask("B", "A")
	c := testTask("C", "B")
	p := &plan.ExecutionPlan{ID: "exhaust", Tasks: []*plan.Task{a, b, c}}

	result, err := o.ExecutePlan(context.Background(), p)
	if err != nil {
		t.Fatalf("ExecutePlan() error = %v", err)
	}

	// Initial attempt plus three retries.
	if got := e.attempts.Load(); got != 4 {
		t.Errorf("attempts = %d, want 4", got)
	}
	if retries != 3 || failures != 1 {
		t.Errorf("hooks: retries = %d failures = %d, want 3/1", retries, failures)
	}

	if result.Status != plan.PlanFailed {
		t.Errorf("status = %v, want %v", result.Status, plan.PlanFailed)
	}
	if a.Status != plan.StatusFailed {
		t.Errorf("A status = %v, want %v", a.Status, plan.StatusFailed)
	}

	// Only the direct dependent is blocked; its own dependents simply
	// never become ready.
	if b.Status != plan.StatusBlocked {
		t.Errorf("B status = %v, want %v", b.Status, plan.StatusBlocked)
	}
	if c.Status != plan.StatusPending {
		t.Errorf("C status = %v, want %v", c.Status, plan.StatusPending)
	}
	if len(result.Blocked) != 1 || result.Blocked[0] != "B" {
		t.Errorf("blocked = %v, want [B]", result.Blocked)
	}
}

func TestExecutePlan_FailureDoesNotAbortSiblings(t *testing.T) {
	e := newRecordingExecutor()
	e.fail["bad"] = -1

	o := newTestOrchestrator(t, Config{MaxParallelTasks: 1}, e)

	p := &plan.ExecutionPlan{ID: "siblings", Tasks: []*plan.Task{
		testTask("bad"),
		testTask("good"),
		testTask("after-good", "good"),
	}}

	result, err := o.ExecutePlan(context.Background(), p)
	if err != nil {
		t.Fatalf("ExecutePlan() error = %v", err)
	}
	if result.Status != plan.PlanFailed {
		t.Errorf("status = %v, want %v", result.Status, plan.PlanFailed)
	}

	// The independent subtree still ran to completion.
	if len(result.Completed) != 2 {
		t.Errorf("completed = %v, want [good after-good]", result.Completed)
	}
}

func TestExecutePlan_DataDependencyBinding(t *testing.T) {
	var gotInputs map[string]any
	e := ExecutorFunc(func(ctx context.Context, task *plan.Task, inputs map[string]any) (map[string]any, error) {
		if task.ID == "producer" {
			return map[string]any{"artifact": "a.tar", "log": "ok"}, nil
		}
		gotInputs = inputs
		return map[string]any{}, nil
	})

	o := newTestOrchestrator(t, Config{}, e)

	consumer := testTask("consumer")
	consumer.Input = map[string]any{"mode": "fast"}
	consumer.Dependencies = []plan.Dependency{{
		TaskID:    "producer",
		Kind:      plan.DepData,
		OutputKey: "artifact",
	}}

	p := &plan.ExecutionPlan{ID: "databind", Tasks: []*plan.Task{
		testTask("producer"),
		consumer,
	}}

	if _, err := o.ExecutePlan(context.Background(), p); err != nil {
		t.Fatalf("ExecutePlan() error = %v", err)
	}

	if gotInputs["artifact"] != "a.tar" {
		t.Errorf("inputs[artifact] = %v, want a.tar", gotInputs["artifact"])
	}
	if gotInputs["mode"] != "fast" {
		t.Errorf("static input lost: %v", gotInputs)
	}
	if _, ok := gotInputs["log"]; ok {
		t.Error("non-selected output key should not be bound")
	}
}

func TestExecutePlan_TaskTimeout(t *testing.T) {
	e := newRecordingExecutor()
	e.delay["slow"] = time.Second

	o := newTestOrchestrator(t, Config{}, e)

	slow := testTask("slow")
	slow.Timeout = 20 * time.Millisecond
	p := &plan.ExecutionPlan{ID: "timeout", Tasks: []*plan.Task{slow}}

	result, err := o.ExecutePlan(context.Background(), p)
	if err != nil {
		t.Fatalf("ExecutePlan() error = %v", err)
	}
	if result.Status != plan.PlanFailed {
		t.Errorf("status = %v, want %v", result.Status, plan.PlanFailed)
	}
	if slow.Status != plan.StatusFailed {
		t.Errorf("task status = %v, want %v", slow.Status, plan.StatusFailed)
	}
	if slow.Error == "" {
		t.Error("task error should record the timeout")
	}
}

func TestExecutePlan_NoProgressIsFatal(t *testing.T) {
	e := newRecordingExecutor()
	o := newTestOrchestrator(t, Config{}, e)

	// A task stuck in EXECUTING from a previous run: never ready, never
	// terminal, and nothing has failed.
	stuck := testTask("stuck")
	stuck.Status = plan.StatusExecuting
	p := &plan.ExecutionPlan{ID: "stuck", Tasks: []*plan.Task{stuck}}

	result, err := o.ExecutePlan(context.Background(), p)
	if !errors.Is(err, ErrNoProgress) {
		t.Fatalf("error = %v, want %v", err, ErrNoProgress)
	}
	if result == nil || result.Status != plan.PlanFailed {
		t.Errorf("result = %+v, want failed result", result)
	}
}

func TestExecutePlan_ContextCancellation(t *testing.T) {
	e := newRecordingExecutor()
	e.delay["A"] = time.Second

	o := newTestOrchestrator(t, Config{DefaultTaskTimeout: 5 * time.Second}, e)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	p := &plan.ExecutionPlan{ID: "cancel", Tasks: []*plan.Task{testTask("A")}}
	_, err := o.ExecutePlan(ctx, p)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want %v", err, context.Canceled)
	}
}

func TestExecutePlan_OutputsRecorded(t *testing.T) {
	e := newRecordingExecutor()
	e.outputs["A"] = map[string]any{"answer": 42}

	o := newTestOrchestrator(t, Config{}, e)
	p := &plan.ExecutionPlan{ID: "outputs", Tasks: []*plan.Task{testTask("A")}}

	result, err := o.ExecutePlan(context.Background(), p)
	if err != nil {
		t.Fatalf("ExecutePlan() error = %v", err)
	}
	if result.Outputs["A"]["answer"] != 42 {
		t.Errorf("outputs = %v, want answer=42", result.Outputs)
	}
	if result.RunID == "" {
		t.Error("run id should be set")
	}
	if _, ok := result.TaskDurations["A"]; !ok {
		t.Error("task duration should be recorded")
	}
}
