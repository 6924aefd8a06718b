// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/planexec/checkpoint"
	"github.com/AleutianAI/planexec/compensation"
	"github.com/AleutianAI/planexec/plan"
	"github.com/AleutianAI/planexec/rollback"
)

// fakeGit is a minimal in-memory version-control client.
type fakeGit struct {
	failErr error
	calls   int
}

func (f *fakeGit) IsRepository(ctx context.Context) bool             { return true }
func (f *fakeGit) CurrentRef(ctx context.Context) (string, error)    { return "sha-1", nil }
func (f *fakeGit) CurrentBranch(ctx context.Context) (string, error) { return "main", nil }
func (f *fakeGit) CleanUntracked(ctx context.Context) error          { return f.failErr }
func (f *fakeGit) Revert(ctx context.Context, ref string) error      { return f.failErr }
func (f *fakeGit) ResetSoft(ctx context.Context, ref string) error   { return f.failErr }

func (f *fakeGit) CheckoutPaths(ctx context.Context, ref string, paths ...string) error {
	f.calls++
	return f.failErr
}

func (f *fakeGit) CheckoutTree(ctx context.Context, ref string) error {
	f.calls++
	return f.failErr
}

func (f *fakeGit) ResetHard(ctx context.Context, ref string) error {
	f.calls++
	return f.failErr
}

func (f *fakeGit) CommitsSince(ctx context.Context, ref string) ([]string, error) {
	return nil, f.failErr
}

// testStack builds a protocol with a real engine, coordinator, and store
// over a fake git client.
func testStack(t *testing.T, git *fakeGit) (*Protocol, *checkpoint.Store) {
	t.Helper()

	store, err := checkpoint.NewStore(checkpoint.Config{Refs: git})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	coordinator, err := rollback.NewCoordinator(rollback.Config{Git: git, Store: store})
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}

	engine := compensation.NewEngine(compensation.Config{Git: git})

	p := NewProtocol(Config{
		Compensation: engine,
		Rollback:     coordinator,
		Store:        store,
	})
	return p, store
}

func failedTask(id string) *plan.Task {
	return &plan.Task{ID: id, Status: plan.StatusFailed, Error: "boom"}
}

func TestRecover_NilContext(t *testing.T) {
	p, _ := testStack(t, &fakeGit{})

	if _, err := p.Recover(context.Background(), nil, StrategySkip); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("error = %v, want %v", err, ErrInvalidInput)
	}
	if _, err := p.Recover(context.Background(), &FailureContext{}, StrategySkip); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("error = %v, want %v", err, ErrInvalidInput)
	}
}

func TestRecover_Skip(t *testing.T) {
	p, _ := testStack(t, &fakeGit{})

	result, err := p.Recover(context.Background(), &FailureContext{Task: failedTask("t1")}, StrategySkip)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if !result.Success {
		t.Errorf("result = %+v, want success", result)
	}
	if result.CompensationRan || result.RollbackRan {
		t.Error("skip must not run sub-mechanisms")
	}
	if p.State() != StateRecovered {
		t.Errorf("state = %v, want %v", p.State(), StateRecovered)
	}
}

func TestRecover_RetryWithinBudget(t *testing.T) {
	p, _ := testStack(t, &fakeGit{})

	fc := &FailureContext{Task: failedTask("t1"), Attempt: 1, MaxRetries: 3}
	result, err := p.Recover(context.Background(), fc, StrategyRetry)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if !result.Success {
		t.Errorf("result = %+v, want success", result)
	}
	if fc.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", fc.Attempt)
	}
}

func TestRecover_RetryExhausted(t *testing.T) {
	p, _ := testStack(t, &fakeGit{})

	fc := &FailureContext{Task: failedTask("t1"), Attempt: 3, MaxRetries: 3}
	result, err := p.Recover(context.Background(), fc, StrategyRetry)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if result.Success {
		t.Error("retry past budget should fail")
	}
	if fc.Attempt != 3 {
		t.Errorf("attempt = %d, want unchanged 3", fc.Attempt)
	}
	if p.State() != StateFailed {
		t.Errorf("state = %v, want %v", p.State(), StateFailed)
	}
}

func TestRecover_CompensateOnly(t *testing.T) {
	p, _ := testStack(t, &fakeGit{})

	task := failedTask("t1")
	task.CompensationCommand = "true"

	result, err := p.Recover(context.Background(), &FailureContext{Task: task}, StrategyCompensateOnly)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if !result.Success || !result.CompensationRan || !result.CompensationSuccess {
		t.Errorf("result = %+v, want compensation success", result)
	}
	if result.RollbackRan {
		t.Error("compensate_only must not run rollback")
	}
}

func TestRecover_RollbackToCheckpoint(t *testing.T) {
	git := &fakeGit{}
	p, store := testStack(t, git)

	task := failedTask("t1")
	if _, err := store.Create(context.Background(), "pre", checkpoint.CreateOptions{TaskID: task.ID}); err != nil {
		t.Fatal(err)
	}

	result, err := p.Recover(context.Background(), &FailureContext{Task: task}, StrategyRollbackToCheckpoint)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if !result.Success || !result.RollbackRan || !result.RollbackSuccess {
		t.Errorf("result = %+v, want rollback success", result)
	}
	if git.calls == 0 {
		t.Error("rollback should touch the workspace")
	}
}

func TestRecover_RollbackWithoutCheckpoint(t *testing.T) {
	p, _ := testStack(t, &fakeGit{})

	result, err := p.Recover(context.Background(), &FailureContext{Task: failedTask("t1")}, StrategyRollbackToCheckpoint)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if result.Success {
		t.Error("rollback without any checkpoint should fail")
	}
	if len(result.Errors) == 0 {
		t.Error("errors should name the missing checkpoint")
	}
}

func TestRecover_FullRecovery_EitherSucceeds(t *testing.T) {
	// Compensation has no mechanism and fails; rollback has a checkpoint
	// and succeeds. Full recovery is satisfied by either.
	git := &fakeGit{}
	p, store := testStack(t, git)

	task := failedTask("t1")
	if _, err := store.Create(context.Background(), "pre", checkpoint.CreateOptions{TaskID: task.ID}); err != nil {
		t.Fatal(err)
	}

	result, err := p.Recover(context.Background(), &FailureContext{Task: task}, StrategyFullRecovery)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	if !result.CompensationRan || !result.RollbackRan {
		t.Errorf("result = %+v, want both sub-mechanisms attempted", result)
	}
	if result.CompensationSuccess {
		t.Error("compensation had no mechanism and should fail")
	}
	if !result.RollbackSuccess || !result.Success {
		t.Errorf("result = %+v, want overall success via rollback", result)
	}
}

// seqGit records an event for every working-tree mutation.
type seqGit struct {
	fakeGit
	events *[]string
}

func (g *seqGit) CheckoutPaths(ctx context.Context, ref string, paths ...string) error {
	*g.events = append(*g.events, "rollback")
	return nil
}

func (g *seqGit) CheckoutTree(ctx context.Context, ref string) error {
	*g.events = append(*g.events, "rollback")
	return nil
}

func (g *seqGit) ResetHard(ctx context.Context, ref string) error {
	*g.events = append(*g.events, "rollback")
	return nil
}

func TestRecover_FullRecovery_CompensationBeforeRollback(t *testing.T) {
	// Both sub-mechanisms mutate the same working tree; full recovery
	// must finish compensation before rollback touches the repository.
	var events []string
	git := &seqGit{events: &events}

	store, err := checkpoint.NewStore(checkpoint.Config{Refs: git})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	coordinator, err := rollback.NewCoordinator(rollback.Config{Git: git, Store: store})
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	engine := compensation.NewEngine(compensation.Config{Git: git})
	if err := engine.RegisterFunction("note", func(ctx context.Context, task *plan.Task) bool {
		events = append(events, "compensation")
		return false
	}); err != nil {
		t.Fatal(err)
	}
	if err := engine.RegisterAction("t1", compensation.ActionFunction, "note", 0); err != nil {
		t.Fatal(err)
	}

	p := NewProtocol(Config{Compensation: engine, Rollback: coordinator, Store: store})

	task := failedTask("t1")
	if _, err := store.Create(context.Background(), "pre", checkpoint.CreateOptions{TaskID: task.ID}); err != nil {
		t.Fatal(err)
	}

	result, err := p.Recover(context.Background(), &FailureContext{Task: task}, StrategyFullRecovery)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if !result.CompensationRan || !result.RollbackRan {
		t.Errorf("result = %+v, want both sub-mechanisms attempted", result)
	}

	if len(events) < 2 || events[0] != "compensation" {
		t.Fatalf("events = %v, want compensation recorded before any tree mutation", events)
	}
	for _, e := range events[1:] {
		if e != "rollback" {
			t.Errorf("events = %v, want only rollback mutations after compensation", events)
		}
	}
}

func TestRecover_SerializesConcurrentCalls(t *testing.T) {
	git := &fakeGit{}
	store, err := checkpoint.NewStore(checkpoint.Config{Refs: git})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	coordinator, err := rollback.NewCoordinator(rollback.Config{Git: git, Store: store})
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	engine := compensation.NewEngine(compensation.Config{Git: git})

	var active, overlapped atomic.Int32
	if err := engine.RegisterFunction("observe", func(ctx context.Context, task *plan.Task) bool {
		if active.Add(1) > 1 {
			overlapped.Store(1)
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if err := engine.RegisterAction("t1", compensation.ActionFunction, "observe", 0); err != nil {
		t.Fatal(err)
	}

	p := NewProtocol(Config{Compensation: engine, Rollback: coordinator, Store: store})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Recover(context.Background(), &FailureContext{Task: failedTask("t1")}, StrategyCompensateOnly); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if overlapped.Load() != 0 {
		t.Error("recoveries overlapped; Recover must admit one caller at a time")
	}
	if got := len(p.History()); got != 4 {
		t.Errorf("history length = %d, want 4", got)
	}
}

func TestRecover_FullRecovery_BothFail(t *testing.T) {
	git := &fakeGit{failErr: errors.New("corrupted")}
	p, store := testStack(t, git)

	task := failedTask("t1")
	task.CompensationCommand = "false"
	if _, err := store.Create(context.Background(), "pre", checkpoint.CreateOptions{TaskID: task.ID}); err != nil {
		t.Fatal(err)
	}

	result, err := p.Recover(context.Background(), &FailureContext{Task: task}, StrategyFullRecovery)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if result.Success {
		t.Errorf("result = %+v, want failure", result)
	}
	if len(result.Errors) == 0 {
		t.Error("both failures should be captured")
	}
	if p.State() != StateFailed {
		t.Errorf("state = %v, want %v", p.State(), StateFailed)
	}
}

func TestRecover_ExplicitCheckpointWins(t *testing.T) {
	git := &fakeGit{}
	p, store := testStack(t, git)

	task := failedTask("t1")
	explicit, err := store.Create(context.Background(), "explicit", checkpoint.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create(context.Background(), "task-own", checkpoint.CreateOptions{TaskID: task.ID}); err != nil {
		t.Fatal(err)
	}

	result, err := p.Recover(context.Background(), &FailureContext{
		Task:       task,
		Checkpoint: explicit,
	}, StrategyRollbackToCheckpoint)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if !result.Success {
		t.Errorf("result = %+v, want success", result)
	}
}

func TestRecover_UnknownStrategy(t *testing.T) {
	p, _ := testStack(t, &fakeGit{})

	_, err := p.Recover(context.Background(), &FailureContext{Task: failedTask("t1")}, "pray")
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("error = %v, want %v", err, ErrUnknownStrategy)
	}
	if p.State() != StateFailed {
		t.Errorf("state = %v, want %v", p.State(), StateFailed)
	}
}

func TestRecover_DefaultStrategy(t *testing.T) {
	p, _ := testStack(t, &fakeGit{})

	task := failedTask("t1")
	task.CompensationCommand = "true"

	result, err := p.Recover(context.Background(), &FailureContext{Task: task}, "")
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if result.Strategy != DefaultStrategy {
		t.Errorf("strategy = %v, want %v", result.Strategy, DefaultStrategy)
	}
}

func TestHistory_Appended(t *testing.T) {
	p, _ := testStack(t, &fakeGit{})

	if p.State() != StateIdle {
		t.Errorf("initial state = %v, want %v", p.State(), StateIdle)
	}

	for i := 0; i < 3; i++ {
		if _, err := p.Recover(context.Background(), &FailureContext{Task: failedTask("t1")}, StrategySkip); err != nil {
			t.Fatal(err)
		}
	}

	if got := len(p.History()); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
}
