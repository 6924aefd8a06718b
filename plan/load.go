// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plan

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// planFile is the on-disk YAML shape of a plan. Durations are Go duration
// strings ("30s", "2m") rather than nanosecond integers.
type planFile struct {
	ID     string     `yaml:"id"`
	Name   string     `yaml:"name"`
	Budget budgetFile `yaml:"budget"`
	Tasks  []taskFile `yaml:"tasks"`
}

type budgetFile struct {
	TimeLimit  string `yaml:"time_limit"`
	TokenLimit int64  `yaml:"token_limit"`
}

type taskFile struct {
	ID                  string         `yaml:"id"`
	Name                string         `yaml:"name"`
	Type                string         `yaml:"type"`
	Dependencies        []Dependency   `yaml:"dependencies"`
	Input               map[string]any `yaml:"input"`
	Executor            string         `yaml:"executor"`
	Timeout             string         `yaml:"timeout"`
	Retry               *retryFile     `yaml:"retry"`
	CompensationCommand string         `yaml:"compensation_command"`
	Files               []string       `yaml:"files"`
}

type retryFile struct {
	MaxRetries        int     `yaml:"max_retries"`
	InitialDelay      string  `yaml:"initial_delay"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	MaxDelay          string  `yaml:"max_delay"`
}

// Load parses a YAML plan document.
//
// # Description
//
// Durations are accepted as Go duration strings. Tasks without a retry
// block get DefaultRetryPolicy; tasks without a type default to atomic;
// dependencies without a kind default to blocking. A missing plan id is
// generated. Load validates shape only; graph validation (duplicates,
// missing dependencies, cycles) happens at resolve time.
//
// # Inputs
//
//   - data: The YAML document.
//
// # Outputs
//
//   - *ExecutionPlan: The parsed plan in DRAFT status.
//   - error: Non-nil on malformed YAML or an unparseable duration.
func Load(data []byte) (*ExecutionPlan, error) {
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}

	p := &ExecutionPlan{
		ID:        pf.ID,
		Name:      pf.Name,
		Status:    PlanDraft,
		CreatedAt: time.Now().UTC(),
	}
	if p.ID == "" {
		p.ID = uuid.NewString()[:12]
	}

	if pf.Budget.TimeLimit != "" {
		d, err := time.ParseDuration(pf.Budget.TimeLimit)
		if err != nil {
			return nil, fmt.Errorf("budget time_limit: %w", err)
		}
		p.Budget.TimeLimit = d
	}
	p.Budget.TokenLimit = pf.Budget.TokenLimit

	for i, tf := range pf.Tasks {
		t, err := tf.toTask()
		if err != nil {
			return nil, fmt.Errorf("task %d (%s): %w", i, tf.ID, err)
		}
		p.Tasks = append(p.Tasks, t)
	}

	return p, nil
}

// LoadFile reads and parses a YAML plan file.
func LoadFile(path string) (*ExecutionPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	return Load(data)
}

func (tf taskFile) toTask() (*Task, error) {
	t := &Task{
		ID:                  tf.ID,
		Name:                tf.Name,
		Type:                TaskType(tf.Type),
		Status:              StatusPending,
		Dependencies:        tf.Dependencies,
		Input:               tf.Input,
		Executor:            tf.Executor,
		CompensationCommand: tf.CompensationCommand,
		Files:               tf.Files,
		CreatedAt:           time.Now().UTC(),
	}
	if t.Type == "" {
		t.Type = TypeAtomic
	}
	for i := range t.Dependencies {
		if t.Dependencies[i].Kind == "" {
			t.Dependencies[i].Kind = DepBlocking
		}
	}

	if tf.Timeout != "" {
		d, err := time.ParseDuration(tf.Timeout)
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		t.Timeout = d
	}

	if tf.Retry == nil {
		t.Retry = DefaultRetryPolicy()
		return t, nil
	}

	t.Retry = RetryPolicy{
		MaxRetries:        tf.Retry.MaxRetries,
		BackoffMultiplier: tf.Retry.BackoffMultiplier,
	}
	if tf.Retry.InitialDelay != "" {
		d, err := time.ParseDuration(tf.Retry.InitialDelay)
		if err != nil {
			return nil, fmt.Errorf("retry initial_delay: %w", err)
		}
		t.Retry.InitialDelay = d
	}
	if tf.Retry.MaxDelay != "" {
		d, err := time.ParseDuration(tf.Retry.MaxDelay)
		if err != nil {
			return nil, fmt.Errorf("retry max_delay: %w", err)
		}
		t.Retry.MaxDelay = d
	}

	return t, nil
}
