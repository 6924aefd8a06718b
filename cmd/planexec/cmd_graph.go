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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/planexec/graph"
	"github.com/AleutianAI/planexec/plan"
)

var graphJSONOutput bool

var graphCmd = &cobra.Command{
	Use:   "graph [plan.yaml]",
	Short: "Analyze a plan's dependency graph without executing it",
	Long: `Resolves the plan's dependency graph and prints the topological
order, the parallel execution waves, and the critical path with its
estimated duration. Fails on cycles, duplicate ids, or missing
dependencies.`,
	Args: cobra.ExactArgs(1),
	RunE: analyzeGraph,
}

func init() {
	graphCmd.Flags().BoolVar(&graphJSONOutput, "json", false,
		"Print the analysis as JSON")
}

// graphReport is the JSON shape of the analysis output.
type graphReport struct {
	PlanID           string        `json:"plan_id"`
	TaskCount        int           `json:"task_count"`
	TopologicalOrder []string      `json:"topological_order"`
	Waves            [][]string    `json:"waves"`
	CriticalPath     []string      `json:"critical_path"`
	CriticalDuration time.Duration `json:"critical_duration_ns"`
}

func analyzeGraph(cmd *cobra.Command, args []string) error {
	p, err := plan.LoadFile(args[0])
	if err != nil {
		return err
	}

	g, err := graph.Resolve(p)
	if err != nil {
		return err
	}

	sorted, err := g.TopologicalSort()
	if err != nil {
		return err
	}
	path, duration := g.CriticalPath()

	report := graphReport{
		PlanID:           p.ID,
		TaskCount:        g.Len(),
		TopologicalOrder: sorted,
		Waves:            g.Waves(),
		CriticalPath:     path,
		CriticalDuration: duration,
	}

	if graphJSONOutput {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Plan %s: %d tasks\n", report.PlanID, report.TaskCount)
	fmt.Printf("Topological order: %s\n", strings.Join(report.TopologicalOrder, " → "))
	fmt.Println("Execution waves:")
	for i, wave := range report.Waves {
		fmt.Printf("  %d: %s\n", i+1, strings.Join(wave, ", "))
	}
	fmt.Printf("Critical path: %s (%s)\n",
		strings.Join(report.CriticalPath, " → "), report.CriticalDuration)
	return nil
}
