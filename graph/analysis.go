// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"time"
)

// Waves partitions the graph into execution waves.
//
// # Description
//
// Repeatedly peels off all currently zero-in-degree tasks as one wave and
// decrements their dependents' in-degree. Every task lands in exactly one
// wave, and all of a task's dependencies lie in strictly earlier waves.
//
// If a wave would be empty while tasks remain (only possible on a cycle,
// which Resolve rejects), the remainder is emitted as one final wave rather
// than looping forever.
//
// # Outputs
//
//   - [][]string: Waves of task ids, each wave in declaration order.
func (g *Graph) Waves() [][]string {
	inDegree := make(map[string]int, len(g.order))
	remaining := make(map[string]bool, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.dependencies[id])
		remaining[id] = true
	}

	waves := make([][]string, 0)

	for len(remaining) > 0 {
		wave := make([]string, 0)
		for _, id := range g.order {
			if remaining[id] && inDegree[id] == 0 {
				wave = append(wave, id)
			}
		}

		if len(wave) == 0 {
			// Safety fallback: dump whatever is left as a single wave.
			rest := make([]string, 0, len(remaining))
			for _, id := range g.order {
				if remaining[id] {
					rest = append(rest, id)
				}
			}
			waves = append(waves, rest)
			break
		}

		for _, id := range wave {
			delete(remaining, id)
			for _, dep := range g.dependents[id] {
				inDegree[dep]--
			}
		}

		waves = append(waves, wave)
	}

	return waves
}

// CriticalPath computes the longest dependency chain by cumulative
// estimated duration.
//
// # Description
//
// Longest-path dynamic program over the topological order. Each task's cost
// is its declared timeout, which is a duration estimate rather than a
// measured time. Ties break to the first task reaching the maximum in
// topological order.
//
// # Outputs
//
//   - []string: Task ids along the critical path, in dependency order.
//   - time.Duration: The path's total estimated duration.
func (g *Graph) CriticalPath() ([]string, time.Duration) {
	sorted, err := g.TopologicalSort()
	if err != nil {
		return nil, 0
	}

	dist := make(map[string]time.Duration, len(sorted))
	pred := make(map[string]string, len(sorted))

	for _, id := range sorted {
		best := time.Duration(0)
		bestPred := ""
		for _, dep := range g.dependencies[id] {
			if dist[dep] > best {
				best = dist[dep]
				bestPred = dep
			}
		}
		dist[id] = best + g.tasks[id].Timeout
		if bestPred != "" {
			pred[id] = bestPred
		}
	}

	// First task reaching the maximum, in topological order.
	end := ""
	var max time.Duration
	for _, id := range sorted {
		if end == "" || dist[id] > max {
			end = id
			max = dist[id]
		}
	}

	if end == "" {
		return nil, 0
	}

	path := []string{end}
	for {
		p, ok := pred[path[len(path)-1]]
		if !ok {
			break
		}
		path = append(path, p)
	}

	// Reverse into dependency order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	return path, max
}
