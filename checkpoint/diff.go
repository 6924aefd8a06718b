// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"fmt"
	"sort"
	"time"
)

// Diff describes what changed between two checkpoints.
type Diff struct {
	// FromHash and ToHash identify the compared checkpoints.
	FromHash string `json:"from_hash"`
	ToHash   string `json:"to_hash"`

	// FilesAdded lists files present only in the newer checkpoint;
	// FilesRemoved lists files present only in the older one.
	FilesAdded   []string `json:"files_added,omitempty"`
	FilesRemoved []string `json:"files_removed,omitempty"`

	// StateKeysAdded and StateKeysRemoved are the set differences of the
	// state-map keys.
	StateKeysAdded   []string `json:"state_keys_added,omitempty"`
	StateKeysRemoved []string `json:"state_keys_removed,omitempty"`

	// Elapsed is the time between the two creations.
	Elapsed time.Duration `json:"elapsed"`

	// RefChanged reports whether the version-control reference differs.
	RefChanged bool `json:"ref_changed"`
}

// Compare computes the difference between two checkpoints.
//
// # Description
//
// Set-difference of touched-file lists and of state-map keys, plus elapsed
// time and whether the version-control reference changed. The comparison is
// oriented from a to b.
//
// # Inputs
//
//   - hashA: Hash of the older checkpoint.
//   - hashB: Hash of the newer checkpoint.
//
// # Outputs
//
//   - *Diff: The computed difference.
//   - error: ErrNotFound if either hash is unknown.
func (s *Store) Compare(hashA, hashB string) (*Diff, error) {
	s.mu.RLock()
	a, okA := s.byHash[hashA]
	b, okB := s.byHash[hashB]
	s.mu.RUnlock()

	if !okA {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hashA)
	}
	if !okB {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hashB)
	}

	diff := &Diff{
		FromHash:   a.Hash,
		ToHash:     b.Hash,
		Elapsed:    b.CreatedAt.Sub(a.CreatedAt),
		RefChanged: a.Ref != b.Ref,
	}

	diff.FilesAdded = setDifference(b.Files, a.Files)
	diff.FilesRemoved = setDifference(a.Files, b.Files)
	diff.StateKeysAdded = setDifference(stateKeys(b.State), stateKeys(a.State))
	diff.StateKeysRemoved = setDifference(stateKeys(a.State), stateKeys(b.State))

	return diff, nil
}

// setDifference returns the elements of xs not present in ys, sorted.
func setDifference(xs, ys []string) []string {
	in := make(map[string]bool, len(ys))
	for _, y := range ys {
		in[y] = true
	}

	var out []string
	for _, x := range xs {
		if !in[x] {
			out = append(out, x)
		}
	}
	sort.Strings(out)
	return out
}

func stateKeys(state map[string]any) []string {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	return keys
}
