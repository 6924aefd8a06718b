// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint provides the immutable execution-checkpoint store used
// as the rollback target source by the recovery protocol.
//
// # Ownership Model
//
// A Checkpoint is immutable once created. The store hands out the stored
// pointers; callers must not mutate them. The creation-ordered list backs
// all "latest" queries.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// keyPrefix namespaces checkpoint records in durable storage.
const keyPrefix = "checkpoint/"

// hashLen is the length of the short content hash in hex characters.
const hashLen = 12

// Checkpoint is an immutable snapshot of version-control and execution
// state taken before risky work.
type Checkpoint struct {
	// Hash is a short content hash derived from name, version-control
	// reference, and creation timestamp.
	Hash string `json:"hash"`

	// Name is the human-readable checkpoint name.
	Name string `json:"name"`

	// Ref is the version-control reference (commit SHA) at creation time.
	// Never rewritten once recorded.
	Ref string `json:"ref"`

	// Branch is the branch name at creation time.
	Branch string `json:"branch"`

	// TaskID optionally associates the checkpoint with a task.
	TaskID string `json:"task_id,omitempty"`

	// State is an arbitrary snapshot of execution state.
	State map[string]any `json:"state,omitempty"`

	// Files lists paths touched since the previous checkpoint.
	Files []string `json:"files,omitempty"`

	// Metadata holds caller-defined annotations.
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// RefSource reports the current version-control reference and branch.
// vcs.Git satisfies this interface.
type RefSource interface {
	CurrentRef(ctx context.Context) (string, error)
	CurrentBranch(ctx context.Context) (string, error)
}

// Config configures a Store.
type Config struct {
	// Refs supplies the current version-control reference captured on
	// Create. When nil, checkpoints record an empty reference.
	Refs RefSource

	// DB is an optional BadgerDB handle for durable persistence.
	// When nil, the store is memory-only.
	DB *badger.DB

	// Logger for store operations. Defaults to slog.Default().
	Logger *slog.Logger
}

// Store holds checkpoints in creation order.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	ordered []*Checkpoint
	byHash  map[string]*Checkpoint
	refs    RefSource
	db      *badger.DB
	logger  *slog.Logger
}

// NewStore creates a checkpoint store.
//
// # Description
//
// Creates a store with the given configuration. If a durable database is
// configured, previously persisted checkpoints are loaded and re-ordered
// by creation time.
//
// # Outputs
//
//   - *Store: Ready-to-use store.
//   - error: Non-nil if rehydration from durable storage fails.
func NewStore(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		byHash: make(map[string]*Checkpoint),
		refs:   cfg.Refs,
		db:     cfg.DB,
		logger: logger.With("component", "checkpoint.Store"),
	}

	if s.db != nil {
		if err := s.loadAll(); err != nil {
			return nil, fmt.Errorf("loading persisted checkpoints: %w", err)
		}
	}

	return s, nil
}

// CreateOptions carries the optional fields of Create.
type CreateOptions struct {
	TaskID   string
	State    map[string]any
	Files    []string
	Metadata map[string]string
}

// Create captures a new checkpoint.
//
// # Description
//
// Records the current version-control reference and branch, computes a
// short content hash from name + reference + timestamp, persists the
// checkpoint when a durable database is configured, and then appends it to
// creation-ordered storage. A checkpoint that fails to persist is never
// published to the in-memory store.
//
// # Inputs
//
//   - ctx: Context for the version-control query.
//   - name: Human-readable checkpoint name. Must not be empty.
//   - opts: Optional task association, state snapshot, files, metadata.
//
// # Outputs
//
//   - *Checkpoint: The immutable checkpoint.
//   - error: Non-nil if name is empty or persistence fails.
func (s *Store) Create(ctx context.Context, name string, opts CreateOptions) (*Checkpoint, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name must not be empty", ErrInvalidInput)
	}

	var ref, branch string
	if s.refs != nil {
		var err error
		ref, err = s.refs.CurrentRef(ctx)
		if err != nil {
			s.logger.Warn("could not capture current ref", "error", err)
		}
		branch, err = s.refs.CurrentBranch(ctx)
		if err != nil {
			s.logger.Warn("could not capture current branch", "error", err)
		}
	}

	now := time.Now().UTC()
	cp := &Checkpoint{
		Hash:      contentHash(name, ref, now),
		Name:      name,
		Ref:       ref,
		Branch:    branch,
		TaskID:    opts.TaskID,
		State:     copyState(opts.State),
		Files:     append([]string(nil), opts.Files...),
		Metadata:  copyMetadata(opts.Metadata),
		CreatedAt: now,
	}

	if s.db != nil {
		if err := s.persist(cp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersist, err)
		}
	}

	s.mu.Lock()
	s.ordered = append(s.ordered, cp)
	s.byHash[cp.Hash] = cp
	s.mu.Unlock()

	s.logger.Info("checkpoint created",
		slog.String("hash", cp.Hash),
		slog.String("name", cp.Name),
		slog.String("ref", cp.Ref),
		slog.String("task_id", cp.TaskID),
	)

	return cp, nil
}

// Get returns the checkpoint with the given hash or, failing that, the most
// recent checkpoint with the given name.
//
// # Outputs
//
//   - *Checkpoint: The matching checkpoint.
//   - error: ErrNotFound if nothing matches.
func (s *Store) Get(hashOrName string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cp, ok := s.byHash[hashOrName]; ok {
		return cp, nil
	}

	for i := len(s.ordered) - 1; i >= 0; i-- {
		if s.ordered[i].Name == hashOrName {
			return s.ordered[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, hashOrName)
}

// Latest returns the most recently created checkpoint, or nil if the store
// is empty.
func (s *Store) Latest() *Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.ordered) == 0 {
		return nil
	}
	return s.ordered[len(s.ordered)-1]
}

// LatestForTask returns the most recent checkpoint associated with the
// given task id, walking from newest to oldest. Nil if none exists.
func (s *Store) LatestForTask(taskID string) *Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.ordered) - 1; i >= 0; i-- {
		if s.ordered[i].TaskID == taskID {
			return s.ordered[i]
		}
	}
	return nil
}

// List returns all checkpoints in creation order.
func (s *Store) List() []*Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Checkpoint, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Delete removes a checkpoint from memory and durable storage.
//
// # Description
//
// Idempotent: deleting an unknown hash returns false without error.
//
// # Outputs
//
//   - bool: True if a checkpoint was removed.
func (s *Store) Delete(ctx context.Context, hash string) bool {
	s.mu.Lock()
	cp, ok := s.byHash[hash]
	if ok {
		delete(s.byHash, hash)
		for i, c := range s.ordered {
			if c.Hash == hash {
				s.ordered = append(s.ordered[:i], s.ordered[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	if s.db != nil {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(keyPrefix + hash))
		})
		if err != nil {
			s.logger.Warn("could not delete persisted checkpoint",
				"hash", hash, "error", err)
		}
	}

	s.logger.Info("checkpoint deleted",
		slog.String("hash", cp.Hash),
		slog.String("name", cp.Name),
	)

	return true
}

// persist writes a checkpoint record to durable storage.
func (s *Store) persist(cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+cp.Hash), data)
	})
}

// loadAll rehydrates the in-memory list from durable storage.
func (s *Store) loadAll() error {
	var loaded []*Checkpoint

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var cp Checkpoint
				if err := json.Unmarshal(val, &cp); err != nil {
					return fmt.Errorf("unmarshal checkpoint: %w", err)
				}
				loaded = append(loaded, &cp)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Badger iterates in key order; restore creation order.
	sort.Slice(loaded, func(i, j int) bool {
		return loaded[i].CreatedAt.Before(loaded[j].CreatedAt)
	})

	s.mu.Lock()
	s.ordered = loaded
	for _, cp := range loaded {
		s.byHash[cp.Hash] = cp
	}
	s.mu.Unlock()

	if len(loaded) > 0 {
		s.logger.Info("checkpoints rehydrated", slog.Int("count", len(loaded)))
	}

	return nil
}

// contentHash derives the short checkpoint hash from name, reference, and
// timestamp.
func contentHash(name, ref string, ts time.Time) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		name, ref, ts.Format(time.RFC3339Nano),
	}, "|")))
	return hex.EncodeToString(sum[:])[:hashLen]
}

func copyState(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

func copyMetadata(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
