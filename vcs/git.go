// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vcs provides the version-control interface consumed by the
// rollback coordinator and the compensation engine, plus its git
// command-line implementation.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Git is the version-control contract: report the current reference and
// branch, restore paths, reset, clean, revert, and enumerate commits made
// after a reference. All operations run in a configured working directory
// and surface non-zero exit as an error.
type Git interface {
	// IsRepository reports whether the working directory is inside a
	// git repository.
	IsRepository(ctx context.Context) bool

	// CurrentRef returns the commit SHA of HEAD.
	CurrentRef(ctx context.Context) (string, error)

	// CurrentBranch returns the current branch name, or "HEAD" when
	// detached.
	CurrentBranch(ctx context.Context) (string, error)

	// CheckoutPaths restores the given paths to their content at ref.
	CheckoutPaths(ctx context.Context, ref string, paths ...string) error

	// CheckoutTree restores the entire working tree to its content at ref.
	CheckoutTree(ctx context.Context, ref string) error

	// ResetHard discards all changes since ref, working tree included.
	ResetHard(ctx context.Context, ref string) error

	// ResetSoft moves HEAD to ref but keeps working-tree changes.
	ResetSoft(ctx context.Context, ref string) error

	// CleanUntracked removes untracked files and directories.
	CleanUntracked(ctx context.Context) error

	// Revert creates a forward-compensating commit undoing the given
	// commit.
	Revert(ctx context.Context, ref string) error

	// CommitsSince returns the SHAs of commits made after ref, oldest
	// first.
	CommitsSince(ctx context.Context, ref string) ([]string, error)
}

// CLIClient implements Git using the git command line.
//
// # Description
//
// Executes git commands with configurable timeout and working directory.
// All operations are performed in the configured repository path.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type CLIClient struct {
	repoPath string
	timeout  time.Duration
}

// NewCLIClient creates a git client for the specified repository.
//
// # Inputs
//
//   - repoPath: Absolute path to the git repository.
//   - timeout: Maximum duration for each git operation. Defaults to 30s.
//
// # Outputs
//
//   - *CLIClient: Ready-to-use git client.
//   - error: Non-nil if repoPath is not absolute.
func NewCLIClient(repoPath string, timeout time.Duration) (*CLIClient, error) {
	if !filepath.IsAbs(repoPath) {
		return nil, fmt.Errorf("repoPath must be absolute: %s", repoPath)
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &CLIClient{
		repoPath: repoPath,
		timeout:  timeout,
	}, nil
}

// run executes a git command and returns stdout.
func (g *CLIClient) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("git %s: timeout after %v", args[0], g.timeout)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, stderr.String())
	}

	return strings.TrimSpace(stdout.String()), nil
}

// runSilent executes a git command and returns only success/failure.
func (g *CLIClient) runSilent(ctx context.Context, args ...string) error {
	_, err := g.run(ctx, args...)
	return err
}

// IsRepository checks if the path is inside a git repository.
func (g *CLIClient) IsRepository(ctx context.Context) bool {
	err := g.runSilent(ctx, "rev-parse", "--git-dir")
	return err == nil
}

// CurrentRef resolves HEAD to a full commit SHA.
//
// # Outputs
//
//   - string: Full commit SHA of HEAD.
//   - error: Non-nil if not a git repository.
func (g *CLIClient) CurrentRef(ctx context.Context) (string, error) {
	sha, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return sha, nil
}

// CurrentBranch returns the current branch name.
//
// # Outputs
//
//   - string: Branch name, or "HEAD" in detached HEAD state.
//   - error: Non-nil if not a git repository.
func (g *CLIClient) CurrentBranch(ctx context.Context) (string, error) {
	branch, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("getting current branch: %w", err)
	}
	return branch, nil
}

// CheckoutPaths restores specific paths to their content at ref.
//
// # Inputs
//
//   - ref: Commit SHA or ref to restore from.
//   - paths: File paths to restore. Must not be empty.
func (g *CLIClient) CheckoutPaths(ctx context.Context, ref string, paths ...string) error {
	if len(paths) == 0 {
		return fmt.Errorf("no paths to checkout")
	}
	args := append([]string{"checkout", ref, "--"}, paths...)
	return g.runSilent(ctx, args...)
}

// CheckoutTree restores the entire working tree to its content at ref.
func (g *CLIClient) CheckoutTree(ctx context.Context, ref string) error {
	return g.runSilent(ctx, "checkout", ref, "--", ".")
}

// ResetHard performs a hard reset to the specified ref.
//
// # Description
//
// Resets the working tree and index to match the specified commit.
// All uncommitted changes are discarded.
func (g *CLIClient) ResetHard(ctx context.Context, ref string) error {
	return g.runSilent(ctx, "reset", "--hard", ref)
}

// ResetSoft performs a soft reset to the specified ref.
//
// # Description
//
// Moves HEAD to the specified commit while keeping the index and working
// tree untouched.
func (g *CLIClient) ResetSoft(ctx context.Context, ref string) error {
	return g.runSilent(ctx, "reset", "--soft", ref)
}

// CleanUntracked removes untracked files and directories.
//
// # Description
//
// Removes all untracked files and directories from the working tree.
// Does not remove ignored files.
func (g *CLIClient) CleanUntracked(ctx context.Context) error {
	return g.runSilent(ctx, "clean", "-fd")
}

// Revert creates a forward-compensating commit undoing the given commit.
func (g *CLIClient) Revert(ctx context.Context, ref string) error {
	return g.runSilent(ctx, "revert", "--no-edit", ref)
}

// CommitsSince returns the SHAs of commits made after ref.
//
// # Description
//
// Uses `git rev-list --reverse ref..HEAD`, so the result is ordered oldest
// first, which is the order revert-based rollback replays them in.
//
// # Outputs
//
//   - []string: Commit SHAs, oldest first. Nil if ref is HEAD.
//   - error: Non-nil if ref does not exist.
func (g *CLIClient) CommitsSince(ctx context.Context, ref string) ([]string, error) {
	output, err := g.run(ctx, "rev-list", "--reverse", ref+"..HEAD")
	if err != nil {
		return nil, fmt.Errorf("listing commits since %s: %w", ref, err)
	}
	if output == "" {
		return nil, nil
	}
	return strings.Split(output, "\n"), nil
}
