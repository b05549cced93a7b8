package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// runGit runs a git command in dir, discarding stdout but returning
// stderr on failure for diagnostics.
func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// createBranchLocal fetches base from origin and creates+checks out
// "ticket-<ticketID>" from origin/base, matching the original GitManager's
// create_branch sequence (fetch then checkout -b).
func createBranchLocal(ctx context.Context, repoPath, ticketID, base string) (string, error) {
	branch := "ticket-" + ticketID

	if err := runGit(ctx, repoPath, "fetch", "origin", base); err != nil {
		return "", fmt.Errorf("%w: failed to create branch %q from %q: %v", ErrBranch, branch, base, err)
	}
	if err := runGit(ctx, repoPath, "checkout", "-b", branch, "origin/"+base); err != nil {
		return "", fmt.Errorf("%w: failed to create branch %q from %q: %v", ErrBranch, branch, base, err)
	}
	return branch, nil
}

// pushLocal publishes branch to origin with upstream tracking.
func pushLocal(ctx context.Context, repoPath, branch string) error {
	if err := runGit(ctx, repoPath, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("%w: failed to push branch %q: %v", ErrPush, branch, err)
	}
	return nil
}
