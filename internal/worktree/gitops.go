package worktree

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CommitsAhead counts commits on the worktree's HEAD that are not on its base branch.
func (manager *Manager) CommitsAhead(ctx context.Context, handle Handle) (int, error) {
	if strings.TrimSpace(handle.Path) == "" {
		return 0, errors.New("worktree path is required")
	}
	base, err := manager.baseRef(ctx, handle.BaseBranch, manager.hasRemote(ctx))
	if err != nil {
		return 0, err
	}
	output, err := runGitWithDir(ctx, handle.Path, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, fmt.Errorf("count commits ahead of %s: %w", base, err)
	}
	count, err := strconv.Atoi(strings.TrimSpace(output))
	if err != nil {
		return 0, fmt.Errorf("parse commit count %q: %w", strings.TrimSpace(output), err)
	}
	return count, nil
}

// Uncommitted returns the short status of uncommitted changes, empty when clean.
func (manager *Manager) Uncommitted(ctx context.Context, handle Handle) (string, error) {
	if strings.TrimSpace(handle.Path) == "" {
		return "", errors.New("worktree path is required")
	}
	output, err := runGitWithDir(ctx, handle.Path, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("inspect worktree %s: %w", handle.Path, err)
	}
	return strings.TrimRight(output, "\n"), nil
}

// Push publishes the worktree branch to the remote and sets upstream.
func (manager *Manager) Push(ctx context.Context, handle Handle) error {
	if strings.TrimSpace(handle.Branch) == "" {
		return errors.New("branch is required")
	}
	if _, err := runGitWithDir(ctx, handle.Path, "push", "--set-upstream", manager.remote, handle.Branch); err != nil {
		return &ResourceError{Op: "push", Owner: handle.Owner, Err: err}
	}
	return nil
}
