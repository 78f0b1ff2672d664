// Package repo locates the repository clover serves and the GitHub slug behind its remote.
package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrRepoNotFound is returned when no git repository encloses the start directory.
var ErrRepoNotFound = errors.New("no git repository found")

// DiscoverRoot walks upward from start to the first directory holding a .git entry.
// A .git file (linked worktree or submodule) counts as a root.
func DiscoverRoot(start string) (string, error) {
	if start == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		start = cwd
	}
	dir, err := canonicalDir(start)
	if err != nil {
		return "", err
	}
	for current := dir; ; {
		if _, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			return current, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", filepath.Join(current, ".git"), err)
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("%w from %s; run clover inside the repository it should serve", ErrRepoNotFound, dir)
		}
		current = parent
	}
}

// canonicalDir resolves start to an absolute, symlink-free directory.
func canonicalDir(start string) (string, error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %s: %w", start, err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve symlinks for %s: %w", abs, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("stat start path %s: %w", abs, err)
	}
	if !info.IsDir() {
		return filepath.Dir(abs), nil
	}
	return abs, nil
}
