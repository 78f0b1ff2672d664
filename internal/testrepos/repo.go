// Package testrepos builds throwaway git repositories for tests that need real git behavior.
package testrepos

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// TempRepo represents a temporary git repository that can be reused in tests.
type TempRepo struct {
	Root string
	// Remote is the bare repository registered as origin, empty when none.
	Remote string
}

// New creates a temporary git repository on branch main with an initial commit.
func New(tb testing.TB) *TempRepo {
	tb.Helper()
	root := makeTempDir(tb, "clover-test-repo-*")
	repo := &TempRepo{Root: root}
	repo.initialize(tb)
	return repo
}

// NewWithRemote creates a repository whose main branch is pushed to a bare origin.
func NewWithRemote(tb testing.TB) *TempRepo {
	tb.Helper()
	repo := New(tb)
	remote := makeTempDir(tb, "clover-test-origin-*")
	if output, err := runGit(remote, "init", "--bare", "--initial-branch=main"); err != nil {
		tb.Fatalf("init bare remote: %v: %s", err, output)
	}
	repo.Remote = remote
	repo.RunGit(tb, "remote", "add", "origin", remote)
	repo.RunGit(tb, "push", "--quiet", "--set-upstream", "origin", "main")
	repo.RunGit(tb, "remote", "set-head", "origin", "main")
	return repo
}

// RunGit executes git in the repository directory and fails the test if git returns an error.
func (r *TempRepo) RunGit(tb testing.TB, args ...string) string {
	tb.Helper()
	return r.RunGitIn(tb, r.Root, args...)
}

// RunGitIn executes git in another directory, such as a worktree of this repository.
func (r *TempRepo) RunGitIn(tb testing.TB, dir string, args ...string) string {
	tb.Helper()
	output, err := runGit(dir, args...)
	if err != nil {
		tb.Fatalf("git %s failed: %v: %s", strings.Join(args, " "), err, output)
	}
	return output
}

// Commit writes a file in dir and commits it with the given message.
func (r *TempRepo) Commit(tb testing.TB, dir string, name string, content string, message string) {
	tb.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("create directory for %s: %v", name, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		tb.Fatalf("write %s: %v", name, err)
	}
	r.RunGitIn(tb, dir, "add", name)
	r.RunGitIn(tb, dir, "commit", "--quiet", "-m", message)
}

// Cleanup removes the temporary repository root. Missing directories are treated as success.
func (r *TempRepo) Cleanup() error {
	if r == nil || r.Root == "" {
		return nil
	}
	for _, dir := range []string{r.Root, r.Remote} {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove temp repo %s: %w", dir, err)
		}
	}
	return nil
}

func (r *TempRepo) initialize(tb testing.TB) {
	tb.Helper()
	r.RunGit(tb, "init", "--quiet", "--initial-branch=main")
	r.RunGit(tb, "config", "user.name", "Clover Test")
	r.RunGit(tb, "config", "user.email", "test@example.com")
	r.RunGit(tb, "config", "commit.gpgsign", "false")
	r.Commit(tb, r.Root, "README.md", "# Temp Clover Repository\n", "Initial commit")
}

func makeTempDir(tb testing.TB, pattern string) string {
	tb.Helper()
	dir, err := os.MkdirTemp("", pattern)
	if err != nil {
		tb.Fatalf("create temp directory: %v", err)
	}
	tb.Cleanup(func() {
		if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
			tb.Errorf("cleanup %s: %v", dir, err)
		}
	})
	return dir
}

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=Clover Test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=Clover Test", "GIT_COMMITTER_EMAIL=test@example.com")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(output), nil
}
