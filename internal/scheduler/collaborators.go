package scheduler

import (
	"context"

	"github.com/cmtonkinson/clover/internal/executor"
	"github.com/cmtonkinson/clover/internal/github"
	"github.com/cmtonkinson/clover/internal/worktree"
)

// Watcher discovers triggers and performs the GitHub side effects of each stage.
type Watcher interface {
	ListReadyIssues(ctx context.Context) ([]github.Issue, error)
	ListTriggeredPRs(ctx context.Context) ([]github.PullRequest, error)
	ListMergeRequests(ctx context.Context) ([]github.MergeRequest, error)
	AddLabel(ctx context.Context, number int, label string) error
	RemoveLabel(ctx context.Context, number int, label string) error
	PostComment(ctx context.Context, number int, body string) error
	CreatePR(ctx context.Context, req github.PRRequest) (int, error)
	MergePR(ctx context.Context, number int, strategy string, headSHA string) (github.MergeResult, error)
	CIStatus(ctx context.Context, number int) (github.CIStatus, error)
	DeleteBranch(ctx context.Context, branch string) error
	CloseIssue(ctx context.Context, number int) error
}

// Resources allocates worktrees and performs the git operations around them.
type Resources interface {
	Allocate(ctx context.Context, req worktree.Request) (worktree.Handle, error)
	Release(ctx context.Context, handle worktree.Handle, opts worktree.ReleaseOptions) error
	Reconcile(known []worktree.Handle) ([]string, error)
	RemoveOrphan(ctx context.Context, path string) error
	BranchExists(ctx context.Context, branch string) (bool, error)
	DefaultBranch(ctx context.Context) string
	Uncommitted(ctx context.Context, handle worktree.Handle) (string, error)
	Push(ctx context.Context, handle worktree.Handle) error
}

// Executor runs one bounded action inside a worktree.
type Executor interface {
	Run(ctx context.Context, handle worktree.Handle, action executor.Action) executor.Outcome
}

// AuditLogger records state transitions and orphan cleanup.
type AuditLogger interface {
	LogItemTransition(item string, from string, to string) error
	LogWorktreeOrphan(path string) error
}

var (
	_ Watcher   = (*github.Client)(nil)
	_ Resources = (*worktree.Manager)(nil)
	_ Executor  = (*executor.Executor)(nil)
)
