package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmtonkinson/clover/internal/executor"
	"github.com/cmtonkinson/clover/internal/github"
	"github.com/cmtonkinson/clover/internal/state"
	"github.com/cmtonkinson/clover/internal/worktree"
)

// TestIssueImplementOpensPullRequest ensures a successful implementation opens a labeled PR and closes out the issue.
func TestIssueImplementOpensPullRequest(t *testing.T) {
	h := newHarness(t, Settings{})
	h.watcher.addIssue(7, "Add retries", epoch)

	h.runOnce()

	item := h.item(state.KindIssueImplement, 7)
	assert.Equal(t, state.StatusDone, item.Status)
	assert.Equal(t, 101, item.Result.PRNumber)
	assert.Equal(t, 1, item.AttemptCount)
	assert.Equal(t, "clover/issue-7", item.Branch)
	assert.Equal(t, "main", item.BaseBranch)
	assert.InDelta(t, 1.5, item.Result.CostUSD, 0.001)
	assert.Nil(t, item.Worktree)

	prs := h.watcher.createdPRs()
	require.Len(t, prs, 1)
	assert.Equal(t, "clover/issue-7", prs[0].Head)
	assert.Equal(t, "main", prs[0].Base)
	assert.Contains(t, prs[0].Body, "Closes #7")
	assert.Equal(t, "Implement #7: Add retries", prs[0].Title)

	assert.True(t, h.watcher.hasLabel(101, "clover"), "PR should be queued for review")
	assert.False(t, h.watcher.hasLabel(7, "clover"))
	assert.True(t, h.watcher.hasLabel(7, "clover-complete"))
	comments := h.watcher.commentsOn(7)
	require.Len(t, comments, 2)
	assert.Contains(t, comments[0], "Starting work")
	assert.Contains(t, comments[1], "#101")

	assert.Equal(t, []releaseRecord{{owner: "issue_implement#7", keepBranch: true}}, h.resources.releases())
	require.Len(t, h.resources.requests, 1)
	assert.False(t, h.resources.requests[0].FromRemote, "local issue work is kept")
	assert.Equal(t, []string{
		"issue_implement#7 ->pending",
		"issue_implement#7 pending->implementing",
		"issue_implement#7 implementing->pr_created",
		"issue_implement#7 pr_created->done",
	}, h.audit.transitions)
}

// TestIssueWithoutChangesFailsAndKeepsLabel ensures no_changes never opens a PR and needs an explicit clear.
func TestIssueWithoutChangesFailsAndKeepsLabel(t *testing.T) {
	h := newHarness(t, Settings{})
	h.watcher.addIssue(7, "Already done", epoch)
	h.executor.setRun(func(ctx context.Context, handle worktree.Handle, action executor.Action) executor.Outcome {
		return executor.Outcome{Status: executor.StatusNoChanges, Artifact: "The feature already exists."}
	})

	h.runOnce()

	item := h.item(state.KindIssueImplement, 7)
	assert.Equal(t, state.StatusFailed, item.Status)
	assert.Equal(t, "the agent finished without committing any changes", item.LastError)
	assert.Empty(t, h.watcher.createdPRs())
	assert.True(t, h.watcher.hasLabel(7, "clover"))
	comments := h.watcher.commentsOn(7)
	require.Len(t, comments, 2)
	assert.Contains(t, comments[1], "without committing")
	assert.Contains(t, comments[1], "The feature already exists.")
	assert.Contains(t, comments[1], "clover clear issue 7")

	h.runOnce()

	assert.Equal(t, state.StatusFailed, h.item(state.KindIssueImplement, 7).Status)
	assert.Len(t, h.executor.kinds(), 1, "failed issues are not retried automatically")
}

// TestIssueFailureReportsUncommittedChanges ensures stray edits show up in the failure comment.
func TestIssueFailureReportsUncommittedChanges(t *testing.T) {
	h := newHarness(t, Settings{})
	h.watcher.addIssue(7, "Half done", epoch)
	h.resources.uncommitted = " M internal/retry.go"
	h.executor.setRun(func(ctx context.Context, handle worktree.Handle, action executor.Action) executor.Outcome {
		return executor.Outcome{Status: executor.StatusBudgetExceeded}
	})

	h.runOnce()

	assert.Equal(t, state.StatusFailed, h.item(state.KindIssueImplement, 7).Status)
	comments := h.watcher.commentsOn(7)
	require.NotEmpty(t, comments)
	assert.Contains(t, comments[len(comments)-1], "internal/retry.go")
	assert.Contains(t, comments[len(comments)-1], "turn budget")
}

// TestTransientCollaboratorErrorRequeues ensures exhausted GitHub retries park the item as pending.
func TestTransientCollaboratorErrorRequeues(t *testing.T) {
	h := newHarness(t, Settings{})
	h.watcher.addIssue(7, "Flaky API", epoch)
	h.watcher.fail("CreatePR", &github.CollaboratorError{Op: "create pull request", Status: 502, Transient: true, Attempts: 4, Err: errors.New("bad gateway")})

	h.runOnce()

	item := h.item(state.KindIssueImplement, 7)
	assert.Equal(t, state.StatusPending, item.Status)
	assert.Equal(t, 1, item.AttemptCount)
	assert.Contains(t, item.LastError, "opening the pull request")
	assert.Nil(t, item.Worktree)
	assert.Equal(t, []releaseRecord{{owner: "issue_implement#7", keepBranch: true}}, h.resources.releases())
	assert.Len(t, h.watcher.commentsOn(7), 1, "no failure comment for a requeue")
	assert.True(t, h.watcher.hasLabel(7, "clover"))

	h.watcher.fail("CreatePR", nil)
	h.runOnce()

	item = h.item(state.KindIssueImplement, 7)
	assert.Equal(t, state.StatusDone, item.Status)
	assert.Equal(t, 2, item.AttemptCount)
	comments := h.watcher.commentsOn(7)
	assert.Contains(t, comments[1], "Resuming work")
}

// TestHeldBranchRequeuesWithoutStarting ensures two items never share a branch.
func TestHeldBranchRequeuesWithoutStarting(t *testing.T) {
	h := newHarness(t, Settings{})
	h.resources.held["clover/issue-7"] = "pr_review#3"
	h.watcher.addIssue(7, "Contended", epoch)

	h.runOnce()

	item := h.item(state.KindIssueImplement, 7)
	assert.Equal(t, state.StatusPending, item.Status)
	assert.Equal(t, 0, item.AttemptCount)
	assert.Contains(t, item.LastError, "held by pr_review#3")
	assert.Empty(t, h.watcher.commentsOn(7))
	assert.Empty(t, h.executor.kinds())

	delete(h.resources.held, "clover/issue-7")
	h.runOnce()

	assert.Equal(t, state.StatusDone, h.item(state.KindIssueImplement, 7).Status)
}

// TestResourceErrorFailsWithComment ensures an allocation failure is fatal to the item only.
func TestResourceErrorFailsWithComment(t *testing.T) {
	h := newHarness(t, Settings{})
	h.resources.allocErr = &worktree.ResourceError{Op: "allocate", Owner: "issue_implement#7", Err: errors.New("no space left on device")}
	h.watcher.addIssue(7, "Disk", epoch)

	h.runOnce()

	item := h.item(state.KindIssueImplement, 7)
	assert.Equal(t, state.StatusFailed, item.Status)
	comments := h.watcher.commentsOn(7)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0], "no space left on device")
}

// TestReviewPostsFindingsAndSwapsLabels ensures a review ends with a comment and the reviewed label.
func TestReviewPostsFindingsAndSwapsLabels(t *testing.T) {
	h := newHarness(t, Settings{ReviewCommands: []string{"make test"}})
	h.watcher.addPR(5, "feature/cache", epoch)

	h.runOnce()

	item := h.item(state.KindPRReview, 5)
	assert.Equal(t, state.StatusReviewed, item.Status)
	assert.Equal(t, VerdictApprove, item.Result.Verdict)
	assert.Equal(t, "Looks solid overall.", item.Result.Summary)
	assert.Equal(t, []executor.ActionKind{executor.ActionChecks, executor.ActionReview}, h.executor.kinds())
	assert.False(t, h.watcher.hasLabel(5, "clover"))
	assert.True(t, h.watcher.hasLabel(5, "clover-reviewed"))
	comments := h.watcher.commentsOn(5)
	require.Len(t, comments, 2)
	assert.Contains(t, comments[1], "Automated Code Review")
	assert.Contains(t, comments[1], "`make test` passed")
	assert.Equal(t, []releaseRecord{{owner: "pr_review#5", keepBranch: false}}, h.resources.releases())
}

// TestFailingChecksFailReviewAndAllowRetrigger ensures a failing pytest reports stderr and can be retried by relabeling.
func TestFailingChecksFailReviewAndAllowRetrigger(t *testing.T) {
	h := newHarness(t, Settings{ReviewCommands: []string{"pytest"}})
	h.watcher.addPR(5, "feature/math", epoch)
	h.executor.setRun(func(ctx context.Context, handle worktree.Handle, action executor.Action) executor.Outcome {
		if action.Kind == executor.ActionChecks {
			return executor.Outcome{Status: executor.StatusCommandFailed, Command: "pytest", ExitCode: 1, Output: "E   AssertionError: expected 2, got 3"}
		}
		return succeed(action)
	})

	h.runOnce()

	item := h.item(state.KindPRReview, 5)
	assert.Equal(t, state.StatusFailed, item.Status)
	assert.Equal(t, "`pytest` exited with code 1", item.LastError)
	assert.False(t, h.watcher.hasLabel(5, "clover"))
	comments := h.watcher.commentsOn(5)
	require.Len(t, comments, 2)
	assert.Contains(t, comments[1], "AssertionError: expected 2, got 3")
	assert.Equal(t, []executor.ActionKind{executor.ActionChecks}, h.executor.kinds())

	h.executor.setRun(nil)
	h.clock.Advance(time.Minute)
	h.watcher.relabel(5, h.clock.Now())
	h.runOnce()

	item = h.item(state.KindPRReview, 5)
	assert.Equal(t, state.StatusReviewed, item.Status)
	assert.Equal(t, 2, item.AttemptCount)
	assert.Empty(t, item.LastError)
}

// TestReviewAgentFailureFails ensures an agent crash during review is reported and releases the trigger.
func TestReviewAgentFailureFails(t *testing.T) {
	h := newHarness(t, Settings{})
	h.watcher.addPR(5, "feature/crash", epoch)
	h.executor.setRun(func(ctx context.Context, handle worktree.Handle, action executor.Action) executor.Outcome {
		return executor.Outcome{Status: executor.StatusTimeout, Duration: 30 * time.Minute}
	})

	h.runOnce()

	item := h.item(state.KindPRReview, 5)
	assert.Equal(t, state.StatusFailed, item.Status)
	assert.False(t, h.watcher.hasLabel(5, "clover"))
	comments := h.watcher.commentsOn(5)
	assert.Contains(t, comments[len(comments)-1], "timed out after 30m0s")
}

// TestMergeWithPassingChecksAndCI ensures a merge request ends merged, branch deleted and linked issue closed.
func TestMergeWithPassingChecksAndCI(t *testing.T) {
	h := newHarness(t, Settings{
		MergeEnabled:     true,
		PreMergeCommands: []string{"make test"},
		CIWait:           10 * time.Minute,
		CIPoll:           30 * time.Second,
	})
	h.watcher.requestMerge(github.MergeRequest{PRNumber: 9, Title: "Add cache", Branch: "feature/nine", BaseBranch: "main", LinkedIssues: []int{3}, TriggeredAt: epoch})
	h.watcher.ci = []github.CIStatus{github.CIPending, github.CIPassed}

	h.runOnce()

	item := h.item(state.KindMerge, 9)
	assert.Equal(t, state.StatusMerged, item.Status)
	assert.Equal(t, "abc1234", item.Result.MergeSHA)
	assert.Equal(t, []int{3}, item.Result.ClosedIssues)
	assert.Equal(t, "squash", h.watcher.merged[9])
	assert.Equal(t, "head-feature/nine", h.watcher.mergedHeads[9], "merge is pinned to the checked head")
	require.Len(t, h.resources.requests, 1)
	assert.True(t, h.resources.requests[0].FromRemote, "merge checks run on the remote head")
	assert.Equal(t, []string{"feature/nine"}, h.watcher.deleted)
	assert.Equal(t, []int{3}, h.watcher.closed)
	assert.Equal(t, []time.Duration{30 * time.Second}, h.clock.Slept())
	assert.Equal(t, []executor.ActionKind{executor.ActionChecks}, h.executor.kinds())
	assert.Equal(t, []releaseRecord{{owner: "merge#9", keepBranch: false}}, h.resources.releases())
	comments := h.watcher.commentsOn(9)
	assert.Contains(t, comments[len(comments)-1], "Merged (squash) as abc1234")
	assert.Contains(t, comments[len(comments)-1], "Closed #3")
}

// TestMergeStopsOnCIFailure ensures a red CI run blocks the merge.
func TestMergeStopsOnCIFailure(t *testing.T) {
	h := newHarness(t, Settings{MergeEnabled: true})
	h.watcher.requestMerge(github.MergeRequest{PRNumber: 9, Branch: "feature/nine", BaseBranch: "main", TriggeredAt: epoch})
	h.watcher.ci = []github.CIStatus{github.CIFailed}

	h.runOnce()

	item := h.item(state.KindMerge, 9)
	assert.Equal(t, state.StatusFailed, item.Status)
	assert.Equal(t, "CI failed", item.LastError)
	assert.Empty(t, h.watcher.merged)
	comments := h.watcher.commentsOn(9)
	assert.Contains(t, comments[len(comments)-1], "CI failed")
}

// TestMergeGivesUpWhenCIStaysPending ensures the CI wait is bounded.
func TestMergeGivesUpWhenCIStaysPending(t *testing.T) {
	h := newHarness(t, Settings{MergeEnabled: true, CIWait: time.Minute, CIPoll: 30 * time.Second})
	h.watcher.requestMerge(github.MergeRequest{PRNumber: 9, Branch: "feature/nine", BaseBranch: "main", TriggeredAt: epoch})
	h.watcher.ci = []github.CIStatus{github.CIPending}

	h.runOnce()

	item := h.item(state.KindMerge, 9)
	assert.Equal(t, state.StatusFailed, item.Status)
	assert.Equal(t, "CI did not finish in time", item.LastError)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, h.clock.Slept())
	assert.Empty(t, h.watcher.merged)
}

// TestMergeRequestsIgnoredWhenDisabled ensures merge comments are not polled unless auto-merge is on.
func TestMergeRequestsIgnoredWhenDisabled(t *testing.T) {
	h := newHarness(t, Settings{})
	h.watcher.requestMerge(github.MergeRequest{PRNumber: 9, Branch: "feature/nine", TriggeredAt: epoch})

	h.runOnce()

	_, ok, err := h.store.Get(state.KindMerge, 9)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestClosingWriteFailureReturnsItemToPending ensures a failed final write never strands an item in an active status.
func TestClosingWriteFailureReturnsItemToPending(t *testing.T) {
	h := newHarness(t, Settings{})
	h.watcher.addIssue(42, "Disk trouble", epoch)
	h.executor.setRun(func(ctx context.Context, handle worktree.Handle, action executor.Action) executor.Outcome {
		return executor.Outcome{Status: executor.StatusNoChanges}
	})
	failing := &failingStore{Store: h.store, reject: rejectTimes(1, func(item state.WorkItem) bool {
		return item.Status == state.StatusFailed
	})}
	h.scheduler.store = failing

	h.runOnce()

	item := h.item(state.KindIssueImplement, 42)
	assert.Equal(t, 1, failing.failed)
	assert.Equal(t, state.StatusPending, item.Status)
	assert.Nil(t, item.Worktree)
	assert.Contains(t, item.LastError, "could not record failed")
	assert.Len(t, h.resources.releases(), 1)
}

// TestDispatcherParksItemWhenWorkerCannotWrite ensures the dispatcher resets an item its worker left active.
func TestDispatcherParksItemWhenWorkerCannotWrite(t *testing.T) {
	h := newHarness(t, Settings{})
	h.watcher.addIssue(42, "Disk trouble", epoch)
	h.executor.setRun(func(ctx context.Context, handle worktree.Handle, action executor.Action) executor.Outcome {
		return executor.Outcome{Status: executor.StatusNoChanges}
	})
	// The failed write and the worker's own fallback both fail; the dispatcher's reset succeeds.
	failing := &failingStore{Store: h.store, reject: rejectTimes(2, func(item state.WorkItem) bool {
		return item.Status == state.StatusFailed || (item.Status == state.StatusPending && item.LastError != "")
	})}
	h.scheduler.store = failing

	h.runOnce()

	item := h.item(state.KindIssueImplement, 42)
	assert.Equal(t, 2, failing.failed)
	assert.Equal(t, state.StatusPending, item.Status)
	assert.Nil(t, item.Worktree)
	assert.Equal(t, "worker exited while implementing", item.LastError)

	h.executor.setRun(nil)
	h.runOnce()

	assert.Equal(t, state.StatusDone, h.item(state.KindIssueImplement, 42).Status)
}

// TestRecoverDoesNotReopenPullRequest ensures an item interrupted after opening its PR only finishes bookkeeping.
func TestRecoverDoesNotReopenPullRequest(t *testing.T) {
	h := newHarness(t, Settings{})
	h.watcher.addIssue(7, "Add retries", epoch)
	h.watcher.addPR(55, "clover/issue-7", epoch)
	require.NoError(t, h.watcher.RemoveLabel(context.Background(), 55, "clover"))
	h.resources.branches["clover/issue-7"] = true
	interrupted := state.NewWorkItem(state.KindIssueImplement, 7, epoch)
	interrupted.Status = state.StatusPRCreated
	interrupted.Branch = "clover/issue-7"
	interrupted.BaseBranch = "main"
	interrupted.AttemptCount = 1
	interrupted.Result.PRNumber = 55
	interrupted.Worktree = &worktree.Handle{Path: "/worktrees/issue_implement#7", Branch: "clover/issue-7", Owner: "issue_implement#7"}
	require.NoError(t, h.store.Upsert(interrupted))

	h.runOnce()

	item := h.item(state.KindIssueImplement, 7)
	assert.Equal(t, state.StatusDone, item.Status)
	assert.Equal(t, 55, item.Result.PRNumber)
	assert.Empty(t, h.watcher.createdPRs())
	assert.True(t, h.watcher.hasLabel(55, "clover"), "existing PR should be queued for review")
	assert.True(t, h.watcher.hasLabel(7, "clover-complete"))
}

// TestFailedPullRequestWriteKeepsNumber ensures a PR opened before a failed write is reused on the next attempt.
func TestFailedPullRequestWriteKeepsNumber(t *testing.T) {
	h := newHarness(t, Settings{})
	h.watcher.addIssue(7, "Add retries", epoch)
	h.scheduler.store = &failingStore{Store: h.store, reject: rejectTimes(1, func(item state.WorkItem) bool {
		return item.Status == state.StatusPRCreated
	})}

	h.runOnce()

	parked := h.item(state.KindIssueImplement, 7)
	assert.Equal(t, state.StatusPending, parked.Status)
	assert.Equal(t, 101, parked.Result.PRNumber)
	assert.Contains(t, parked.LastError, "recording the pull request")

	h.runOnce()

	assert.Equal(t, state.StatusDone, h.item(state.KindIssueImplement, 7).Status)
	assert.Len(t, h.watcher.createdPRs(), 1)
}
