package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cmtonkinson/clover/internal/executor"
	"github.com/cmtonkinson/clover/internal/github"
	"github.com/cmtonkinson/clover/internal/state"
	"github.com/cmtonkinson/clover/internal/worktree"
)

// errStateCommit marks a change the dispatcher refused to persist.
var errStateCommit = errors.New("state commit failed")

// job drives one admitted item. item is always the latest committed snapshot.
type job struct {
	scheduler *Scheduler
	item      state.WorkItem
	logger    *zap.Logger
	cost      float64
}

// drive runs the item's lifecycle on a worker goroutine.
func (scheduler *Scheduler) drive(ctx context.Context, item state.WorkItem) {
	work := &job{
		scheduler: scheduler,
		item:      item,
		logger:    scheduler.logger.With(zap.String("item", item.Key().String())),
	}
	switch item.Kind {
	case state.KindIssueImplement:
		work.runIssue(ctx)
	case state.KindPRReview:
		work.runReview(ctx)
	case state.KindMerge:
		work.runMerge(ctx)
	default:
		work.fail(ctx, fmt.Sprintf("unknown kind %q", item.Kind), unknownKindMessage(item))
	}
}

// runIssue implements an issue and opens a pull request for it.
func (work *job) runIssue(ctx context.Context) {
	settings := work.scheduler.settings
	resources := work.scheduler.resources
	branch := work.item.Branch
	if branch == "" {
		branch = IssueBranch(work.item.Number)
	}
	base := work.baseBranch(ctx)

	resumed, err := resources.BranchExists(ctx, branch)
	if err != nil {
		work.logger.Debug("branch lookup failed; treating as new", zap.Error(err))
		resumed = false
	}
	handle, err := work.allocate(ctx, branch, base, state.StatusImplementing)
	if err != nil {
		work.abort(ctx, "allocating a worktree", err)
		return
	}
	if work.item.Result.PRNumber > 0 {
		work.logger.Info("pull request already open; finishing bookkeeping", zap.Int("pr", work.item.Result.PRNumber))
		work.completeIssue(ctx, work.item.Result.PRNumber)
		return
	}
	work.notify(ctx, issueStartMessage(work.item, resumed))

	outcome := work.scheduler.executor.Run(ctx, handle, executor.Action{
		Kind:         executor.ActionImplement,
		Attempt:      work.item.AttemptCount,
		Prompt:       ImplementPrompt(work.item, base),
		SystemPrompt: settings.ImplementSystemPrompt,
		MaxTurns:     settings.MaxTurns,
		Timeout:      settings.ImplementTimeout,
		AllowedTools: settings.ImplementTools,
	})
	work.cost += outcome.CostUSD
	if ctx.Err() != nil {
		work.requeue(ctx, "interrupted during implementation")
		return
	}
	if !outcome.Succeeded() {
		uncommitted, err := resources.Uncommitted(context.WithoutCancel(ctx), handle)
		if err != nil {
			work.logger.Debug("uncommitted inspection failed", zap.Error(err))
		}
		work.fail(ctx, outcome.Describe(), implementFailedMessage(work.item.Number, outcome, uncommitted))
		return
	}

	if err := resources.Push(ctx, handle); err != nil {
		work.abort(ctx, "pushing the branch", err)
		return
	}
	prNumber, err := work.scheduler.watcher.CreatePR(ctx, github.PRRequest{
		Title: PRTitle(work.item),
		Body:  PRBody(work.item, outcome),
		Head:  branch,
		Base:  base,
	})
	if err != nil {
		work.abort(ctx, "opening the pull request", err)
		return
	}
	if err := work.commit(state.StatusPRCreated, func(item *state.WorkItem) {
		item.Result.PRNumber = prNumber
	}); err != nil {
		// Keep the number so the next attempt finishes bookkeeping instead of opening another PR.
		work.finish(ctx, state.StatusPending, func(item *state.WorkItem) {
			item.Result.PRNumber = prNumber
			item.LastError = fmt.Sprintf("recording the pull request: %v", err)
		})
		return
	}
	work.completeIssue(ctx, prNumber)
}

// completeIssue moves labels, announces the pull request and releases the worktree.
func (work *job) completeIssue(ctx context.Context, prNumber int) {
	settings := work.scheduler.settings
	watcher := work.scheduler.watcher
	if work.item.Status != state.StatusPRCreated {
		if err := work.commit(state.StatusPRCreated, nil); err != nil {
			work.abort(ctx, "recording the pull request", err)
			return
		}
	}
	issue := work.item.Number
	steps := []struct {
		stage string
		run   func() error
	}{
		{"labelling the pull request", func() error { return watcher.AddLabel(ctx, prNumber, settings.TriggerLabel) }},
		{"removing the trigger label", func() error { return watcher.RemoveLabel(ctx, issue, settings.TriggerLabel) }},
		{"adding the completion label", func() error { return watcher.AddLabel(ctx, issue, settings.CompleteLabel) }},
		{"commenting on the issue", func() error { return watcher.PostComment(ctx, issue, issueDoneMessage(prNumber)) }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			work.abort(ctx, step.stage, err)
			return
		}
	}
	work.finish(ctx, state.StatusDone, nil)
}

// runReview runs the review checks and the review agent against a pull request branch.
func (work *job) runReview(ctx context.Context) {
	settings := work.scheduler.settings
	if work.item.Branch == "" {
		work.fail(ctx, "pull request has no head branch", missingBranchMessage())
		return
	}
	base := work.baseBranch(ctx)
	handle, err := work.allocate(ctx, work.item.Branch, base, state.StatusChecking)
	if err != nil {
		work.abort(ctx, "allocating a worktree", err)
		return
	}
	work.notify(ctx, reviewStartMessage(settings.ReviewCommands))

	checks := ""
	if len(settings.ReviewCommands) > 0 {
		outcome := work.runChecks(ctx, handle, settings.ReviewCommands)
		if ctx.Err() != nil {
			work.requeue(ctx, "interrupted during review checks")
			return
		}
		if !outcome.Succeeded() {
			work.fail(ctx, outcome.Describe(), checksFailedMessage("Review checks", outcome), work.removeTrigger)
			return
		}
		checks = outcome.Artifact
	}

	if err := work.commit(state.StatusReviewing, nil); err != nil {
		work.abort(ctx, "starting the review", err)
		return
	}
	outcome := work.scheduler.executor.Run(ctx, handle, executor.Action{
		Kind:         executor.ActionReview,
		Attempt:      work.item.AttemptCount,
		Prompt:       ReviewPrompt(work.item, base, checks),
		SystemPrompt: settings.ReviewSystemPrompt,
		MaxTurns:     settings.MaxTurns,
		Timeout:      settings.ReviewTimeout,
		AllowedTools: settings.ReviewTools,
	})
	work.cost += outcome.CostUSD
	if ctx.Err() != nil {
		work.requeue(ctx, "interrupted during review")
		return
	}
	if !outcome.Succeeded() {
		work.fail(ctx, outcome.Describe(), reviewFailedMessage(outcome), work.removeTrigger)
		return
	}

	verdict := ParseVerdict(outcome.Artifact)
	watcher := work.scheduler.watcher
	if err := watcher.PostComment(ctx, work.item.Number, reviewMessage(outcome.Artifact, checks, verdict)); err != nil {
		work.abort(ctx, "posting the review", err)
		return
	}
	if err := watcher.RemoveLabel(ctx, work.item.Number, settings.TriggerLabel); err != nil {
		work.abort(ctx, "removing the trigger label", err)
		return
	}
	if err := watcher.AddLabel(ctx, work.item.Number, settings.ReviewedLabel); err != nil {
		work.abort(ctx, "adding the reviewed label", err)
		return
	}
	work.finish(ctx, state.StatusReviewed, func(item *state.WorkItem) {
		item.Result.Verdict = verdict
		item.Result.Summary = Summarize(outcome.Artifact)
	})
}

// runMerge runs pre-merge checks, waits for CI and merges the pull request.
func (work *job) runMerge(ctx context.Context) {
	settings := work.scheduler.settings
	watcher := work.scheduler.watcher
	if work.item.Branch == "" {
		work.fail(ctx, "pull request has no head branch", missingBranchMessage())
		return
	}
	base := work.baseBranch(ctx)
	handle, err := work.allocate(ctx, work.item.Branch, base, state.StatusChecking)
	if err != nil {
		work.abort(ctx, "allocating a worktree", err)
		return
	}
	work.notify(ctx, mergeStartMessage(settings.PreMergeCommands))

	if len(settings.PreMergeCommands) > 0 {
		outcome := work.runChecks(ctx, handle, settings.PreMergeCommands)
		if ctx.Err() != nil {
			work.requeue(ctx, "interrupted during pre-merge checks")
			return
		}
		if !outcome.Succeeded() {
			work.fail(ctx, outcome.Describe(), checksFailedMessage("Pre-merge checks", outcome))
			return
		}
	}

	status, err := work.waitForCI(ctx)
	switch {
	case err != nil:
		work.abort(ctx, "waiting for CI", err)
		return
	case status == github.CIFailed:
		work.fail(ctx, "CI failed", ciFailedMessage())
		return
	case status != github.CIPassed:
		work.fail(ctx, "CI did not finish in time", ciTimeoutMessage(settings.CIWait))
		return
	}

	if err := work.commit(state.StatusMerging, nil); err != nil {
		work.abort(ctx, "starting the merge", err)
		return
	}
	result, err := watcher.MergePR(ctx, work.item.Number, settings.MergeStrategy, handle.HeadSHA)
	if err != nil {
		work.abort(ctx, "merging the pull request", err)
		return
	}

	// The merge happened; the remaining steps must not be cut short by shutdown.
	cleanup := context.WithoutCancel(ctx)
	var problems []string
	if err := watcher.DeleteBranch(cleanup, work.item.Branch); err != nil {
		work.logger.Warn("branch deletion failed", zap.Error(err))
		problems = append(problems, fmt.Sprintf("could not delete branch `%s`: %v", work.item.Branch, err))
	}
	var closed []int
	for _, issue := range work.item.Result.LinkedIssues {
		if err := watcher.CloseIssue(cleanup, issue); err != nil {
			work.logger.Warn("closing linked issue failed", zap.Int("issue", issue), zap.Error(err))
			problems = append(problems, fmt.Sprintf("could not close #%d: %v", issue, err))
			continue
		}
		closed = append(closed, issue)
	}
	if err := watcher.PostComment(cleanup, work.item.Number, mergedMessage(result.SHA, settings.MergeStrategy, closed, problems)); err != nil {
		work.logger.Warn("merge comment failed", zap.Error(err))
	}
	work.finish(cleanup, state.StatusMerged, func(item *state.WorkItem) {
		item.Result.MergeSHA = result.SHA
		item.Result.ClosedIssues = closed
	})
}

// runChecks runs shell commands in the worktree.
func (work *job) runChecks(ctx context.Context, handle worktree.Handle, commands []string) executor.Outcome {
	return work.scheduler.executor.Run(ctx, handle, executor.Action{
		Kind:           executor.ActionChecks,
		Attempt:        work.item.AttemptCount,
		Commands:       commands,
		CommandTimeout: work.scheduler.settings.CommandTimeout,
	})
}

// waitForCI polls the combined CI status until it settles or the wait budget runs out.
func (work *job) waitForCI(ctx context.Context) (github.CIStatus, error) {
	settings := work.scheduler.settings
	deadline := work.scheduler.now().Add(settings.CIWait)
	for {
		status, err := work.scheduler.watcher.CIStatus(ctx, work.item.Number)
		if err != nil {
			return "", err
		}
		if status != github.CIPending {
			return status, nil
		}
		if !work.scheduler.now().Before(deadline) {
			return github.CIPending, nil
		}
		work.logger.Debug("CI still running", zap.Duration("poll", settings.CIPoll))
		if err := work.scheduler.sleep(ctx, settings.CIPoll); err != nil {
			return "", err
		}
	}
}

// allocate claims a worktree and commits the first active status with it.
func (work *job) allocate(ctx context.Context, branch string, base string, status state.Status) (worktree.Handle, error) {
	handle, err := work.scheduler.resources.Allocate(ctx, worktree.Request{
		Owner:      work.item.Key().String(),
		WorkType:   string(work.item.Kind),
		Number:     work.item.Number,
		Branch:     branch,
		BaseBranch: base,
		FromRemote: work.item.Kind != state.KindIssueImplement,
	})
	if err != nil {
		return worktree.Handle{}, err
	}
	err = work.commit(status, func(item *state.WorkItem) {
		held := handle
		item.Worktree = &held
		item.Branch = branch
		item.BaseBranch = base
		item.AttemptCount++
		item.LastError = ""
	})
	if err != nil {
		if releaseErr := work.scheduler.resources.Release(context.WithoutCancel(ctx), handle, worktree.ReleaseOptions{KeepBranch: true}); releaseErr != nil {
			work.logger.Warn("release after failed commit", zap.Error(releaseErr))
		}
		return worktree.Handle{}, err
	}
	return handle, nil
}

// commit asks the dispatcher to persist a change and refreshes the local snapshot.
func (work *job) commit(to state.Status, edit func(item *state.WorkItem)) error {
	item, err := work.scheduler.commit(work.item.Key(), to, edit)
	if err != nil {
		work.logger.Error("state commit failed", zap.String("to", string(to)), zap.Error(err))
		return fmt.Errorf("%w: %v", errStateCommit, err)
	}
	work.item = item
	return nil
}

// abort classifies a mid-flight error: shutdown and transient failures requeue, the rest fail the item.
func (work *job) abort(ctx context.Context, stage string, err error) {
	switch {
	case errors.Is(err, errStateCommit):
		// The dispatcher rejected the change; try to park the item rather than leave it active.
		work.requeue(ctx, fmt.Sprintf("%s: %v", stage, err))
	case ctx.Err() != nil:
		work.requeue(ctx, fmt.Sprintf("interrupted while %s", stage))
	case github.IsTransient(err), errors.Is(err, worktree.ErrBranchHeld):
		work.logger.Warn("transient failure; returning to pending", zap.String("stage", stage), zap.Error(err))
		work.requeue(ctx, fmt.Sprintf("%s: %v", stage, err))
	default:
		work.logger.Error("failed", zap.String("stage", stage), zap.Error(err))
		work.fail(ctx, fmt.Sprintf("%s: %v", stage, err), errorMessage(stage, err))
	}
}

// fail comments first, runs any extra cleanup, then releases and records failed.
func (work *job) fail(ctx context.Context, reason string, body string, extra ...func(ctx context.Context) error) {
	cleanup := context.WithoutCancel(ctx)
	if err := work.scheduler.watcher.PostComment(cleanup, work.item.Number, body); err != nil {
		work.logger.Warn("failure comment not posted", zap.Error(err))
	}
	for _, step := range extra {
		if err := step(cleanup); err != nil {
			work.logger.Warn("failure cleanup step failed", zap.Error(err))
		}
	}
	work.finish(ctx, state.StatusFailed, func(item *state.WorkItem) {
		item.LastError = reason
	})
}

// requeue releases the worktree keeping the branch and returns the item to pending.
func (work *job) requeue(ctx context.Context, reason string) {
	work.logger.Info("returning to pending", zap.String("reason", reason))
	work.finish(ctx, state.StatusPending, func(item *state.WorkItem) {
		item.LastError = reason
	})
}

// finish releases the worktree and commits the closing status.
func (work *job) finish(ctx context.Context, to state.Status, edit func(item *state.WorkItem)) {
	work.release(ctx)
	cost := work.cost
	work.cost = 0
	err := work.commit(to, func(item *state.WorkItem) {
		item.Worktree = nil
		item.Result.CostUSD += cost
		if edit != nil {
			edit(item)
		}
	})
	if err == nil || to == state.StatusPending {
		return
	}
	// The worktree is already gone, so the item must not stay active.
	reason := fmt.Sprintf("could not record %s: %v", to, err)
	if err := work.commit(state.StatusPending, func(item *state.WorkItem) {
		item.Worktree = nil
		item.Result.CostUSD += cost
		item.LastError = reason
	}); err != nil {
		work.logger.Error("item left active; the dispatcher will park it", zap.Error(err))
	}
}

// release gives the worktree back. Issue branches are kept so work can resume; pull request
// branches are refetched from the remote next time.
func (work *job) release(ctx context.Context) {
	if work.item.Worktree == nil {
		return
	}
	keep := work.item.Kind == state.KindIssueImplement
	handle := *work.item.Worktree
	if err := work.scheduler.resources.Release(context.WithoutCancel(ctx), handle, worktree.ReleaseOptions{KeepBranch: keep}); err != nil {
		work.logger.Warn("worktree release failed; it will be reclaimed as an orphan", zap.Error(err))
	}
}

// notify posts a progress comment; failures are logged only.
func (work *job) notify(ctx context.Context, body string) {
	if err := work.scheduler.watcher.PostComment(ctx, work.item.Number, body); err != nil {
		work.logger.Warn("progress comment not posted", zap.Error(err))
	}
}

// removeTrigger drops the trigger label so re-applying it retriggers the item.
func (work *job) removeTrigger(ctx context.Context) error {
	return work.scheduler.watcher.RemoveLabel(ctx, work.item.Number, work.scheduler.settings.TriggerLabel)
}

// baseBranch picks the item's base, then the configured base, then the remote default.
func (work *job) baseBranch(ctx context.Context) string {
	if work.item.BaseBranch != "" {
		return work.item.BaseBranch
	}
	if work.scheduler.settings.BaseBranch != "" {
		return work.scheduler.settings.BaseBranch
	}
	return work.scheduler.resources.DefaultBranch(ctx)
}
