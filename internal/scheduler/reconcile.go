package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cmtonkinson/clover/internal/github"
	"github.com/cmtonkinson/clover/internal/state"
	"github.com/cmtonkinson/clover/internal/store"
)

// pollResult carries one Watcher snapshot back to the dispatcher.
type pollResult struct {
	tick      string
	issues    []github.Issue
	issuesErr error
	prs       []github.PullRequest
	prsErr    error
	merges    []github.MergeRequest
	mergesErr error
}

func (result pollResult) err() error {
	return errors.Join(result.issuesErr, result.prsErr, result.mergesErr)
}

// listed reports whether the listing for kind succeeded, so absence from it means something.
func (result pollResult) listed(kind state.Kind) bool {
	switch kind {
	case state.KindIssueImplement:
		return result.issuesErr == nil
	case state.KindPRReview:
		return result.prsErr == nil
	case state.KindMerge:
		return result.mergesErr == nil
	default:
		return false
	}
}

// trigger is a Watcher observation normalized across kinds.
type trigger struct {
	key          state.Key
	title        string
	body         string
	branch       string
	baseBranch   string
	linkedIssues []int
	at           time.Time
}

// poll queries the Watcher. It runs outside the dispatcher and never touches scheduler state.
func (scheduler *Scheduler) poll(ctx context.Context, tick string) pollResult {
	result := pollResult{tick: tick}
	logger := scheduler.logger.With(zap.String("tick", tick))

	result.issues, result.issuesErr = scheduler.watcher.ListReadyIssues(ctx)
	if result.issuesErr != nil {
		logger.Warn("listing triggered issues failed", zap.Error(result.issuesErr))
	}
	result.prs, result.prsErr = scheduler.watcher.ListTriggeredPRs(ctx)
	if result.prsErr != nil {
		logger.Warn("listing triggered pull requests failed", zap.Error(result.prsErr))
	}
	if scheduler.settings.MergeEnabled {
		result.merges, result.mergesErr = scheduler.watcher.ListMergeRequests(ctx)
		if result.mergesErr != nil {
			logger.Warn("listing merge requests failed", zap.Error(result.mergesErr))
		}
	}
	logger.Debug("poll complete",
		zap.Int("issues", len(result.issues)),
		zap.Int("pull_requests", len(result.prs)),
		zap.Int("merges", len(result.merges)))
	return result
}

// triggers flattens a poll result.
func (result pollResult) triggers() []trigger {
	triggers := make([]trigger, 0, len(result.issues)+len(result.prs)+len(result.merges))
	for _, issue := range result.issues {
		triggers = append(triggers, trigger{
			key:    state.Key{Kind: state.KindIssueImplement, Number: issue.Number},
			title:  issue.Title,
			body:   issue.Body,
			branch: IssueBranch(issue.Number),
			at:     issue.TriggeredAt,
		})
	}
	for _, pr := range result.prs {
		triggers = append(triggers, trigger{
			key:        state.Key{Kind: state.KindPRReview, Number: pr.Number},
			title:      pr.Title,
			body:       pr.Body,
			branch:     pr.Branch,
			baseBranch: pr.BaseBranch,
			at:         pr.TriggeredAt,
		})
	}
	for _, merge := range result.merges {
		triggers = append(triggers, trigger{
			key:          state.Key{Kind: state.KindMerge, Number: merge.PRNumber},
			title:        merge.Title,
			branch:       merge.Branch,
			baseBranch:   merge.BaseBranch,
			linkedIssues: append([]int(nil), merge.LinkedIssues...),
			at:           merge.TriggeredAt,
		})
	}
	return triggers
}

// IssueBranch names the branch an issue is implemented on.
func IssueBranch(number int) string {
	return fmt.Sprintf("clover/issue-%d", number)
}

// reconcile folds a poll result into the item set. It runs on the dispatcher.
//
// Unseen triggers create pending items, retriggered terminal items go back to pending and
// untouched pending items whose trigger vanished are abandoned.
func (scheduler *Scheduler) reconcile(result pollResult) {
	now := scheduler.now()
	seen := map[state.Key]struct{}{}
	for _, observed := range result.triggers() {
		seen[observed.key] = struct{}{}
		existing, ok := scheduler.items[observed.key]
		switch {
		case !ok:
			created := observed.at
			if created.IsZero() {
				created = now
			}
			item := state.NewWorkItem(observed.key.Kind, observed.key.Number, created)
			item.UpdatedAt = now
			observed.applyTo(&item)
			scheduler.save(item, "", "discovered")
		case existing.Terminal() && state.IsRetriggerable(existing.Kind, existing.Status) && observed.at.After(existing.UpdatedAt):
			item := existing.Clone()
			from := item.Status
			observed.applyTo(&item)
			item.CreatedAt = observed.at
			if err := item.Transition(state.StatusPending, now); err != nil {
				scheduler.logger.Error("retrigger rejected", zap.String("item", item.Key().String()), zap.Error(err))
				continue
			}
			scheduler.save(item, from, "retriggered")
		}
	}

	for _, item := range store.Sorted(scheduler.items) {
		if item.Status != state.StatusPending || item.AttemptCount > 0 {
			continue
		}
		if _, ok := seen[item.Key()]; ok {
			continue
		}
		if isInFlight(scheduler.inflight, item.Key()) || !result.listed(item.Kind) {
			continue
		}
		next := item.Clone()
		if err := next.Transition(state.StatusAbandoned, now); err != nil {
			continue
		}
		next.LastError = "trigger removed before work started"
		scheduler.save(next, item.Status, "abandoned")
	}
}

// save persists a dispatcher-side change, logging failures instead of aborting the tick.
func (scheduler *Scheduler) save(item state.WorkItem, from state.Status, event string) {
	if err := scheduler.persist(item, from); err != nil {
		scheduler.logger.Error("state write failed", zap.String("item", item.Key().String()), zap.String("event", event), zap.Error(err))
		return
	}
	scheduler.logger.Info(event, zap.String("item", item.Key().String()), zap.Time("triggered_at", item.CreatedAt))
}

// applyTo refreshes the descriptive fields from the latest observation.
func (observed trigger) applyTo(item *state.WorkItem) {
	if observed.title != "" {
		item.Title = observed.title
	}
	if observed.body != "" {
		item.Body = observed.body
	}
	if observed.branch != "" {
		item.Branch = observed.branch
	}
	if observed.baseBranch != "" {
		item.BaseBranch = observed.baseBranch
	}
	if observed.linkedIssues != nil {
		item.Result.LinkedIssues = observed.linkedIssues
	}
}
