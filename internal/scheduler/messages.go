package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/cmtonkinson/clover/internal/executor"
	"github.com/cmtonkinson/clover/internal/format"
	"github.com/cmtonkinson/clover/internal/state"
)

const signature = "\n\n---\n*Posted by Clover*"

func issueStartMessage(item state.WorkItem, resumed bool) string {
	if resumed {
		return fmt.Sprintf("🔄 Resuming work on this issue on `%s`.%s", item.Branch, signature)
	}
	return fmt.Sprintf("🚀 Starting work on this issue on `%s`.%s", item.Branch, signature)
}

func issueDoneMessage(prNumber int) string {
	return fmt.Sprintf("✅ Finished working on this issue.\n\n**Pull request:** #%d%s", prNumber, signature)
}

// implementFailedMessage explains why no pull request was opened. Uncommitted files are listed when present.
func implementFailedMessage(number int, outcome executor.Outcome, uncommitted string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "❌ Failed to implement this issue: %s.\n\n", outcome.Describe())
	if text := strings.TrimSpace(outcome.Artifact); text != "" {
		fmt.Fprintf(&b, "**Agent response:**\n\n%s\n\n", truncate(text, commentTextLimit))
	}
	if uncommitted = strings.TrimSpace(uncommitted); uncommitted != "" {
		fmt.Fprintf(&b, "The agent left uncommitted changes, which were discarded:\n\n```\n%s\n```\n\n", truncate(uncommitted, commentTextLimit))
	}
	if output := strings.TrimSpace(outcome.Output); output != "" && outcome.Status != executor.StatusNoChanges {
		fmt.Fprintf(&b, "```\n%s\n```\n\n", truncate(output, commentTextLimit))
	}
	fmt.Fprintf(&b, "The trigger label was left in place. Run `clover clear issue %d` to retry.", number)
	b.WriteString(signature)
	return b.String()
}

func reviewStartMessage(commands []string) string {
	if len(commands) == 0 {
		return "🔍 Starting code review." + signature
	}
	return fmt.Sprintf("🔍 Starting code review. Running %d check(s) first.%s", len(commands), signature)
}

func mergeStartMessage(commands []string) string {
	if len(commands) == 0 {
		return "🔀 Merge requested. Waiting for CI." + signature
	}
	return fmt.Sprintf("🔀 Merge requested. Running %d pre-merge check(s), then waiting for CI.%s", len(commands), signature)
}

// checksFailedMessage reports the failing command with its captured output.
func checksFailedMessage(title string, outcome executor.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## ❌ %s failed\n\n%s.\n\n", title, outcome.Describe())
	if output := strings.TrimSpace(outcome.Output); output != "" {
		fmt.Fprintf(&b, "```\n%s\n```\n\n", truncate(output, commentTextLimit))
	}
	b.WriteString("Fix the failure and trigger again.")
	b.WriteString(signature)
	return b.String()
}

func reviewFailedMessage(outcome executor.Outcome) string {
	return fmt.Sprintf("❌ The review could not be completed: %s.\n\nRe-apply the trigger label to try again.%s", outcome.Describe(), signature)
}

// reviewMessage posts the agent's findings, headed by the checks summary when there is one.
func reviewMessage(review string, checks string, verdict string) string {
	var b strings.Builder
	b.WriteString("## 🤖 Automated Code Review\n\n")
	if checks != "" {
		fmt.Fprintf(&b, "### 🔧 Review Checks\n\n%s\n\n", checks)
	}
	b.WriteString(truncate(strings.TrimSpace(review), reviewTextLimit))
	fmt.Fprintf(&b, "\n\n**Verdict:** `%s`", verdict)
	b.WriteString(signature)
	return b.String()
}

func ciFailedMessage() string {
	return "❌ CI failed, so this pull request was not merged." + signature
}

func ciTimeoutMessage(wait time.Duration) string {
	return fmt.Sprintf("❌ CI did not finish within %s, so this pull request was not merged.%s", format.DurationShort(wait), signature)
}

// mergedMessage reports the merge and any housekeeping that did not go through.
func mergedMessage(sha string, strategy string, closed []int, problems []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Merged (%s)", strategy)
	if sha != "" {
		fmt.Fprintf(&b, " as %s", sha)
	}
	b.WriteString(".")
	if len(closed) > 0 {
		refs := make([]string, 0, len(closed))
		for _, number := range closed {
			refs = append(refs, fmt.Sprintf("#%d", number))
		}
		fmt.Fprintf(&b, "\n\nClosed %s.", strings.Join(refs, ", "))
	}
	for _, problem := range problems {
		fmt.Fprintf(&b, "\n\n⚠️ %s", problem)
	}
	b.WriteString(signature)
	return b.String()
}

func missingBranchMessage() string {
	return "❌ Could not determine the head branch of this pull request." + signature
}

func unknownKindMessage(item state.WorkItem) string {
	return fmt.Sprintf("❌ Clover does not know how to handle %q work.%s", item.Kind, signature)
}

// errorMessage covers collaborator and resource failures that are not worth retrying.
func errorMessage(stage string, err error) string {
	return fmt.Sprintf("❌ Failed while %s.\n\n```\n%s\n```%s", stage, truncate(err.Error(), commentTextLimit), signature)
}
