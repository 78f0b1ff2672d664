package scheduler

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cmtonkinson/clover/internal/executor"
	"github.com/cmtonkinson/clover/internal/format"
	"github.com/cmtonkinson/clover/internal/state"
)

// Review verdicts recorded on reviewed items.
const (
	VerdictApprove        = "approve"
	VerdictRequestChanges = "request_changes"
	VerdictComment        = "comment"
)

const (
	prTitleWidth     = 200
	prBodyLimit      = 2000
	summaryWidth     = 200
	reviewTextLimit  = 60000
	commentTextLimit = 1000
)

// ImplementPrompt asks the agent to implement an issue on the current branch.
func ImplementPrompt(item state.WorkItem, base string) string {
	var b strings.Builder
	b.WriteString("Implement this GitHub issue:\n\n")
	fmt.Fprintf(&b, "# Issue #%d: %s\n\n", item.Number, item.Title)
	if body := strings.TrimSpace(item.Body); body != "" {
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	b.WriteString("---\n\nInstructions:\n")
	b.WriteString("1. Read and understand the issue requirements\n")
	b.WriteString("2. Explore the codebase to understand the relevant code\n")
	b.WriteString("3. Implement the feature or fix\n")
	b.WriteString("4. Write or update tests if appropriate\n")
	fmt.Fprintf(&b, "5. Commit your changes on branch %s with a clear message that references #%d\n\n", item.Branch, item.Number)
	fmt.Fprintf(&b, "Do not push and do not open a pull request; the branch is compared against %s afterwards.\n", base)
	b.WriteString("When done, provide a summary of what you implemented.\n")
	return b.String()
}

// ReviewPrompt asks the agent to review a pull request checked out in the worktree.
func ReviewPrompt(item state.WorkItem, base string, checks string) string {
	var b strings.Builder
	b.WriteString("Review this pull request:\n\n")
	fmt.Fprintf(&b, "# PR #%d: %s\n\n", item.Number, item.Title)
	if body := strings.TrimSpace(item.Body); body != "" {
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	if checks != "" {
		b.WriteString("The configured review checks passed:\n")
		b.WriteString(checks)
		b.WriteString("\n\n")
	}
	b.WriteString("---\n\nInstructions:\n")
	fmt.Fprintf(&b, "1. Review the changes with `git diff %s...HEAD`\n", base)
	b.WriteString("2. Check correctness, edge cases, error handling, tests, security and performance\n")
	b.WriteString("3. Do not modify any files\n\n")
	b.WriteString("Format the review as markdown with sections for a short summary, what looks good, suggestions and blocking issues.\n")
	fmt.Fprintf(&b, "End with a single line `Verdict: %s`, `Verdict: %s` or `Verdict: %s`.\n", VerdictApprove, VerdictRequestChanges, VerdictComment)
	return b.String()
}

// PRTitle names the pull request opened for an issue.
func PRTitle(item state.WorkItem) string {
	return format.Ellipsize(fmt.Sprintf("Implement #%d: %s", item.Number, item.Title), prTitleWidth)
}

// PRBody links the issue with a closing keyword and carries the agent's summary.
func PRBody(item state.WorkItem, outcome executor.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Closes #%d\n\n## Changes\n\n", item.Number)
	if summary := strings.TrimSpace(outcome.Artifact); summary != "" {
		b.WriteString(truncate(summary, prBodyLimit))
	} else {
		b.WriteString("_No summary was produced._")
	}
	if cost := format.USD(outcome.CostUSD); cost != "" {
		fmt.Fprintf(&b, "\n\nAgent cost: %s", cost)
	}
	b.WriteString(signature)
	return b.String()
}

// ParseVerdict reads the last "Verdict:" line of a review. Anything unrecognized is a plain comment.
func ParseVerdict(review string) string {
	lines := strings.Split(review, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.Trim(strings.TrimSpace(lines[i]), "*_`>")
		line = strings.TrimSpace(line)
		prefix, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(prefix), "verdict") {
			continue
		}
		value = strings.ToLower(strings.TrimSpace(strings.Trim(strings.TrimSpace(value), "*_`.")))
		value = strings.ReplaceAll(value, " ", "_")
		value = strings.ReplaceAll(value, "-", "_")
		switch value {
		case VerdictApprove, "approved", "lgtm":
			return VerdictApprove
		case VerdictRequestChanges, "changes_requested":
			return VerdictRequestChanges
		default:
			return VerdictComment
		}
	}
	return VerdictComment
}

// Summarize returns the first prose line of a review for status output.
func Summarize(review string) string {
	for _, line := range strings.Split(review, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#>-* "))
		if line == "" || strings.EqualFold(line, "summary") {
			continue
		}
		if prefix, _, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(prefix), "verdict") {
			continue
		}
		return format.Ellipsize(line, summaryWidth)
	}
	return ""
}

// truncate keeps the first limit bytes on a rune boundary.
func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "\n\n_(truncated)_"
}
