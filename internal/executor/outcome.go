// Package executor runs one bounded external action inside a worktree and classifies how it ended.
package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/cmtonkinson/clover/internal/format"
)

// ActionKind selects what the executor runs.
type ActionKind string

const (
	// ActionImplement runs the coding agent and expects new commits.
	ActionImplement ActionKind = "implement"
	// ActionReview runs the coding agent to produce review findings.
	ActionReview ActionKind = "review"
	// ActionChecks runs shell commands in order.
	ActionChecks ActionKind = "checks"
)

// Status is the closed set of outcomes an action can end in.
type Status string

const (
	// StatusSuccess means the action finished and, for implementation, committed work.
	StatusSuccess Status = "success"
	// StatusNoChanges means the agent exited cleanly without adding commits.
	StatusNoChanges Status = "no_changes"
	// StatusTimeout means the action ran past its deadline and was killed.
	StatusTimeout Status = "timeout"
	// StatusBudgetExceeded means the agent stopped at its turn limit.
	StatusBudgetExceeded Status = "budget_exceeded"
	// StatusCommandFailed means a check command exited non-zero.
	StatusCommandFailed Status = "command_failed"
	// StatusCrashed means the agent failed to run, exited non-zero or reported an error.
	StatusCrashed Status = "crashed"
)

// Action describes one bounded unit of external work.
type Action struct {
	Kind ActionKind
	// Attempt is recorded in the audit log.
	Attempt      int
	Prompt       string
	SystemPrompt string
	MaxTurns     int
	Timeout      time.Duration
	AllowedTools []string
	// Commands run through "sh -c" for ActionChecks.
	Commands       []string
	CommandTimeout time.Duration
}

// Outcome is the classified result of running an Action.
type Outcome struct {
	Status Status
	// Artifact is the agent's final text, or a checks summary.
	Artifact string
	// Command, ExitCode and Output describe the failing or timed-out command.
	Command   string
	ExitCode  int
	Output    string
	Err       error
	CostUSD   float64
	SessionID string
	Duration  time.Duration
}

// Succeeded reports whether the action produced a usable result.
func (outcome Outcome) Succeeded() bool {
	return outcome.Status == StatusSuccess
}

// Describe renders a one-line human explanation of the outcome.
func (outcome Outcome) Describe() string {
	switch outcome.Status {
	case StatusSuccess:
		return "completed successfully"
	case StatusNoChanges:
		return "the agent finished without committing any changes"
	case StatusTimeout:
		if outcome.Command != "" {
			return fmt.Sprintf("`%s` timed out after %s", outcome.Command, format.DurationShort(outcome.Duration))
		}
		return fmt.Sprintf("the agent timed out after %s", format.DurationShort(outcome.Duration))
	case StatusBudgetExceeded:
		return "the agent exhausted its turn budget before finishing"
	case StatusCommandFailed:
		return fmt.Sprintf("`%s` exited with code %d", outcome.Command, outcome.ExitCode)
	case StatusCrashed:
		if outcome.Err != nil {
			return fmt.Sprintf("the action crashed: %v", outcome.Err)
		}
		return "the action crashed"
	default:
		return fmt.Sprintf("unknown outcome %q", outcome.Status)
	}
}

// crashed builds a crashed outcome from an error.
func crashed(err error) Outcome {
	return Outcome{Status: StatusCrashed, ExitCode: -1, Err: err}
}

// truncateTail keeps the last limit bytes of text, marking the cut.
func truncateTail(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	cut := text[len(text)-limit:]
	if idx := strings.IndexByte(cut, '\n'); idx >= 0 && idx < len(cut)-1 {
		cut = cut[idx+1:]
	}
	return "...(truncated)\n" + cut
}
