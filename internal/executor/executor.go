package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cmtonkinson/clover/internal/worktree"
)

// CommitCounter reports how far a worktree's branch is ahead of its base.
type CommitCounter interface {
	CommitsAhead(ctx context.Context, handle worktree.Handle) (int, error)
}

// AuditLogger records action events.
type AuditLogger interface {
	LogAgentInvoke(item string, action string, attempt int) error
	LogAgentOutcome(item string, action string, status string, exitCode int) error
	LogCommandTimeout(item string, command string, timeout time.Duration, worktreePath string) error
}

// Options configures an Executor.
type Options struct {
	Agent    Agent
	Commands CommandRunner
	Commits  CommitCounter
	Logger   *zap.Logger
	Audit    AuditLogger
}

// Executor runs actions. It never touches work item state.
type Executor struct {
	agent    Agent
	commands CommandRunner
	commits  CommitCounter
	logger   *zap.Logger
	audit    AuditLogger
}

// New builds an Executor.
func New(opts Options) *Executor {
	commands := opts.Commands
	if commands == nil {
		commands = ProcessRunner{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		agent:    opts.Agent,
		commands: commands,
		commits:  opts.Commits,
		logger:   logger.Named("executor"),
		audit:    opts.Audit,
	}
}

// Run executes the action inside the worktree and classifies the result.
func (executor *Executor) Run(ctx context.Context, handle worktree.Handle, action Action) Outcome {
	if strings.TrimSpace(handle.Path) == "" {
		return crashed(errors.New("worktree path is required"))
	}
	start := time.Now()
	var outcome Outcome
	switch action.Kind {
	case ActionImplement:
		outcome = executor.runImplement(ctx, handle, action)
	case ActionReview:
		outcome = executor.runAgent(ctx, handle, action)
	case ActionChecks:
		outcome = executor.runChecks(ctx, handle, action)
	default:
		outcome = crashed(fmt.Errorf("unknown action kind %q", action.Kind))
	}
	if outcome.Duration == 0 {
		outcome.Duration = time.Since(start)
	}
	executor.logger.Info("action finished",
		zap.String("owner", handle.Owner),
		zap.String("action", string(action.Kind)),
		zap.String("status", string(outcome.Status)),
		zap.Duration("duration", outcome.Duration))
	executor.logAudit(func(audit AuditLogger) error {
		return audit.LogAgentOutcome(handle.Owner, string(action.Kind), string(outcome.Status), outcome.ExitCode)
	})
	return outcome
}

// runImplement runs the agent and downgrades success without commits to no_changes.
func (executor *Executor) runImplement(ctx context.Context, handle worktree.Handle, action Action) Outcome {
	outcome := executor.runAgent(ctx, handle, action)
	if outcome.Status != StatusSuccess {
		return outcome
	}
	if executor.commits == nil {
		return crashed(errors.New("commit counter is not configured"))
	}
	ahead, err := executor.commits.CommitsAhead(ctx, handle)
	if err != nil {
		failed := crashed(fmt.Errorf("inspect commits: %w", err))
		failed.Artifact = outcome.Artifact
		return failed
	}
	if ahead == 0 {
		outcome.Status = StatusNoChanges
	}
	return outcome
}

// runAgent invokes the agent for implement and review actions.
func (executor *Executor) runAgent(ctx context.Context, handle worktree.Handle, action Action) Outcome {
	if executor.agent == nil {
		return crashed(errors.New("agent is not configured"))
	}
	executor.logAudit(func(audit AuditLogger) error {
		return audit.LogAgentInvoke(handle.Owner, string(action.Kind), action.Attempt)
	})
	result := executor.agent.Invoke(ctx, AgentRequest{
		Dir:          handle.Path,
		Prompt:       action.Prompt,
		SystemPrompt: action.SystemPrompt,
		MaxTurns:     action.MaxTurns,
		Timeout:      action.Timeout,
		AllowedTools: action.AllowedTools,
	})
	return Outcome{
		Status:    result.Status,
		Artifact:  result.Text,
		ExitCode:  result.ExitCode,
		Output:    result.Output,
		Err:       result.Err,
		CostUSD:   result.CostUSD,
		SessionID: result.SessionID,
		Duration:  result.Duration,
	}
}

// runChecks runs commands in order and stops at the first failure.
func (executor *Executor) runChecks(ctx context.Context, handle worktree.Handle, action Action) Outcome {
	var summary strings.Builder
	var total time.Duration
	for _, command := range action.Commands {
		command = strings.TrimSpace(command)
		if command == "" {
			continue
		}
		executor.logger.Debug("running check", zap.String("owner", handle.Owner), zap.String("command", command))
		res := executor.commands.Run(ctx, handle.Path, []string{"sh", "-c", command}, action.CommandTimeout)
		total += res.Duration
		switch {
		case res.TimedOut:
			executor.logAudit(func(audit AuditLogger) error {
				return audit.LogCommandTimeout(handle.Owner, command, action.CommandTimeout, handle.Path)
			})
			return Outcome{
				Status:   StatusTimeout,
				Command:  command,
				ExitCode: res.ExitCode,
				Output:   res.Output(),
				Err:      res.Err,
				Duration: res.Duration,
			}
		case res.Err != nil:
			failed := crashed(res.Err)
			failed.Command = command
			failed.Output = res.Output()
			return failed
		case res.ExitCode != 0:
			return Outcome{
				Status:   StatusCommandFailed,
				Command:  command,
				ExitCode: res.ExitCode,
				Output:   res.Output(),
				Duration: total,
			}
		}
		fmt.Fprintf(&summary, "- `%s` passed (%s)\n", command, res.Duration.Round(time.Millisecond))
	}
	return Outcome{Status: StatusSuccess, Artifact: strings.TrimRight(summary.String(), "\n"), Duration: total}
}

func (executor *Executor) logAudit(write func(AuditLogger) error) {
	if executor.audit == nil {
		return
	}
	if err := write(executor.audit); err != nil {
		executor.logger.Warn("audit write failed", zap.Error(err))
	}
}
