package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmtonkinson/clover/internal/worktree"
)

type fakeAgent struct {
	result AgentResult
	calls  []AgentRequest
}

func (agent *fakeAgent) Invoke(ctx context.Context, req AgentRequest) AgentResult {
	agent.calls = append(agent.calls, req)
	return agent.result
}

type fakeCommits struct {
	ahead int
	err   error
}

func (commits fakeCommits) CommitsAhead(ctx context.Context, handle worktree.Handle) (int, error) {
	return commits.ahead, commits.err
}

type fakeRunner struct {
	result CommandResult
	argv   []string
}

func (runner *fakeRunner) Run(ctx context.Context, dir string, argv []string, timeout time.Duration) CommandResult {
	runner.argv = argv
	return runner.result
}

func testHandle(t *testing.T) worktree.Handle {
	return worktree.Handle{Path: t.TempDir(), Branch: "clover/issue-1", BaseBranch: "main", Owner: "issue_implement#1"}
}

func TestImplementWithoutCommitsIsNoChanges(t *testing.T) {
	agent := &fakeAgent{result: AgentResult{Status: StatusSuccess, Text: "nothing to do"}}
	exec := New(Options{Agent: agent, Commits: fakeCommits{ahead: 0}})

	outcome := exec.Run(context.Background(), testHandle(t), Action{Kind: ActionImplement, Prompt: "fix it", MaxTurns: 5})

	assert.Equal(t, StatusNoChanges, outcome.Status)
	assert.Equal(t, "nothing to do", outcome.Artifact)
	require.Len(t, agent.calls, 1)
	assert.Equal(t, 5, agent.calls[0].MaxTurns)
}

func TestImplementWithCommitsSucceeds(t *testing.T) {
	agent := &fakeAgent{result: AgentResult{Status: StatusSuccess, Text: "done", CostUSD: 0.5}}
	exec := New(Options{Agent: agent, Commits: fakeCommits{ahead: 2}})

	outcome := exec.Run(context.Background(), testHandle(t), Action{Kind: ActionImplement})

	assert.True(t, outcome.Succeeded())
	assert.Equal(t, 0.5, outcome.CostUSD)
}

func TestImplementPassesThroughAgentFailures(t *testing.T) {
	for _, status := range []Status{StatusTimeout, StatusBudgetExceeded, StatusCrashed} {
		agent := &fakeAgent{result: AgentResult{Status: status, Err: errors.New("stopped")}}
		exec := New(Options{Agent: agent, Commits: fakeCommits{ahead: 3}})

		outcome := exec.Run(context.Background(), testHandle(t), Action{Kind: ActionImplement})
		assert.Equal(t, status, outcome.Status)
	}
}

func TestImplementCommitInspectionFailureCrashes(t *testing.T) {
	agent := &fakeAgent{result: AgentResult{Status: StatusSuccess}}
	exec := New(Options{Agent: agent, Commits: fakeCommits{err: errors.New("bad revision")}})

	outcome := exec.Run(context.Background(), testHandle(t), Action{Kind: ActionImplement})
	assert.Equal(t, StatusCrashed, outcome.Status)
	assert.ErrorContains(t, outcome.Err, "bad revision")
}

func TestRunRejectsMissingWorktree(t *testing.T) {
	exec := New(Options{})
	outcome := exec.Run(context.Background(), worktree.Handle{}, Action{Kind: ActionChecks})
	assert.Equal(t, StatusCrashed, outcome.Status)
}

func TestChecksStopAtFirstFailure(t *testing.T) {
	handle := testHandle(t)
	exec := New(Options{})

	outcome := exec.Run(context.Background(), handle, Action{
		Kind: ActionChecks,
		Commands: []string{
			"echo ok",
			"echo collected 3 items; echo 'FAILED test_login.py::test_bad' >&2; exit 1",
			"touch should-not-exist",
		},
		CommandTimeout: 10 * time.Second,
	})

	assert.Equal(t, StatusCommandFailed, outcome.Status)
	assert.Equal(t, 1, outcome.ExitCode)
	assert.Contains(t, outcome.Command, "exit 1")
	assert.Contains(t, outcome.Output, "collected 3 items")
	assert.Contains(t, outcome.Output, "FAILED test_login.py::test_bad")
	_, err := os.Stat(filepath.Join(handle.Path, "should-not-exist"))
	assert.True(t, os.IsNotExist(err), "commands after a failure must not run")
	assert.Contains(t, outcome.Describe(), "exited with code 1")
}

func TestChecksAllPassProducesSummary(t *testing.T) {
	exec := New(Options{})
	outcome := exec.Run(context.Background(), testHandle(t), Action{
		Kind:           ActionChecks,
		Commands:       []string{"true", "  ", "echo fine"},
		CommandTimeout: 10 * time.Second,
	})
	require.True(t, outcome.Succeeded())
	assert.Contains(t, outcome.Artifact, "`true` passed")
	assert.Contains(t, outcome.Artifact, "`echo fine` passed")
}

func TestChecksTimeoutKillsProcessGroup(t *testing.T) {
	handle := testHandle(t)
	exec := New(Options{})

	start := time.Now()
	outcome := exec.Run(context.Background(), handle, Action{
		Kind:           ActionChecks,
		Commands:       []string{"sleep 30 & sleep 30; wait"},
		CommandTimeout: 200 * time.Millisecond,
	})

	assert.Equal(t, StatusTimeout, outcome.Status)
	assert.Less(t, time.Since(start), 10*time.Second, "timeout must not wait for descendants")
	assert.Contains(t, outcome.Describe(), "timed out")
}

func TestProcessRunnerMissingBinaryIsError(t *testing.T) {
	res := ProcessRunner{}.Run(context.Background(), t.TempDir(), []string{"clover-definitely-missing-binary"}, time.Second)
	assert.Error(t, res.Err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
}

func TestProcessRunnerParentCancelIsNotTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	res := ProcessRunner{}.Run(ctx, t.TempDir(), []string{"sleep", "30"}, time.Minute)
	assert.False(t, res.TimedOut)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestClaudeAgentArgs(t *testing.T) {
	agent := ClaudeAgent{}
	argv := agent.Args(AgentRequest{
		Prompt:       "Implement #42",
		SystemPrompt: "Be careful.",
		MaxTurns:     50,
		AllowedTools: []string{"Read", "Edit", "Bash(git:*)"},
	})
	assert.Equal(t, []string{
		"claude", "-p", "--output-format", "json", "--permission-mode", "acceptEdits",
		"--max-turns", "50",
		"--allowedTools", "Read,Edit,Bash(git:*)",
		"--append-system-prompt", "Be careful.",
		"Implement #42",
	}, argv)
}

func TestClaudeAgentClassifiesResults(t *testing.T) {
	cases := []struct {
		name   string
		result CommandResult
		want   Status
		text   string
	}{
		{
			name:   "success",
			result: CommandResult{Stdout: `{"type":"result","subtype":"success","is_error":false,"result":"Added login","total_cost_usd":0.12,"session_id":"abc"}`},
			want:   StatusSuccess,
			text:   "Added login",
		},
		{
			name:   "log lines before result",
			result: CommandResult{Stdout: "warming up\n{\"type\":\"result\",\"subtype\":\"success\",\"result\":\"ok\"}\n"},
			want:   StatusSuccess,
			text:   "ok",
		},
		{
			name:   "max turns",
			result: CommandResult{ExitCode: 1, Stdout: `{"type":"result","subtype":"error_max_turns","is_error":true,"num_turns":50}`},
			want:   StatusBudgetExceeded,
		},
		{
			name:   "reported error",
			result: CommandResult{Stdout: `{"type":"result","subtype":"error_during_execution","is_error":true,"result":"boom"}`},
			want:   StatusCrashed,
		},
		{
			name:   "non-zero exit",
			result: CommandResult{ExitCode: 2, Stderr: "auth failed"},
			want:   StatusCrashed,
		},
		{
			name:   "timeout",
			result: CommandResult{TimedOut: true, ExitCode: -1, Err: errors.New("timed out")},
			want:   StatusTimeout,
		},
		{
			name:   "plain text",
			result: CommandResult{Stdout: "All done\n"},
			want:   StatusSuccess,
			text:   "All done",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := &fakeRunner{result: tc.result}
			agent := ClaudeAgent{Binary: "claude", Runner: runner}
			res := agent.Invoke(context.Background(), AgentRequest{Dir: "/w", Prompt: "p", Timeout: time.Minute})
			assert.Equal(t, tc.want, res.Status)
			if tc.text != "" {
				assert.Equal(t, tc.text, res.Text)
			}
			assert.Equal(t, "p", runner.argv[len(runner.argv)-1])
		})
	}
}

func TestLoadPrompt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "implement.md"), []byte("  Use small commits.\n"), 0o644))

	text, err := LoadPrompt(dir, "implement.md")
	require.NoError(t, err)
	assert.Equal(t, "Use small commits.", text)

	missing, err := LoadPrompt(dir, "review.md")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestTailBufferKeepsNewestBytes(t *testing.T) {
	buffer := &tailBuffer{limit: 16}
	_, _ = buffer.Write([]byte("line one\nline two\nline three\n"))
	out := buffer.String()
	assert.Contains(t, out, "line three")
	assert.NotContains(t, out, "line one")
}
