package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// outputLimit bounds how much of each stream is kept in memory.
	outputLimit = 64 * 1024
	// waitDelay bounds how long Wait blocks on I/O after the process group is killed.
	waitDelay = 5 * time.Second
)

// CommandResult captures one finished external process.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	// Err is set when the process could not run or was interrupted.
	Err      error
	Duration time.Duration
}

// Output joins stdout and stderr for display.
func (result CommandResult) Output() string {
	stdout := strings.TrimRight(result.Stdout, "\n")
	stderr := strings.TrimRight(result.Stderr, "\n")
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	default:
		return stdout + "\n" + stderr
	}
}

// CommandRunner runs an external command bounded by a timeout.
type CommandRunner interface {
	Run(ctx context.Context, dir string, argv []string, timeout time.Duration) CommandResult
}

// ProcessRunner runs commands in their own process group so a timeout kills every descendant.
type ProcessRunner struct {
	// Env is appended to the daemon's environment.
	Env []string
}

// Run executes argv in dir. A non-positive timeout only honours ctx.
func (runner ProcessRunner) Run(ctx context.Context, dir string, argv []string, timeout time.Duration) CommandResult {
	if len(argv) == 0 {
		return CommandResult{ExitCode: -1, Err: errors.New("command is required")}
	}
	if strings.TrimSpace(dir) == "" {
		return CommandResult{ExitCode: -1, Err: errors.New("work directory is required")}
	}

	runCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	if len(runner.Env) > 0 {
		cmd.Env = append(os.Environ(), runner.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay
	stdout := &tailBuffer{limit: outputLimit}
	stderr := &tailBuffer{limit: outputLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	result := CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return result
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.TimedOut = true
		result.ExitCode = -1
		result.Err = fmt.Errorf("%s timed out after %s", argv[0], timeout)
	case ctx.Err() != nil:
		result.ExitCode = -1
		result.Err = fmt.Errorf("%s interrupted: %w", argv[0], ctx.Err())
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result
		}
		result.ExitCode = -1
		result.Err = fmt.Errorf("run %s: %w", argv[0], err)
	}
	return result
}

// tailBuffer keeps the most recent bytes written to it.
type tailBuffer struct {
	mu      sync.Mutex
	limit   int
	data    []byte
	dropped bool
}

func (buffer *tailBuffer) Write(p []byte) (int, error) {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()
	buffer.data = append(buffer.data, p...)
	if over := len(buffer.data) - buffer.limit; over > 0 {
		buffer.data = append(buffer.data[:0], buffer.data[over:]...)
		buffer.dropped = true
	}
	return len(p), nil
}

func (buffer *tailBuffer) String() string {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()
	if buffer.dropped {
		return truncateTail("...\n"+string(buffer.data), buffer.limit)
	}
	return string(buffer.data)
}
