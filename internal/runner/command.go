package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// CommandWorker runs a shell command as a local OS process. Each iteration of
// the budget is one invocation; the first zero exit status wins.
type CommandWorker struct {
	// Shell is the interpreter invoked with -c. Defaults to "sh".
	Shell string
	// Command is the script to run. When empty the step's task text is run.
	Command string
	// Env holds extra KEY=VALUE pairs appended to the process environment.
	Env []string

	logger *slog.Logger
}

// NewCommandWorker creates a CommandWorker for command. An empty command
// runs each step's task text directly.
func NewCommandWorker(command string, logger *slog.Logger) *CommandWorker {
	return &CommandWorker{
		Shell:   "sh",
		Command: command,
		logger:  logger.With("component", "command-worker"),
	}
}

// CommandError is returned when every iteration exited non-zero.
type CommandError struct {
	ExitCode   int
	Iterations int
	Stderr     string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command exited with status %d after %d iteration(s)", e.ExitCode, e.Iterations)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLine(s)
	}
	return msg
}

// Execute runs the command up to req.MaxIterations times. The result token
// is the last non-empty line written to stdout and usage is the number of
// iterations consumed.
func (w *CommandWorker) Execute(ctx context.Context, req Request) (Result, error) {
	script := w.Command
	if script == "" {
		script = req.Task
	}
	if strings.TrimSpace(script) == "" {
		return Result{}, errors.New("nothing to run: empty command and task")
	}
	budget := req.MaxIterations
	if budget <= 0 {
		budget = 1
	}

	var lastErr error
	for i := 1; i <= budget; i++ {
		if err := ctx.Err(); err != nil {
			return Result{Usage: int64(i - 1)}, err
		}

		stdout, stderr, err := w.run(ctx, script, req, i)
		if err == nil {
			w.logger.Debug("command succeeded", "step_id", req.StepID, "iteration", i)
			return Result{Token: lastLine(stdout), Usage: int64(i)}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{Usage: int64(i)}, fmt.Errorf("command interrupted: %w", ctxErr)
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// Non-exit errors (e.g. shell not found) are not worth retrying.
			return Result{Usage: int64(i)}, fmt.Errorf("run command: %w", err)
		}
		lastErr = &CommandError{ExitCode: exitErr.ExitCode(), Iterations: i, Stderr: stderr}
		w.logger.Debug("command failed", "step_id", req.StepID, "iteration", i, "exit_code", exitErr.ExitCode())
	}
	return Result{Usage: int64(budget)}, lastErr
}

const waitDelay = 2 * time.Second

func (w *CommandWorker) run(ctx context.Context, script string, req Request, iteration int) (string, string, error) {
	shell := w.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", script)
	cmd.Dir = req.WorkDir
	// Children of the shell may keep the output pipes open after a kill.
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(),
		"TASKGRAPH_STEP_ID="+req.StepID,
		"TASKGRAPH_WORKER="+req.Worker,
		"TASKGRAPH_TASK="+req.Task,
		"TASKGRAPH_ITERATION="+strconv.Itoa(iteration),
		"TASKGRAPH_MAX_ITERATIONS="+strconv.Itoa(req.MaxIterations),
	)
	cmd.Env = append(cmd.Env, w.Env...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	return stdoutBuf.String(), stderrBuf.String(), err
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\r\n\t "), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
