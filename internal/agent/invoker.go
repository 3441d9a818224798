// Package agent invokes the external claude CLI and interprets its
// structured output. The binary is an opaque collaborator: exit code 0
// means success and stdout carries marker lines, anything else is a
// failure with stderr as the detail.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Request describes one agent invocation.
type Request struct {
	TaskID     string
	PromptFile string        // path to the prompt markdown handed to the CLI
	WorkDir    string        // working directory (usually the task's sandbox)
	Timeout    time.Duration // hard wall-clock budget; 0 means no limit
	OnStart    func(pid int) // optional, called once the subprocess is running
}

// Result is the parsed outcome of an invocation.
type Result struct {
	ExitCode       int
	Stdout         string
	Stderr         string
	IssueNumber    int      // from a GADUGI-ISSUE marker, 0 if absent
	PRNumber       int      // from a GADUGI-PR marker, 0 if absent
	PhasesReported []string // GADUGI-PHASE-DONE marker lines, in order
	TimedOut       bool
	Duration       time.Duration
}

// Invoker runs the AI agent. Implementations must honor the request
// timeout by killing the subprocess, never by hanging.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// ClaudeInvoker runs the claude CLI, one subprocess per invocation.
type ClaudeInvoker struct {
	binary    string
	extraArgs []string
	pm        *ProcessManager
}

// NewClaudeInvoker creates an invoker for the given binary ("claude"
// when empty). The ProcessManager is optional; when set, subprocesses
// are tracked for shutdown cleanup.
func NewClaudeInvoker(binary string, extraArgs []string, pm *ProcessManager) *ClaudeInvoker {
	if binary == "" {
		binary = "claude"
	}
	return &ClaudeInvoker{binary: binary, extraArgs: extraArgs, pm: pm}
}

// Invoke runs the CLI with the prompt file in the request's working
// directory. A request timeout bounds the subprocess: on expiry the
// whole process group is killed and the result reports TimedOut.
func (c *ClaudeInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if req.PromptFile == "" {
		return nil, fmt.Errorf("agent invocation requires a prompt file")
	}

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := append([]string{"-p", "@" + req.PromptFile, "--output-format", "text"}, c.extraArgs...)
	return RunRaw(runCtx, c.binary, args, req, c.pm)
}

// RunRaw executes an arbitrary command under the agent contract:
// process-group isolation, concurrent pipe drain, marker parsing, and
// timeout classification from ctx. The container strategy uses it to
// wrap the agent in a docker invocation.
func RunRaw(ctx context.Context, name string, args []string, req Request, pm *ProcessManager) (*Result, error) {
	cmd := newCommand(ctx, name, args...)
	cmd.Dir = req.WorkDir

	start := time.Now()
	stdout, stderr, err := runCommand(cmd, pm, req.OnStart)
	res := &Result{
		Stdout:   string(stdout),
		Stderr:   string(stderr),
		Duration: time.Since(start),
	}
	parseMarkers(res)

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		// Distinguish budget expiry from ordinary failure: the caller
		// must never retry a timeout.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
			return res, fmt.Errorf("agent invocation for task %s timed out: %w", req.TaskID, context.DeadlineExceeded)
		}
		return res, fmt.Errorf("agent invocation for task %s: %w", req.TaskID, err)
	}
	return res, nil
}
