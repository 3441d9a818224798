package isolation

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gadugi/gadugi/internal/agent"
)

// ContainerConfig bounds the resources of containerized task runs.
type ContainerConfig struct {
	Image    string            // image carrying the agent CLI
	CPUs     float64           // --cpus limit, 0 means unlimited
	MemoryMB int               // --memory limit, 0 means unlimited
	Network  string            // docker network mode (default "none")
	Env      map[string]string // credentials and settings injected into the container
}

// ContainerProvider pairs worktree filesystem isolation with container
// process isolation: the sandbox directory is created as a worktree and
// later bind-mounted read-write into the task's container.
type ContainerProvider struct {
	worktrees *WorktreeProvider
	cfg       ContainerConfig
	log       *zap.Logger
}

// NewContainerProvider creates a container provider over a worktree
// provider.
func NewContainerProvider(worktrees *WorktreeProvider, cfg ContainerConfig, log *zap.Logger) *ContainerProvider {
	if cfg.Network == "" {
		cfg.Network = "none"
	}
	return &ContainerProvider{worktrees: worktrees, cfg: cfg, log: log}
}

// Acquire provisions the task's worktree and names its container.
func (p *ContainerProvider) Acquire(ctx context.Context, taskID string) (*Sandbox, error) {
	sb, err := p.worktrees.Acquire(ctx, taskID)
	if err != nil {
		return nil, err
	}
	sb.Kind = KindContainer
	sb.ContainerID = "gadugi-task-" + taskID
	return sb, nil
}

// Release force-removes the container, then tears down the worktree.
// Both steps run regardless of each other's outcome.
func (p *ContainerProvider) Release(ctx context.Context, sb *Sandbox) error {
	if sb == nil {
		return nil
	}
	var errs []string
	if sb.ContainerID != "" {
		cmd := exec.CommandContext(ctx, "docker", "rm", "-f", sb.ContainerID)
		if output, err := cmd.CombinedOutput(); err != nil {
			out := strings.TrimSpace(string(output))
			// "No such container" just means the run already cleaned up.
			if !strings.Contains(out, "No such container") {
				errs = append(errs, fmt.Sprintf("removing container %s: %v (output: %s)", sb.ContainerID, err, out))
			}
		}
	}
	if err := p.worktrees.Release(ctx, sb); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("container release: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Invoker returns an agent.Invoker that executes inside the sandbox's
// container instead of directly on the host.
func (p *ContainerProvider) Invoker(sb *Sandbox, pm *agent.ProcessManager) agent.Invoker {
	return &containerInvoker{provider: p, sandbox: sb, pm: pm}
}

// containerInvoker runs one agent invocation as `docker run`. The
// request's timeout is enforced twice: the context kills the docker
// client process group, and `docker kill` takes the container down with
// it, so expiry can never leave the container running.
type containerInvoker struct {
	provider *ContainerProvider
	sandbox  *Sandbox
	pm       *agent.ProcessManager
}

func (ci *containerInvoker) Invoke(ctx context.Context, req agent.Request) (*agent.Result, error) {
	if req.PromptFile == "" {
		return nil, fmt.Errorf("agent invocation requires a prompt file")
	}
	// The container sees the sandbox at /workspace, not at its host
	// path; the prompt file reference must cross that boundary too.
	promptPath, err := containerPath(ci.sandbox.Path, req.PromptFile)
	if err != nil {
		return nil, err
	}
	cfg := ci.provider.cfg

	args := []string{
		"run", "--rm",
		"--name", ci.sandbox.ContainerID,
		"--network", cfg.Network,
		"-v", ci.sandbox.Path + ":/workspace:rw",
		"-w", "/workspace",
	}
	if cfg.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%g", cfg.CPUs))
	}
	if cfg.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", cfg.MemoryMB))
	}
	for k, v := range cfg.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, cfg.Image, "claude", "-p", "@"+promptPath, "--output-format", "text")

	budget := req.Timeout
	if budget <= 0 {
		budget = containerDefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	// Watchdog: when the budget expires, kill the container itself.
	// Killing only the docker client would orphan the container.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-runCtx.Done():
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.Canceled) {
				kill := exec.Command("docker", "kill", ci.sandbox.ContainerID)
				if output, err := kill.CombinedOutput(); err != nil {
					ci.provider.log.Debug("container kill",
						zap.String("container", ci.sandbox.ContainerID),
						zap.String("output", strings.TrimSpace(string(output))))
				}
			}
		case <-watchdogDone:
		}
	}()

	return agent.RunRaw(runCtx, "docker", args, agent.Request{
		TaskID:  req.TaskID,
		WorkDir: ci.sandbox.Path,
		OnStart: req.OnStart,
	}, ci.pm)
}

// containerPath maps a host path under the sandbox to its location
// behind the /workspace bind mount. Paths outside the sandbox are an
// error: the container cannot see them.
func containerPath(sandboxPath, hostPath string) (string, error) {
	rel, err := filepath.Rel(sandboxPath, hostPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside sandbox %s", hostPath, sandboxPath)
	}
	return path.Join("/workspace", filepath.ToSlash(rel)), nil
}

// hard ceiling applied when a request carries no timeout, so a runaway
// container can never hang the batch
const containerDefaultTimeout = 2 * time.Hour
