package isolation

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// WorktreeConfig configures the worktree strategy.
type WorktreeConfig struct {
	RepoPath    string // absolute path to the git repository
	BaseBranch  string // branch new task branches start from
	WorktreeDir string // directory under the repo for worktrees (default ".gadugi/worktrees")
	Require     bool   // fail acquisition instead of degrading when git errors
}

// WorktreeProvider isolates each task on its own branch in its own
// working directory, via git's worktree primitives.
type WorktreeProvider struct {
	cfg WorktreeConfig
	log *zap.Logger
}

// NewWorktreeProvider creates a worktree provider.
func NewWorktreeProvider(cfg WorktreeConfig, log *zap.Logger) *WorktreeProvider {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = filepath.Join(".gadugi", "worktrees")
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return &WorktreeProvider{cfg: cfg, log: log}
}

// BranchName returns the branch a task's sandbox lives on.
func BranchName(taskID string) string {
	return "gadugi/task-" + taskID
}

// Acquire creates a worktree on a fresh branch for the task. When git
// refuses (branch already exists, dirty state) the sandbox comes back
// marked not-created so the caller can proceed without isolation; with
// Require set, the same condition is an error instead.
func (p *WorktreeProvider) Acquire(ctx context.Context, taskID string) (*Sandbox, error) {
	branch := BranchName(taskID)
	wtPath := filepath.Join(p.cfg.RepoPath, p.cfg.WorktreeDir, taskID)

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, wtPath, p.cfg.BaseBranch)
	cmd.Dir = p.cfg.RepoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		if p.cfg.Require {
			return nil, fmt.Errorf("creating worktree for task %s: %w (output: %s)", taskID, err, strings.TrimSpace(string(output)))
		}
		p.log.Warn("worktree acquisition failed, proceeding without isolation",
			zap.String("task_id", taskID), zap.String("output", strings.TrimSpace(string(output))))
		return &Sandbox{TaskID: taskID, Kind: KindWorktree, Path: p.cfg.RepoPath, Created: false}, nil
	}

	return &Sandbox{
		TaskID:  taskID,
		Kind:    KindWorktree,
		Path:    wtPath,
		Branch:  branch,
		Created: true,
	}, nil
}

// Release removes the worktree. The branch is deliberately kept: it is
// the head of the task's pull request. Removal retries with --force so
// a dirty tree cannot leak a sandbox.
func (p *WorktreeProvider) Release(ctx context.Context, sb *Sandbox) error {
	if sb == nil || !sb.Created {
		return nil
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", sb.Path)
	cmd.Dir = p.cfg.RepoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		force := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", sb.Path)
		force.Dir = p.cfg.RepoPath
		if forceOut, forceErr := force.CombinedOutput(); forceErr != nil {
			return fmt.Errorf("removing worktree %s: %w (output: %s, force output: %s)",
				sb.Path, err, strings.TrimSpace(string(output)), strings.TrimSpace(string(forceOut)))
		}
	}
	return nil
}

// List returns the sandboxes git currently knows about, parsed from
// `git worktree list --porcelain`. Used by stale-sandbox recovery.
func (p *WorktreeProvider) List(ctx context.Context) ([]Sandbox, error) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = p.cfg.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}

	return parseWorktreeList(string(output)), nil
}

func parseWorktreeList(output string) []Sandbox {
	var sandboxes []Sandbox
	var current Sandbox
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if current.Path != "" {
				sandboxes = append(sandboxes, current)
				current = Sandbox{}
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
			current.Kind = KindWorktree
			current.Created = true
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			current.Branch = branch
			if strings.HasPrefix(branch, "gadugi/task-") {
				current.TaskID = strings.TrimPrefix(branch, "gadugi/task-")
			}
		}
	}
	if current.Path != "" {
		sandboxes = append(sandboxes, current)
	}
	return sandboxes
}

// Prune clears stale worktree metadata left behind by crashes.
func (p *WorktreeProvider) Prune(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "prune")
	cmd.Dir = p.cfg.RepoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pruning worktrees: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}
