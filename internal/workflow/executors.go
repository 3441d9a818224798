package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gadugi/gadugi/internal/agent"
	"github.com/gadugi/gadugi/internal/gitops"
	"github.com/gadugi/gadugi/internal/isolation"
	"github.com/gadugi/gadugi/internal/scheduler"
)

// Deps are the collaborators the standard phase executors need.
type Deps struct {
	Invoker      agent.Invoker
	Git          gitops.Client
	Log          *zap.Logger
	BaseBranch   string
	AgentTimeout time.Duration // per-invocation budget; 0 defers to ctx
	OnStart      func(pid int) // forwarded to every agent subprocess
}

// StandardExecutors builds the full phase executor set for one task in
// its sandbox. Each executor validates its own preconditions, performs
// its side effect, and leaves phase bookkeeping to the machine.
func StandardExecutors(d Deps, task *scheduler.Task, sb *isolation.Sandbox) map[Phase]ExecutorFunc {
	return map[Phase]ExecutorFunc{
		PhaseSetup: func(ctx context.Context, st *State) error {
			if sb.Path == "" {
				return fmt.Errorf("task %s has no working directory", task.ID)
			}
			if _, err := os.Stat(sb.Path); err != nil {
				return fmt.Errorf("working directory %s: %w", sb.Path, err)
			}
			return os.MkdirAll(promptDir(sb.Path), 0o755)
		},

		PhaseIssueCreation: func(ctx context.Context, st *State) error {
			if st.IssueNumber != 0 {
				return nil // resumed workflow, issue already exists
			}
			body := issueBody(task)
			n, err := d.Git.CreateIssue(ctx, task.Name, body, []string{"gadugi"})
			if err != nil {
				return fmt.Errorf("creating issue: %w", err)
			}
			st.IssueNumber = n
			d.Log.Info("issue created", zap.String("task_id", task.ID), zap.Int("issue", n))
			return nil
		},

		PhaseBranchManagement: func(ctx context.Context, st *State) error {
			if sb.Branch != "" {
				st.BranchName = sb.Branch
			} else {
				st.BranchName = isolation.BranchName(task.ID)
			}
			return nil
		},

		PhaseResearchPlanning: func(ctx context.Context, st *State) error {
			_, err := d.runAgent(ctx, st, task, sb, PhaseResearchPlanning,
				"Research the codebase and produce an implementation plan for the task below. Do not modify code yet.")
			return err
		},

		PhaseImplementation: func(ctx context.Context, st *State) error {
			_, err := d.runAgent(ctx, st, task, sb, PhaseImplementation,
				"Implement the task below, committing your work to the current branch.")
			return err
		},

		PhaseTesting: func(ctx context.Context, st *State) error {
			_, err := d.runAgent(ctx, st, task, sb, PhaseTesting,
				"Write and run tests for the change. Fix failures before finishing.")
			return err
		},

		PhaseDocumentation: func(ctx context.Context, st *State) error {
			_, err := d.runAgent(ctx, st, task, sb, PhaseDocumentation,
				"Update documentation affected by the change.")
			return err
		},

		PhasePullRequest: func(ctx context.Context, st *State) error {
			if st.PRNumber != 0 {
				return nil
			}
			if st.BranchName == "" {
				return fmt.Errorf("task %s has no branch to open a PR from", task.ID)
			}
			title := task.Name
			body := prBody(task, st)
			n, err := d.Git.CreatePR(ctx, title, body, d.BaseBranch, st.BranchName)
			if err != nil {
				return fmt.Errorf("creating pull request: %w", err)
			}
			st.PRNumber = n
			d.Log.Info("pull request opened", zap.String("task_id", task.ID), zap.Int("pr", n))
			return nil
		},

		PhaseCodeReview: func(ctx context.Context, st *State) error {
			if st.PRNumber == 0 {
				return fmt.Errorf("task %s has no pull request to review", task.ID)
			}
			res, err := d.runAgent(ctx, st, task, sb, PhaseCodeReview,
				fmt.Sprintf("Review pull request #%d for correctness, tests, and style, and post the review.", st.PRNumber))
			if err != nil {
				return err
			}
			// The PR must carry a review when this phase completes.
			reviews, err := d.Git.GetPRReviews(ctx, st.PRNumber)
			if err != nil {
				return fmt.Errorf("verifying review on PR #%d: %w", st.PRNumber, err)
			}
			if len(reviews) == 0 {
				body := strings.TrimSpace(res.Stdout)
				if body == "" {
					body = "Automated review completed."
				}
				if err := d.Git.PostReview(ctx, st.PRNumber, "COMMENT", body); err != nil {
					return fmt.Errorf("posting review on PR #%d: %w", st.PRNumber, err)
				}
			}
			return nil
		},

		PhaseReviewResponse: func(ctx context.Context, st *State) error {
			_, err := d.runAgent(ctx, st, task, sb, PhaseReviewResponse,
				fmt.Sprintf("Address the review feedback on pull request #%d and push fixes to the branch.", st.PRNumber))
			return err
		},

		PhaseFinalization: func(ctx context.Context, st *State) error {
			// Prompt files are scratch state; the branch and PR remain.
			// Only this task's files go: the sandbox may be shared
			// when isolation is off.
			matches, err := filepath.Glob(filepath.Join(promptDir(sb.Path), task.ID+"-*.md"))
			if err != nil {
				return err
			}
			for _, m := range matches {
				if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
					return err
				}
			}
			return nil
		},
	}
}

// runAgent renders a phase prompt into the sandbox, invokes the agent
// on it, and absorbs any issue/PR markers the agent reported.
func (d Deps) runAgent(ctx context.Context, st *State, task *scheduler.Task, sb *isolation.Sandbox, phase Phase, instructions string) (*agent.Result, error) {
	promptFile, err := writePrompt(sb.Path, task, st, phase, instructions)
	if err != nil {
		return nil, err
	}
	res, err := d.Invoker.Invoke(ctx, agent.Request{
		TaskID:     task.ID,
		PromptFile: promptFile,
		WorkDir:    sb.Path,
		Timeout:    d.AgentTimeout,
		OnStart:    d.OnStart,
	})
	if err != nil {
		return res, err
	}
	if res.IssueNumber != 0 && st.IssueNumber == 0 {
		st.IssueNumber = res.IssueNumber
	}
	if res.PRNumber != 0 && st.PRNumber == 0 {
		st.PRNumber = res.PRNumber
	}
	return res, nil
}

func promptDir(workDir string) string {
	return filepath.Join(workDir, ".gadugi", "prompts")
}

func writePrompt(workDir string, task *scheduler.Task, st *State, phase Phase, instructions string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s: %s\n\n", phase, task.Name)
	fmt.Fprintf(&b, "%s\n\n", instructions)
	fmt.Fprintf(&b, "## Task\n\n%s\n", task.Description)
	if len(task.TargetFiles) > 0 {
		fmt.Fprintf(&b, "\nTarget files:\n")
		for _, f := range task.TargetFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if st.IssueNumber != 0 {
		fmt.Fprintf(&b, "\nTracking issue: #%d\n", st.IssueNumber)
	}
	if st.PRNumber != 0 {
		fmt.Fprintf(&b, "Pull request: #%d\n", st.PRNumber)
	}
	if task.Prompt != "" {
		fmt.Fprintf(&b, "\n## Notes\n\n%s\n", task.Prompt)
	}

	dir := promptDir(workDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating prompt dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.md", task.ID, strings.ToLower(string(phase))))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("writing prompt for phase %s: %w", phase, err)
	}
	return path, nil
}

func issueBody(task *scheduler.Task) string {
	var b strings.Builder
	b.WriteString(task.Description)
	if len(task.TargetFiles) > 0 {
		b.WriteString("\n\nTarget files:\n")
		for _, f := range task.TargetFiles {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}
	return b.String()
}

func prBody(task *scheduler.Task, st *State) string {
	var b strings.Builder
	b.WriteString(task.Description)
	if st.IssueNumber != 0 {
		fmt.Fprintf(&b, "\n\nCloses #%d", st.IssueNumber)
	}
	return b.String()
}
