// Package isolation supplies per-task execution sandboxes: git
// worktrees for lightweight branch isolation, or containers when
// resource and network limits are required.
package isolation

import "context"

// Kind names the isolation strategy that produced a sandbox.
type Kind string

const (
	KindNone      Kind = "none"
	KindWorktree  Kind = "worktree"
	KindContainer Kind = "container"
)

// Sandbox is one acquired execution environment. Created reports
// whether the environment was actually provisioned: a false value
// means acquisition failed softly and the caller may proceed without
// isolation (or fail the task, per policy).
type Sandbox struct {
	TaskID      string
	Kind        Kind
	Path        string // working directory for the task
	Branch      string // branch name (worktree strategy)
	ContainerID string // container name (container strategy)
	Created     bool
}

// Provider acquires and releases sandboxes. Release must be called on
// every exit path — success, failure, timeout, cancellation — and must
// tolerate partially-created sandboxes.
type Provider interface {
	Acquire(ctx context.Context, taskID string) (*Sandbox, error)
	Release(ctx context.Context, sb *Sandbox) error
}

// NoneProvider runs tasks directly in the repository with no isolation.
type NoneProvider struct {
	RepoPath string
}

// Acquire returns a sandbox pointing at the repository itself.
func (p *NoneProvider) Acquire(ctx context.Context, taskID string) (*Sandbox, error) {
	return &Sandbox{TaskID: taskID, Kind: KindNone, Path: p.RepoPath, Created: false}, nil
}

// Release is a no-op: there is nothing to tear down.
func (p *NoneProvider) Release(ctx context.Context, sb *Sandbox) error { return nil }
