// Package executor runs batches of tasks, sequentially or through a
// bounded worker pool, with per-task isolation, retries, and registry
// bookkeeping. Every execution flows through exactly one workflow
// driver call; nothing bypasses the state machine.
package executor

import (
	"time"

	"github.com/gadugi/gadugi/internal/registry"
	"github.com/gadugi/gadugi/internal/workflow"
)

// Mode selects batch scheduling.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// ExecutionResult is the terminal outcome of one task. TIMEOUT,
// FAILED, and CANCELLED are distinct: a timeout is a killed budget
// overrun, a cancellation is an external request, and only FAILED is
// ever retried.
type ExecutionResult struct {
	TaskID      string
	Status      registry.Status
	Phase       workflow.Phase // phase that was active when execution ended
	IssueNumber int
	PRNumber    int
	Error       string
	Attempts    int
	Duration    time.Duration
}

// Succeeded reports a clean completion.
func (r ExecutionResult) Succeeded() bool { return r.Status == registry.StatusCompleted }
