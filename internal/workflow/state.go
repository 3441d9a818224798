package workflow

import (
	"fmt"
	"time"
)

// Status is the lifecycle status of one task's workflow.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// State tracks one task's progress through the phase sequence. It is
// owned exclusively by the machine driving the task and checkpointed
// after every phase transition.
type State struct {
	TaskID          string     `json:"task_id"`
	Status          Status     `json:"status"`
	CurrentPhase    Phase      `json:"current_phase"`
	PhasesCompleted []Phase    `json:"phases_completed"`
	BranchName      string     `json:"branch_name,omitempty"`
	IssueNumber     int        `json:"issue_number,omitempty"`
	PRNumber        int        `json:"pr_number,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
}

// NewState creates a fresh workflow state positioned at the first phase.
func NewState(taskID string) *State {
	return &State{
		TaskID:       taskID,
		Status:       StatusPending,
		CurrentPhase: Order[0],
		StartTime:    time.Now().UTC(),
	}
}

// CanExecutePhase reports whether p is the next admissible phase:
// not yet completed, with every earlier phase already completed. The
// completed set is always a prefix of the canonical order, so the
// check reduces to p being exactly the phase at index
// len(PhasesCompleted). Calling this never mutates state.
func (s *State) CanExecutePhase(p Phase) bool {
	pos := p.Position()
	if pos < 0 {
		return false
	}
	return pos == len(s.PhasesCompleted)
}

// CompletePhase appends p to the completed prefix and advances
// CurrentPhase. Completion is monotonic: the prefix only grows, and
// only in canonical order.
func (s *State) CompletePhase(p Phase) error {
	if !s.CanExecutePhase(p) {
		return fmt.Errorf("phase %s cannot complete for task %s: completed prefix has %d phases", p, s.TaskID, len(s.PhasesCompleted))
	}
	s.PhasesCompleted = append(s.PhasesCompleted, p)
	if next, ok := s.NextPhase(); ok {
		s.CurrentPhase = next
	} else {
		s.CurrentPhase = p
	}
	return nil
}

// NextPhase returns the phase following the completed prefix, or
// false when every phase is done.
func (s *State) NextPhase() (Phase, bool) {
	if len(s.PhasesCompleted) >= len(Order) {
		return "", false
	}
	return Order[len(s.PhasesCompleted)], true
}

// HasCompleted reports whether p is in the completed prefix.
func (s *State) HasCompleted(p Phase) bool {
	pos := p.Position()
	return pos >= 0 && pos < len(s.PhasesCompleted)
}

// Fail moves the workflow to its failed terminal status and stamps
// the end time.
func (s *State) Fail(msg string) {
	s.Status = StatusFailed
	s.ErrorMessage = msg
	now := time.Now().UTC()
	s.EndTime = &now
}

// Finish moves the workflow to its completed terminal status.
func (s *State) Finish() {
	s.Status = StatusCompleted
	now := time.Now().UTC()
	s.EndTime = &now
}
