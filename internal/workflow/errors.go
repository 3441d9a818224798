package workflow

import "fmt"

// PhaseExecutionError reports a failed phase side effect. The owning
// workflow transitions to FAILED; any retry belongs to the caller,
// never to the state machine.
type PhaseExecutionError struct {
	TaskID string
	Phase  Phase
	Err    error
}

func (e *PhaseExecutionError) Error() string {
	return fmt.Sprintf("phase %s failed for task %s: %v", e.Phase, e.TaskID, e.Err)
}

func (e *PhaseExecutionError) Unwrap() error { return e.Err }

// ConsistencyViolation reports external state contradicting recorded
// workflow state, such as a pull request marked reviewed that carries
// no review. It demands automatic correction, never silent acceptance.
type ConsistencyViolation struct {
	TaskID   string
	PRNumber int
	Detail   string
}

func (e *ConsistencyViolation) Error() string {
	return fmt.Sprintf("consistency violation for task %s (PR #%d): %s", e.TaskID, e.PRNumber, e.Detail)
}
