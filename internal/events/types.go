package events

import "time"

// Event is implemented by every bus payload.
type Event interface {
	EventType() string
	TaskID() string
}

// Topics.
const (
	TopicTask     = "task"
	TopicPhase    = "phase"
	TopicRegistry = "registry"
	TopicBuild    = "build"
)

// Event types.
const (
	EventTypeTaskStarted    = "task.started"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeTaskCancelled  = "task.cancelled"
	EventTypePhaseStarted   = "phase.started"
	EventTypePhaseCompleted = "phase.completed"
	EventTypeHeartbeatStale = "registry.heartbeat_stale"
	EventTypeLevelStarted   = "build.level_started"
	EventTypeBuildFinished  = "build.finished"
)

// TaskStarted is published when a task is admitted to a worker.
type TaskStarted struct {
	ID        string
	Name      string
	Level     int
	Timestamp time.Time
}

func (e TaskStarted) EventType() string { return EventTypeTaskStarted }
func (e TaskStarted) TaskID() string    { return e.ID }

// TaskCompleted is published when a task's workflow finishes cleanly.
type TaskCompleted struct {
	ID        string
	Duration  time.Duration
	PRNumber  int
	Timestamp time.Time
}

func (e TaskCompleted) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompleted) TaskID() string    { return e.ID }

// TaskFailed is published when a task ends in FAILED or TIMEOUT.
type TaskFailed struct {
	ID        string
	Phase     string
	Err       error
	Timeout   bool
	Timestamp time.Time
}

func (e TaskFailed) EventType() string { return EventTypeTaskFailed }
func (e TaskFailed) TaskID() string    { return e.ID }

// TaskCancelled is published when a task is cancelled externally.
type TaskCancelled struct {
	ID        string
	Timestamp time.Time
}

func (e TaskCancelled) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelled) TaskID() string    { return e.ID }

// PhaseStarted is published as the state machine enters a phase.
type PhaseStarted struct {
	ID        string
	Phase     string
	Timestamp time.Time
}

func (e PhaseStarted) EventType() string { return EventTypePhaseStarted }
func (e PhaseStarted) TaskID() string    { return e.ID }

// PhaseCompleted is published after a phase's side effect succeeds.
type PhaseCompleted struct {
	ID        string
	Phase     string
	Timestamp time.Time
}

func (e PhaseCompleted) EventType() string { return EventTypePhaseCompleted }
func (e PhaseCompleted) TaskID() string    { return e.ID }

// HeartbeatStale is published when the registry declares a process dead.
type HeartbeatStale struct {
	ID        string
	PID       int
	Timestamp time.Time
}

func (e HeartbeatStale) EventType() string { return EventTypeHeartbeatStale }
func (e HeartbeatStale) TaskID() string    { return e.ID }

// LevelStarted is published when the orchestrator begins a parallel
// level.
type LevelStarted struct {
	Level     int
	TaskCount int
	Timestamp time.Time
}

func (e LevelStarted) EventType() string { return EventTypeLevelStarted }
func (e LevelStarted) TaskID() string    { return "" }

// BuildFinished is published once the whole batch settles.
type BuildFinished struct {
	Succeeded int
	Failed    int
	Duration  time.Duration
	Timestamp time.Time
}

func (e BuildFinished) EventType() string { return EventTypeBuildFinished }
func (e BuildFinished) TaskID() string    { return "" }
