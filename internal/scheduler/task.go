package scheduler

import "time"

// TaskType classifies the kind of work a task performs.
type TaskType string

const (
	TypeFeature     TaskType = "feature"
	TypeBugfix      TaskType = "bugfix"
	TypeEnhancement TaskType = "enhancement"
	TypeTest        TaskType = "test"
	TypeDoc         TaskType = "doc"
)

// Priority orders tasks for reporting. It does not affect scheduling:
// execution order is decided purely by the dependency graph.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Task is one unit of schedulable work. Tasks are treated as immutable
// once handed to the Resolver: dependencies are frozen at that point.
type Task struct {
	ID           string        `yaml:"id"`
	Name         string        `yaml:"name"`
	Description  string        `yaml:"description,omitempty"`
	Type         TaskType      `yaml:"type,omitempty"`
	TargetFiles  []string      `yaml:"target_files,omitempty"`
	Dependencies []string      `yaml:"dependencies,omitempty"`
	Priority     Priority      `yaml:"priority,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	Prompt       string        `yaml:"prompt,omitempty"`
}

// Clone returns a deep copy so callers can hold a task without racing
// against the set it came from.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.TargetFiles != nil {
		cp.TargetFiles = append([]string(nil), t.TargetFiles...)
	}
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	return &cp
}

// TaskSet is an insertion-ordered collection of tasks. The order tasks
// were added is a documented contract: it is the tie-break used by the
// Resolver when several tasks become eligible at once, which keeps
// build plans reproducible across runs.
type TaskSet struct {
	order []string
	tasks map[string]*Task
}

// NewTaskSet creates an empty task set.
func NewTaskSet() *TaskSet {
	return &TaskSet{tasks: make(map[string]*Task)}
}

// Add appends a task to the set. Duplicate IDs are rejected so a task
// cannot silently shadow an earlier definition.
func (s *TaskSet) Add(task *Task) error {
	if task.ID == "" {
		return errEmptyTaskID
	}
	if _, exists := s.tasks[task.ID]; exists {
		return &DuplicateTaskError{ID: task.ID}
	}
	s.order = append(s.order, task.ID)
	s.tasks[task.ID] = task
	return nil
}

// Get returns the task with the given ID.
func (s *TaskSet) Get(id string) (*Task, bool) {
	t, ok := s.tasks[id]
	return t, ok
}

// Len returns the number of tasks in the set.
func (s *TaskSet) Len() int { return len(s.order) }

// IDs returns task IDs in insertion order.
func (s *TaskSet) IDs() []string {
	return append([]string(nil), s.order...)
}

// Tasks returns the tasks in insertion order.
func (s *TaskSet) Tasks() []*Task {
	out := make([]*Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id])
	}
	return out
}
