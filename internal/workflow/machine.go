package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gadugi/gadugi/internal/events"
)

// ExecutorFunc performs one phase's side effect. Returning nil marks
// the phase complete; any error fails the whole workflow.
type ExecutorFunc func(ctx context.Context, st *State) error

// Machine drives one task's state phase-by-phase through the
// canonical order. Phase execution within a task is strictly
// sequential, and every transition is checkpointed before the next
// phase starts.
type Machine struct {
	state     *State
	executors map[Phase]ExecutorFunc
	store     *CheckpointStore
	bus       *events.Bus
	log       *zap.Logger
}

// NewMachine wires a machine for the given state. A phase missing
// from executors completes with no side effect but is still recorded,
// so the completed prefix stays gapless.
func NewMachine(state *State, executors map[Phase]ExecutorFunc, store *CheckpointStore, bus *events.Bus, log *zap.Logger) *Machine {
	return &Machine{state: state, executors: executors, store: store, bus: bus, log: log}
}

// State exposes the machine's workflow state for inspection.
func (m *Machine) State() *State { return m.state }

// Run executes every remaining phase in order. On a phase failure the
// state moves to FAILED, a final checkpoint is written, and a
// PhaseExecutionError comes back; the machine never retries.
func (m *Machine) Run(ctx context.Context) error {
	m.state.Status = StatusInProgress
	m.checkpoint()

	for {
		phase, ok := m.state.NextPhase()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			m.state.Fail("cancelled before phase " + string(phase))
			m.checkpoint()
			return &PhaseExecutionError{TaskID: m.state.TaskID, Phase: phase, Err: err}
		}

		m.state.CurrentPhase = phase
		m.publish(events.TopicPhase, events.PhaseStarted{ID: m.state.TaskID, Phase: string(phase), Timestamp: time.Now()})
		m.log.Debug("phase started", zap.String("task_id", m.state.TaskID), zap.String("phase", string(phase)))

		if exec := m.executors[phase]; exec != nil {
			if err := exec(ctx, m.state); err != nil {
				perr := &PhaseExecutionError{TaskID: m.state.TaskID, Phase: phase, Err: err}
				m.state.Fail(perr.Error())
				m.checkpoint()
				m.log.Error("phase failed", zap.String("task_id", m.state.TaskID), zap.String("phase", string(phase)), zap.Error(err))
				return perr
			}
		}

		if err := m.state.CompletePhase(phase); err != nil {
			m.state.Fail(err.Error())
			m.checkpoint()
			return &PhaseExecutionError{TaskID: m.state.TaskID, Phase: phase, Err: err}
		}
		m.checkpoint()
		m.publish(events.TopicPhase, events.PhaseCompleted{ID: m.state.TaskID, Phase: string(phase), Timestamp: time.Now()})
	}

	m.state.Finish()
	m.checkpoint()
	return nil
}

// RunPhase drives a single named phase, used when a consistency scan
// re-drives review work on an otherwise settled workflow. The gapless
// prefix rule still applies.
func (m *Machine) RunPhase(ctx context.Context, phase Phase) error {
	if !m.state.CanExecutePhase(phase) {
		return &PhaseExecutionError{TaskID: m.state.TaskID, Phase: phase,
			Err: fmt.Errorf("phase is not next in the completed prefix")}
	}
	m.state.CurrentPhase = phase
	m.publish(events.TopicPhase, events.PhaseStarted{ID: m.state.TaskID, Phase: string(phase), Timestamp: time.Now()})
	if exec := m.executors[phase]; exec != nil {
		if err := exec(ctx, m.state); err != nil {
			perr := &PhaseExecutionError{TaskID: m.state.TaskID, Phase: phase, Err: err}
			m.state.Fail(perr.Error())
			m.checkpoint()
			return perr
		}
	}
	if err := m.state.CompletePhase(phase); err != nil {
		return &PhaseExecutionError{TaskID: m.state.TaskID, Phase: phase, Err: err}
	}
	m.checkpoint()
	m.publish(events.TopicPhase, events.PhaseCompleted{ID: m.state.TaskID, Phase: string(phase), Timestamp: time.Now()})
	return nil
}

func (m *Machine) checkpoint() {
	if m.store == nil {
		return
	}
	if err := m.store.Save(m.state); err != nil {
		m.log.Warn("checkpoint write failed", zap.String("task_id", m.state.TaskID), zap.Error(err))
	}
}

func (m *Machine) publish(topic string, ev events.Event) {
	if m.bus != nil {
		m.bus.Publish(topic, ev)
	}
}
