package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gadugi/gadugi/internal/events"
)

func TestApplyTracksTaskLifecycle(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	m := New(bus)

	m.apply(events.TaskStarted{ID: "a"})
	m.apply(events.PhaseStarted{ID: "a", Phase: "IMPLEMENTATION"})
	m.apply(events.TaskCompleted{ID: "a", PRNumber: 501, Duration: time.Minute})
	m.apply(events.TaskFailed{ID: "b", Err: errors.New("agent crashed")})
	m.apply(events.TaskFailed{ID: "c", Timeout: true})

	assert.Equal(t, "completed", m.rows["a"].status)
	assert.Equal(t, 501, m.rows["a"].prNumber)
	assert.Equal(t, "failed", m.rows["b"].status)
	assert.Equal(t, "agent crashed", m.rows["b"].err)
	assert.Equal(t, "timeout", m.rows["c"].status)
}

func TestApplyBuildFinished(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	m := New(bus)

	m.apply(events.BuildFinished{Succeeded: 2, Failed: 1, Duration: 90 * time.Second})
	assert.True(t, m.finished)
	assert.Contains(t, m.summary, "2 succeeded")
}

func TestViewShowsRows(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	m := New(bus)
	m.apply(events.TaskStarted{ID: "build-api"})
	m.apply(events.PhaseStarted{ID: "build-api", Phase: "TESTING"})

	out := m.View()
	assert.Contains(t, out, "build-api")
	assert.Contains(t, out, "TESTING")
}

func TestViewEmpty(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	m := New(bus)
	assert.True(t, strings.Contains(m.View(), "waiting for tasks"))
}
