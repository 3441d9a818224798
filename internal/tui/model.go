// Package tui renders the live batch dashboard behind `gadugi run
// --watch`, fed by the event bus.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/gadugi/gadugi/internal/events"
)

type taskRow struct {
	id       string
	status   string // pending, running, completed, failed, cancelled
	phase    string
	prNumber int
	duration time.Duration
	err      string
}

// Model is the root Bubble Tea model for the dashboard.
type Model struct {
	sub      <-chan events.Event
	spin     spinner.Model
	rows     map[string]*taskRow
	order    []string
	level    int
	finished bool
	summary  string
	width    int
	height   int
	quitting bool
}

// New creates a dashboard subscribed to every bus topic.
func New(bus *events.Bus) Model {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	return Model{
		sub:  bus.SubscribeAll(256),
		spin: sp,
		rows: make(map[string]*taskRow),
	}
}

// Init starts the spinner and the event pump.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, waitForEvent(m.sub))
}

func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles key, window, spinner, and bus messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case events.Event:
		m.apply(msg)
		return m, waitForEvent(m.sub)
	}
	return m, nil
}

func (m *Model) apply(ev events.Event) {
	switch e := ev.(type) {
	case events.LevelStarted:
		m.level = e.Level
	case events.TaskStarted:
		m.row(e.ID).status = "running"
	case events.PhaseStarted:
		row := m.row(e.ID)
		row.status = "running"
		row.phase = e.Phase
	case events.PhaseCompleted:
		m.row(e.ID).phase = e.Phase
	case events.TaskCompleted:
		row := m.row(e.ID)
		row.status = "completed"
		row.prNumber = e.PRNumber
		row.duration = e.Duration
	case events.TaskFailed:
		row := m.row(e.ID)
		row.status = "failed"
		if e.Timeout {
			row.status = "timeout"
		}
		if e.Err != nil {
			row.err = e.Err.Error()
		}
	case events.TaskCancelled:
		m.row(e.ID).status = "cancelled"
	case events.HeartbeatStale:
		row := m.row(e.ID)
		row.status = "failed"
		row.err = "heartbeat timeout"
	case events.BuildFinished:
		m.finished = true
		m.summary = fmt.Sprintf("%d succeeded, %d failed in %s",
			e.Succeeded, e.Failed, e.Duration.Round(time.Second))
	}
}

func (m *Model) row(taskID string) *taskRow {
	if row, ok := m.rows[taskID]; ok {
		return row
	}
	row := &taskRow{id: taskID, status: "pending"}
	m.rows[taskID] = row
	m.order = append(m.order, taskID)
	return row
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	title := fmt.Sprintf("gadugi — level %d", m.level)
	if m.finished {
		title = "gadugi — " + m.summary
	}
	b.WriteString(styleTitle.Render(title))
	b.WriteString("\n")

	ids := append([]string(nil), m.order...)
	sort.Strings(ids)
	var lines []string
	for _, id := range ids {
		lines = append(lines, m.renderRow(m.rows[id]))
	}
	if len(lines) == 0 {
		lines = append(lines, stylePending.Render("waiting for tasks..."))
	}
	body := strings.Join(lines, "\n")
	if m.width > 4 {
		body = styleBorder.Width(m.width - 2).Render(body)
	}
	b.WriteString(body)
	b.WriteString("\n")
	b.WriteString(styleHelp.Render("q: quit"))
	return b.String()
}

func (m Model) renderRow(row *taskRow) string {
	var marker, status string
	switch row.status {
	case "running":
		marker = m.spin.View()
		status = styleRunning.Render(row.status)
	case "completed":
		marker = styleCompleted.Render("✓")
		status = styleCompleted.Render(row.status)
	case "failed", "timeout", "cancelled":
		marker = styleFailed.Render("✗")
		status = styleFailed.Render(row.status)
	default:
		marker = stylePending.Render("·")
		status = stylePending.Render(row.status)
	}

	parts := []string{marker, fmt.Sprintf("%-20s", row.id), status}
	if row.phase != "" {
		parts = append(parts, stylePending.Render(row.phase))
	}
	if row.prNumber != 0 {
		parts = append(parts, fmt.Sprintf("PR #%d", row.prNumber))
	}
	if row.err != "" {
		parts = append(parts, styleFailed.Render(row.err))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, strings.Join(parts, " "))
}
