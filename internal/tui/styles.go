package tui

import "github.com/charmbracelet/lipgloss"

var (
	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	styleBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240"))

	styleRunning = lipgloss.NewStyle().
			Foreground(lipgloss.Color("yellow")).
			Bold(true)

	styleCompleted = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green")).
			Bold(true)

	styleFailed = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red")).
			Bold(true)

	stylePending = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	styleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)
