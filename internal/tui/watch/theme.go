// Package watch implements `studiobridge system watch`, a live terminal view
// of the command queue fed by /bridge/stats and the /bridge/stream events.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	StateQueued    lipgloss.Style
	StateLeased    lipgloss.Style
	StateCompleted lipgloss.Style
	StateFailed    lipgloss.Style
	StateExpired   lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	PulseOn  lipgloss.Style
	PulseOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StateQueued:    lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StateLeased:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StateCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StateFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StateExpired:   lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		PulseOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		PulseOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// ForState picks the style for a command state name.
func (t Theme) ForState(state string) lipgloss.Style {
	switch state {
	case "leased":
		return t.StateLeased
	case "completed":
		return t.StateCompleted
	case "failed":
		return t.StateFailed
	case "expired":
		return t.StateExpired
	default:
		return t.StateQueued
	}
}
