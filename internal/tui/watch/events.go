package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/studiobridge/internal/events"
)

const shownEvents = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	lines := make([]string, 0, shownEvents)
	for i, e := range eventLog {
		if i >= shownEvents {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeCompleted, events.TypeScene:
		typeStyle = theme.StateCompleted
	case events.TypeFailed, events.TypeRejected:
		typeStyle = theme.StateFailed
	case events.TypeLeased:
		typeStyle = theme.StateLeased
	case events.TypeExpired, events.TypeLeaseExpired:
		typeStyle = theme.StateExpired
	case events.TypePlanExecuted:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(e.At.Format("15:04:05")),
		typeStyle.Render(fmt.Sprintf("%-22s", e.Type)),
		describeEvent(e),
	)
}

// describeEvent pulls a one-line summary out of the event payload.
func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	for _, key := range []string{"id", "command_id", "plan_id"} {
		if v, ok := data[key].(string); ok && v != "" {
			parts = append(parts, fmt.Sprintf("[%s]", shortID(v)))
			break
		}
	}
	if route, ok := data["route"].(string); ok {
		parts = append(parts, route)
	}
	if worker, ok := data["leased_by"].(string); ok && e.Type == events.TypeLeased {
		parts = append(parts, "→ "+worker)
	}
	if n, ok := data["queued_count"].(float64); ok {
		parts = append(parts, fmt.Sprintf("%d queued", int(n)))
	}
	if code, ok := data["code"].(string); ok {
		parts = append(parts, code)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
