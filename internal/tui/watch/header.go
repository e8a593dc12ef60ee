package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/studiobridge/internal/queue"
)

// HealthState tracks bridge health from /healthz polling.
type HealthState struct {
	Status         string
	Version        string
	UptimeSeconds  int64
	QueueDepth     int
	EventListeners int
	Connected      bool
	LastCheck      time.Time
}

func renderHeader(health HealthState, spin string, pulse Pulse, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StateCompleted.Render("HEALTHY")
	switch {
	case !health.Connected:
		statusText = theme.StateFailed.Render("CONNECTING")
	case health.Status != "ok" && health.Status != "":
		statusText = theme.StateFailed.Render("DEGRADED")
	}

	lastEvent := "never"
	if !pulse.LastEvent().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(pulse.LastEvent()).Round(time.Second))
	}

	title := fmt.Sprintf(" STUDIOBRIDGE WATCH %s", theme.Highlight.Render(spin))
	if health.Version != "" {
		title += theme.Dim.Render(" v" + health.Version)
	}
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		title+strings.Repeat(" ", pad)+clock+" ",
		fmt.Sprintf(" %s  up %s  pending %d  listeners %d",
			statusText,
			formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
			health.QueueDepth,
			health.EventListeners,
		),
		fmt.Sprintf(" last event %s %s", lastEvent, pulse.Render(theme)),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

// renderStats shows per-state counts and the lifetime counters.
func renderStats(stats *queue.Stats, theme Theme, width int) string {
	innerWidth := width - 4
	if stats == nil {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("QUEUE"),
			theme.Dim.Render("  Waiting for stats..."),
		))
	}

	states := make([]string, 0, len(queue.States))
	for _, s := range queue.States {
		states = append(states, theme.ForState(string(s)).Render(fmt.Sprintf("%s %d", s, stats.ByState[s])))
	}

	avg := "n/a"
	if stats.AverageExecutionMS != nil {
		avg = fmt.Sprintf("%.0fms", *stats.AverageExecutionMS)
	}
	counters := fmt.Sprintf("  dispatched %d  requeued %d  rejected %d  avg exec %s  lease %s",
		stats.Counters[queue.CounterDispatched],
		stats.Counters[queue.CounterRequeued],
		stats.Counters[queue.CounterRejectedResults],
		avg,
		time.Duration(stats.LeaseTimeoutMS)*time.Millisecond,
	)

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render(fmt.Sprintf("QUEUE (%d total)", stats.Total)),
		"  "+strings.Join(states, "  "),
		theme.Dim.Render(counters),
	))
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
