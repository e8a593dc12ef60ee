package watch

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/studiobridge/internal/events"
)

// maxTracked bounds the command table; the oldest rows drop off.
const maxTracked = 200

// CommandState is what the watch view knows about one command, assembled
// from stream events.
type CommandState struct {
	ID       string
	Route    string
	State    string
	Worker   string
	Attempts int
	Priority int
	Updated  time.Time
}

// eventRecord is the subset of a command record carried in event data.
type eventRecord struct {
	ID       string  `json:"id"`
	Route    string  `json:"route"`
	State    string  `json:"state"`
	LeasedBy *string `json:"leased_by"`
	Attempts int     `json:"attempts"`
	Priority int     `json:"priority"`
}

// eventStates maps id-only events onto the state they imply.
var eventStates = map[string]string{
	events.TypeLeaseExpired: "queued",
	events.TypeExpired:      "expired",
}

// applyEvent folds e into cmds. It reports whether a row changed.
func applyEvent(cmds map[string]*CommandState, e events.Event, now time.Time) bool {
	if e.Type == events.TypeRejected {
		return false
	}
	var rec eventRecord
	if err := json.Unmarshal(e.Data, &rec); err != nil || rec.ID == "" {
		return false
	}

	st, ok := cmds[rec.ID]
	if !ok {
		st = &CommandState{ID: rec.ID}
		cmds[rec.ID] = st
	}
	if implied, ok := eventStates[e.Type]; ok && rec.State == "" {
		st.State = implied
	}
	if rec.Route != "" {
		st.Route = rec.Route
		st.Priority = rec.Priority
	}
	if rec.State != "" {
		st.State = rec.State
	}
	if rec.LeasedBy != nil {
		st.Worker = *rec.LeasedBy
	}
	if rec.Attempts > 0 {
		st.Attempts = rec.Attempts
	}
	st.Updated = now

	if len(cmds) > maxTracked {
		prune(cmds, maxTracked)
	}
	return true
}

func prune(cmds map[string]*CommandState, keep int) {
	rows := sortedCommands(cmds)
	for _, st := range rows[keep:] {
		delete(cmds, st.ID)
	}
}

// sortedCommands orders rows newest first.
func sortedCommands(cmds map[string]*CommandState) []*CommandState {
	rows := make([]*CommandState, 0, len(cmds))
	for _, st := range cmds {
		rows = append(rows, st)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Updated.Equal(rows[j].Updated) {
			return rows[i].Updated.After(rows[j].Updated)
		}
		return rows[i].ID < rows[j].ID
	})
	return rows
}

func newCommandTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 10},
			{Title: "Route", Width: 28},
			{Title: "State", Width: 10},
			{Title: "Worker", Width: 12},
			{Title: "Try", Width: 4},
			{Title: "Pri", Width: 4},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func commandRows(cmds map[string]*CommandState) []table.Row {
	sorted := sortedCommands(cmds)
	rows := make([]table.Row, 0, len(sorted))
	for _, st := range sorted {
		rows = append(rows, table.Row{
			shortID(st.ID),
			st.Route,
			st.State,
			st.Worker,
			strconv.Itoa(st.Attempts),
			strconv.Itoa(st.Priority),
		})
	}
	return rows
}

func renderCommands(t table.Model, count int, theme Theme, width int) string {
	title := theme.Title.Render("COMMANDS")
	if count == 0 {
		return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
			title,
			theme.Dim.Render("  No commands seen yet"),
		))
	}
	return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, title, t.View()))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
