package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/studiobridge/internal/events"
	"github.com/mattjoyce/studiobridge/internal/queue"
)

const (
	eventLogSize = 50
	pollInterval = 5 * time.Second
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	client *Client

	width  int
	height int

	health   HealthState
	stats    *queue.Stats
	commands map[string]*CommandState
	eventLog []events.Event

	table   table.Model
	spinner spinner.Model
	pulse   Pulse
	theme   Theme

	hubEvents chan events.Event
	lastError string
	now       func() time.Time
}

// New creates a watch model against the bridge at apiURL.
func New(apiURL, apiKey string) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	return &Model{
		client:    NewClient(apiURL, apiKey),
		commands:  make(map[string]*CommandState),
		eventLog:  make([]events.Event, 0, eventLogSize),
		table:     newCommandTable(),
		spinner:   sp,
		theme:     NewDefaultTheme(),
		hubEvents: make(chan events.Event, 100),
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribe(m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.client.fetchHealth,
		m.client.fetchStats,
		m.spinner.Tick,
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, tea.Batch(m.client.fetchHealth, m.client.fetchStats)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width - 6)
		if h := m.height / 3; h > 3 {
			m.table.SetHeight(h)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		m.pulse.Decay(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.pulse.OnEvent(m.now())
		if applyEvent(m.commands, e, m.now()) {
			m.table.SetRows(commandRows(m.commands))
		}
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.Version = msg.Version
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.QueueDepth = msg.QueueDepth
		m.health.EventListeners = msg.EventListeners
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return m.client.fetchHealth() })

	case statsMsg:
		st := queue.Stats(msg)
		m.stats = &st
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return m.client.fetchStats() })

	case streamClosedMsg:
		m.health.Connected = false
		m.lastError = "stream disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading the same channel, so the
		// new subscription only needs to be started.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.client.subscribe(m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return m.client.fetchHealth() })
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to bridge..."
	}

	parts := []string{
		renderHeader(m.health, m.spinner.View(), m.pulse, m.theme, m.width, m.now()),
		renderStats(m.stats, m.theme, m.width),
		renderCommands(m.table, len(m.commands), m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StateFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [r] Refresh • [↑/↓] Scroll commands"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
