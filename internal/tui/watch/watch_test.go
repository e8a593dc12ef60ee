package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/studiobridge/internal/events"
	"github.com/mattjoyce/studiobridge/internal/queue"
)

func event(t *testing.T, typ string, data any) events.Event {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return events.Event{ID: 1, Type: typ, At: time.Now(), Data: raw}
}

func TestApplyEventTracksLifecycle(t *testing.T) {
	cmds := map[string]*CommandState{}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	worker := "studio-1"

	assert.True(t, applyEvent(cmds, event(t, events.TypeQueued, queue.Record{
		ID: "cmd-1", Route: "scene/spawn-object", State: queue.StateQueued, Priority: 4,
	}), now))
	assert.True(t, applyEvent(cmds, event(t, events.TypeLeased, queue.Record{
		ID: "cmd-1", Route: "scene/spawn-object", State: queue.StateLeased, LeasedBy: &worker, Attempts: 1, Priority: 4,
	}), now.Add(time.Second)))

	st := cmds["cmd-1"]
	require.NotNil(t, st)
	assert.Equal(t, "leased", st.State)
	assert.Equal(t, "studio-1", st.Worker)
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, 4, st.Priority)

	assert.True(t, applyEvent(cmds, event(t, events.TypeLeaseExpired, map[string]string{"id": "cmd-1"}), now.Add(2*time.Second)))
	assert.Equal(t, "queued", st.State)
	assert.Equal(t, "scene/spawn-object", st.Route, "id-only events keep what is known")

	assert.False(t, applyEvent(cmds, event(t, events.TypeRejected, map[string]string{"id": "cmd-9", "code": "stale_dispatch"}), now))
	assert.NotContains(t, cmds, "cmd-9")
	assert.False(t, applyEvent(cmds, event(t, events.TypeScene, map[string]string{"command_id": "cmd-1"}), now))
}

func TestApplyEventPrunesOldest(t *testing.T) {
	cmds := map[string]*CommandState{}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range maxTracked + 5 {
		id := fmt.Sprintf("cmd-%03d", i)
		applyEvent(cmds, event(t, events.TypeQueued, map[string]any{"id": id, "route": "workspace/autosave"}), start.Add(time.Duration(i)*time.Second))
	}
	assert.Len(t, cmds, maxTracked)
	assert.NotContains(t, cmds, "cmd-000", "the oldest row is dropped")

	rows := commandRows(cmds)
	require.Len(t, rows, maxTracked)
}

func TestDescribeEvent(t *testing.T) {
	assert.Equal(t, "[abcdefgh] scene/delete-object → w1",
		describeEvent(event(t, events.TypeLeased, map[string]any{"id": "abcdefghijkl", "route": "scene/delete-object", "leased_by": "w1"})))
	assert.Equal(t, "[plan-1] 3 queued",
		describeEvent(event(t, events.TypePlanExecuted, map[string]any{"plan_id": "plan-1", "queued_count": 3})))
	assert.Equal(t, `{"other":true}`, describeEvent(event(t, "custom", map[string]any{"other": true})))
}

func TestPulseDecay(t *testing.T) {
	var p Pulse
	now := time.Now()
	p.OnEvent(now)
	assert.Equal(t, pulseWidth, p.lit)
	p.Decay(now.Add(5 * time.Second))
	assert.Equal(t, 3, p.lit)
	p.Decay(now.Add(time.Minute))
	assert.Zero(t, p.lit)
}

func TestParseSSESkipsGreetingAndKeepAlive(t *testing.T) {
	stream := strings.Join([]string{
		"event: connected",
		`data: {"ts":"2026-01-01T00:00:00Z"}`,
		"",
		": keep-alive",
		"",
		"id: 7",
		"event: command.queued",
		`data: {"id":"cmd-1"}`,
		"",
		"",
	}, "\n")

	var got []events.Event
	for ev := range parseSSE(context.Background(), strings.NewReader(stream)) {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, events.TypeQueued, got[0].Type)
	assert.JSONEq(t, `{"id":"cmd-1"}`, string(got[0].Data))
}

func TestParseSSEDropsUnterminatedFrame(t *testing.T) {
	stream := "id: 3\nevent: command.queued\ndata: {}\n"

	var got []events.Event
	for ev := range parseSSE(context.Background(), strings.NewReader(stream)) {
		got = append(got, ev)
	}
	assert.Empty(t, got)
}

func TestParseSSEHandlesLargeFrames(t *testing.T) {
	big := `{"result":"` + strings.Repeat("x", 256<<10) + `"}`
	stream := "id: 1\nevent: command.completed\ndata: " + big + "\n\n" +
		"id: 2\r\nevent: command.queued\r\ndata: {}\r\n\r\n"

	var got []events.Event
	for ev := range parseSSE(context.Background(), strings.NewReader(stream)) {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Len(t, got[0].Data, len(big))
	assert.Equal(t, int64(2), got[1].ID)
	assert.Equal(t, events.TypeQueued, got[1].Type)
}

func TestParseSSEStopsWhenCancelled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		_, _ = io.WriteString(pw, "id: 1\ndata: {}\n\n")
	}()

	ctx, cancel := context.WithCancel(context.Background())
	frames := parseSSE(ctx, pr)

	// Nobody reads the pending frame; cancelling must still end the parser.
	time.Sleep(50 * time.Millisecond)
	cancel()
	time.Sleep(50 * time.Millisecond)

	select {
	case _, ok := <-frames:
		assert.False(t, ok, "parser delivered a frame after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("parser did not stop after cancel")
	}
}

func TestClientFetchesWithKey(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/healthz":
			_, _ = w.Write([]byte(`{"status":"ok","version":"1.0.0","queue_depth":3}`))
		case "/bridge/stats":
			_, _ = w.Write([]byte(`{"status":"ok","stats":{"total_commands":9,"counters":{"dispatched_total":4}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	c := NewClient(ts.URL+"/", "secret")
	h, ok := c.fetchHealth().(healthMsg)
	require.True(t, ok)
	assert.Equal(t, 3, h.QueueDepth)

	s, ok := c.fetchStats().(statsMsg)
	require.True(t, ok)
	assert.Equal(t, 9, s.Total)
	assert.Equal(t, int64(4), s.Counters[queue.CounterDispatched])

	_, isErr := NewClient(ts.URL, "wrong").fetchStats().(errMsg)
	assert.True(t, isErr)
}

func TestModelFoldsMessages(t *testing.T) {
	m := New("http://127.0.0.1:0", "")
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	next, _ := m.Update(statsMsg(queue.Stats{Total: 2}))
	mm := next.(Model)
	require.NotNil(t, mm.stats)
	assert.Equal(t, 2, mm.stats.Total)

	next, _ = mm.Update(eventMsg(event(t, events.TypeQueued, map[string]any{"id": "cmd-1", "route": "workspace/autosave", "state": "queued"})))
	mm = next.(Model)
	assert.Len(t, mm.eventLog, 1)
	assert.True(t, mm.health.Connected)
	assert.Len(t, mm.table.Rows(), 1)

	next, _ = mm.Update(streamClosedMsg{})
	mm = next.(Model)
	assert.False(t, mm.health.Connected)
	assert.NotEmpty(t, mm.lastError)

	next, _ = mm.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	mm = next.(Model)
	view := mm.View()
	assert.Contains(t, view, "STUDIOBRIDGE WATCH")
	assert.Contains(t, view, "COMMANDS")
}
