package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/studiobridge/internal/events"
)

// heartbeatInterval spaces keep-alive comments on an idle stream.
var heartbeatInterval = 15 * time.Second

// handleEvents serves GET /bridge/stream as server-sent events. Retained
// events after Last-Event-ID (or ?last_event_id) are replayed first, and
// ?types narrows the stream, e.g. types=command.completed,plan.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	filter := events.ParseFilter(r.URL.Query().Get("types"))
	resumeFrom := lastEventID(r)

	// Subscribe before the snapshot so nothing published in between is lost.
	live, unsubscribe := s.deps.Events.Subscribe()
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	hello, _ := json.Marshal(map[string]any{"ts": time.Now().UTC().Format(time.RFC3339), "resume_from": resumeFrom})
	if _, err := fmt.Fprintf(w, "event: connected\ndata: %s\n\n", hello); err != nil {
		return
	}

	sent := resumeFrom
	send := func(ev events.Event) error {
		if ev.ID <= sent {
			return nil
		}
		sent = ev.ID
		if !filter.Match(ev) {
			return nil
		}
		return writeSSE(w, ev)
	}

	for _, ev := range s.deps.Events.SnapshotSince(resumeFrom) {
		if send(ev) != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-live:
			if !open || send(ev) != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func lastEventID(r *http.Request) int64 {
	for _, v := range []string{r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id")} {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// writeSSE writes one event frame. Payloads are single-line JSON so one data
// line suffices.
func writeSSE(w io.Writer, ev events.Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}
