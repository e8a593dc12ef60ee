package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/studiobridge/internal/events"
	"github.com/mattjoyce/studiobridge/internal/queue"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	QueueDepth     int    `json:"queue_depth"`
	EventListeners int    `json:"event_listeners"`
}

type statsMsg queue.Stats

type tickMsg time.Time

type errMsg error

type streamClosedMsg struct{}
type reconnectMsg struct{}

// Client talks to a running bridge.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client

	// lastID lets a reconnect resume the stream without gaps.
	lastID atomic.Int64
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 3 * time.Second},
	}
}

func (c *Client) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) getJSON(path string, v any) error {
	req, err := c.newRequest(context.Background(), path)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// --- Commands ---

// subscribe reads /bridge/stream into ch until the connection drops.
func (c *Client) subscribe(ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		req, err := c.newRequest(ctx, "/bridge/stream")
		if err != nil {
			return errMsg(err)
		}
		if id := c.lastID.Load(); id > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(id, 10))
		}

		// The stream is long-lived, so no client timeout.
		resp, err := (&http.Client{}).Do(req)
		if err != nil {
			return streamClosedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("stream: %s", resp.Status))
		}

		for ev := range parseSSE(ctx, resp.Body) {
			c.lastID.Store(ev.ID)
			ch <- ev
		}
		return streamClosedMsg{}
	}
}

// parseSSE yields complete frames until r ends or ctx is cancelled. Frames
// without an id (the connected greeting, keep-alives) are dropped. Lines have
// no length limit; a completed command can carry a multi-megabyte result.
func parseSSE(ctx context.Context, r io.Reader) <-chan events.Event {
	out := make(chan events.Event)
	go func() {
		defer close(out)
		br := bufio.NewReader(r)
		var cur events.Event
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				// A frame is only complete at its blank line.
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				if cur.ID > 0 && len(cur.Data) > 0 {
					cur.At = time.Now()
					select {
					case out <- cur:
					case <-ctx.Done():
						return
					}
				}
				cur = events.Event{}
			case strings.HasPrefix(line, "id: "):
				if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
					cur.ID = id
				}
			case strings.HasPrefix(line, "event: "):
				cur.Type = line[7:]
			case strings.HasPrefix(line, "data: "):
				cur.Data = json.RawMessage(line[6:])
			}
		}
	}()
	return out
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func (c *Client) fetchHealth() tea.Msg {
	var h healthMsg
	if err := c.getJSON("/healthz", &h); err != nil {
		return errMsg(err)
	}
	return h
}

func (c *Client) fetchStats() tea.Msg {
	var resp struct {
		Stats queue.Stats `json:"stats"`
	}
	if err := c.getJSON("/bridge/stats", &resp); err != nil {
		return errMsg(err)
	}
	return statsMsg(resp.Stats)
}
