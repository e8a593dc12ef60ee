package api

import (
	"time"

	"github.com/mattjoyce/studiobridge/internal/catalog"
	"github.com/mattjoyce/studiobridge/internal/executor"
	"github.com/mattjoyce/studiobridge/internal/planner"
	"github.com/mattjoyce/studiobridge/internal/queue"
)

// CommandRequest is the JSON body for POST /bridge/command and one item of a
// batch.
type CommandRequest struct {
	Route          string         `json:"route"`
	Category       string         `json:"category,omitempty"`
	Action         string         `json:"action"`
	Payload        map[string]any `json:"payload,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Priority       int            `json:"priority,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	ExpiresInMS    *int64         `json:"expires_in_ms,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
}

// BatchRequest is the JSON body for POST /bridge/commands/batch.
type BatchRequest struct {
	Commands []CommandRequest `json:"commands"`
}

// SubmitResponse is returned when a command is accepted.
type SubmitResponse struct {
	Status    string        `json:"status"`
	CommandID string        `json:"command_id"`
	Deduped   bool          `json:"deduped"`
	Command   *queue.Record `json:"command"`
}

// BatchResponse is returned by POST /bridge/commands/batch.
type BatchResponse struct {
	Status       string   `json:"status"`
	Count        int      `json:"count"`
	DedupedCount int      `json:"deduped_count"`
	CommandIDs   []string `json:"command_ids"`
}

// CommandResponse wraps a single record.
type CommandResponse struct {
	Status  string        `json:"status"`
	Command *queue.Record `json:"command"`
}

// ReportResponse acknowledges one worker report.
type ReportResponse struct {
	Status        string `json:"status"`
	CommandID     string `json:"command_id"`
	CommandStatus string `json:"command_status"`
	Duplicate     bool   `json:"duplicate"`
}

// RecentResponse is returned by GET /bridge/commands/recent.
type RecentResponse struct {
	Status   string          `json:"status"`
	Count    int             `json:"count"`
	Commands []*queue.Record `json:"commands"`
}

// HistoryResponse is returned by GET /bridge/commands/{id}/history.
type HistoryResponse struct {
	Status      string             `json:"status"`
	CommandID   string             `json:"command_id"`
	Transitions []queue.Transition `json:"transitions"`
}

// StatsResponse is returned by GET /bridge/stats.
type StatsResponse struct {
	Status string      `json:"status"`
	Stats  queue.Stats `json:"stats"`
}

// CatalogResponse is returned by GET /bridge/catalog.
type CatalogResponse struct {
	Status     string         `json:"status"`
	Categories []string       `json:"categories"`
	Routes     []CatalogRoute `json:"routes"`
}

// CatalogRoute is one catalog entry with its expanded parameter schema.
type CatalogRoute struct {
	catalog.Entry
	Path   string         `json:"path"`
	Schema map[string]any `json:"schema"`
}

// TemplatesResponse is returned by GET /bridge/assistant/templates.
type TemplatesResponse struct {
	Status    string                 `json:"status"`
	Templates []planner.TemplateInfo `json:"templates"`
	Providers []string               `json:"providers"`
}

// PlanResponse is returned by POST /bridge/assistant/plan.
type PlanResponse struct {
	Status string        `json:"status"`
	Plan   *planner.Plan `json:"plan"`
}

// ExecuteRequest is the JSON body for POST /bridge/assistant/execute. Either
// Plan is given, or the embedded Request generates one.
type ExecuteRequest struct {
	planner.Request
	Plan              *planner.Plan `json:"plan,omitempty"`
	IdempotencyPrefix string        `json:"idempotency_prefix,omitempty"`
	Priority          int           `json:"priority,omitempty"`
	ExpiresInMS       *int64        `json:"expires_in_ms,omitempty"`
}

// ExecuteResponse is returned by POST /bridge/assistant/execute.
type ExecuteResponse struct {
	Status string        `json:"status"`
	Plan   *planner.Plan `json:"plan"`
	*executor.Handle
}

// BlockedResponse explains a risk-gate refusal.
type BlockedResponse struct {
	Status  string                 `json:"status"`
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Blocked []executor.BlockedStep `json:"blocked"`
	Plan    *planner.Plan          `json:"plan"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Code   string `json:"code"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status         string `json:"status"`
	Service        string `json:"service"`
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	QueueDepth     int    `json:"queue_depth"`
	APIKeyEnabled  bool   `json:"api_key_enabled"`
	EventListeners int    `json:"event_listeners"`
}
