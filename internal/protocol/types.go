// Package protocol defines the JSON messages exchanged with a polling worker.
package protocol

import (
	"encoding/json"
	"time"
)

// Command is a leased command as delivered to a worker. DispatchToken must be
// echoed back on the matching Report.
type Command struct {
	CommandID      string          `json:"command_id"`
	DispatchToken  string          `json:"dispatch_token"`
	Route          string          `json:"route"`
	Category       string          `json:"category"`
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
}

// PullResponse answers a worker's pull.
type PullResponse struct {
	Status   string    `json:"status"`
	WorkerID string    `json:"worker_id"`
	Count    int       `json:"count"`
	Commands []Command `json:"commands"`
}

// Report is a worker's account of one leased command. Either OK or Status
// ("ok" | "error") must be set.
type Report struct {
	CommandID     string          `json:"command_id"`
	DispatchToken string          `json:"dispatch_token"`
	OK            *bool           `json:"ok,omitempty"`
	Status        string          `json:"status,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Requeue       bool            `json:"requeue,omitempty"`
	ExecutionMS   *int64          `json:"execution_ms,omitempty"`
}

// Succeeded reports the outcome, preferring the explicit ok flag.
func (r *Report) Succeeded() bool {
	if r.OK != nil {
		return *r.OK
	}
	return r.Status == StatusOK
}

// ReportBatch carries several reports in one request.
type ReportBatch struct {
	Results []Report `json:"results"`
}

// ReportOutcome is the per-item answer to a batch report.
type ReportOutcome struct {
	Index         int    `json:"index"`
	OK            bool   `json:"ok"`
	CommandID     string `json:"command_id,omitempty"`
	CommandStatus string `json:"command_status,omitempty"`
	Duplicate     bool   `json:"duplicate,omitempty"`
	Error         string `json:"error,omitempty"`
	Code          string `json:"code,omitempty"`
}

// ReportBatchResponse summarises a batch report.
type ReportBatchResponse struct {
	OK             bool            `json:"ok"`
	TotalCount     int             `json:"total_count"`
	SuccessCount   int             `json:"success_count"`
	ErrorCount     int             `json:"error_count"`
	DuplicateCount int             `json:"duplicate_count"`
	Outcomes       []ReportOutcome `json:"outcomes"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)
