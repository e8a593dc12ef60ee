package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattjoyce/studiobridge/internal/fault"
)

// State is the lifecycle state of a command record.
type State string

const (
	StateQueued    State = "queued"
	StateLeased    State = "leased"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
)

// States lists every state in lifecycle order.
var States = []State{StateQueued, StateLeased, StateCompleted, StateFailed, StateExpired}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateExpired
}

// validTransitions is the complete set of legal moves. Anything absent is
// rejected by checkTransition.
var validTransitions = map[State]map[State]bool{
	StateQueued: {
		StateLeased:  true,
		StateExpired: true,
	},
	StateLeased: {
		StateCompleted: true,
		StateFailed:    true,
		StateQueued:    true,
	},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to State) bool {
	return validTransitions[from][to]
}

func checkTransition(id string, from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: command %s cannot move from %s to %s", fault.ErrValidation, id, from, to)
	}
	return nil
}

// Record is a queued unit of work and its lifecycle bookkeeping.
type Record struct {
	ID             string          `json:"id"`
	Route          string          `json:"route"`
	Category       string          `json:"category"`
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Priority       int             `json:"priority"`
	QueueSeq       int64           `json:"-"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	State          State           `json:"state"`
	Attempts       int             `json:"attempts"`
	DispatchToken  string          `json:"-"`
	LeasedBy       *string         `json:"leased_by,omitempty"`
	LeasedAt       *time.Time      `json:"leased_at,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *string         `json:"error,omitempty"`
	ExecutionMS    *int64          `json:"execution_ms,omitempty"`
}

// SubmitRequest describes a command to enqueue. Route and Action are resolved
// against the catalog; Category defaults to the catalog's category.
type SubmitRequest struct {
	Route          string
	Action         string
	Category       string
	Payload        map[string]any
	Metadata       map[string]any
	Priority       int
	IdempotencyKey string
	ExpiresInMS    *int64
	ExpiresAt      *time.Time
}

// SubmitResult is the outcome of one submission. Deduped is true when the
// idempotency key was already bound and Record is the original.
type SubmitResult struct {
	Record  *Record
	Deduped bool
}

// Lease pairs a leased record with the token the worker must echo on report.
type Lease struct {
	Record        *Record
	DispatchToken string
}

// LeaseBatch is the outcome of one Lease call. Expired lists records that were
// found past their deadline while scanning and moved to expired instead.
type LeaseBatch struct {
	Leases  []Lease
	Expired []string
}

// ReportRequest is a worker's account of a leased command.
type ReportRequest struct {
	CommandID     string
	DispatchToken string
	OK            bool
	Result        json.RawMessage
	Error         string
	Requeue       bool
	ExecutionMS   *int64
}

// ReportResult describes what a report did.
type ReportResult struct {
	Record    *Record
	From      State
	Duplicate bool
}

// SweepResult lists the records a sweep pass touched.
type SweepResult struct {
	Reclaimed []string
	Expired   []string
	Pruned    int
}

// Transition is one row of a record's history.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarises the queue for health and dashboard views.
type Stats struct {
	Total              int              `json:"total_commands"`
	Pending            int              `json:"pending_count"`
	ByState            map[State]int    `json:"by_state"`
	Counters           map[string]int64 `json:"counters"`
	AverageExecutionMS *float64         `json:"average_execution_ms"`
	LeaseTimeoutMS     int64            `json:"lease_timeout_ms"`
}

// Counter names kept in queue_counters.
const (
	CounterQueued          = "queued_total"
	CounterDispatched      = "dispatched_total"
	CounterSucceeded       = "succeeded_total"
	CounterFailed          = "failed_total"
	CounterExpired         = "expired_total"
	CounterRequeued        = "requeued_total"
	CounterRejectedResults = "rejected_results_total"
)

var counterNames = []string{
	CounterQueued,
	CounterDispatched,
	CounterSucceeded,
	CounterFailed,
	CounterExpired,
	CounterRequeued,
	CounterRejectedResults,
}
