// Package executor turns an accepted Plan into queued commands. A plan is
// either enqueued in full, in order, or not at all.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/studiobridge/internal/catalog"
	"github.com/mattjoyce/studiobridge/internal/events"
	"github.com/mattjoyce/studiobridge/internal/fault"
	"github.com/mattjoyce/studiobridge/internal/log"
	"github.com/mattjoyce/studiobridge/internal/planner"
	"github.com/mattjoyce/studiobridge/internal/queue"
)

const (
	// MaxExpiry bounds a plan's expires_in_ms.
	MaxExpiry = queue.MaxExpiry

	maxPrefixLen = 200
)

// Submitter enqueues a batch atomically.
type Submitter interface {
	SubmitBatch(ctx context.Context, reqs []queue.SubmitRequest) ([]queue.SubmitResult, error)
}

// Publisher receives the plan.executed event.
type Publisher interface {
	Publish(eventType string, data any)
}

// Options controls one execution.
type Options struct {
	AllowDangerous    bool
	IdempotencyPrefix string
	Priority          int
	ExpiresInMS       *int64
}

// Handle describes what an execution enqueued.
type Handle struct {
	PlanID            string     `json:"plan_id"`
	IdempotencyPrefix string     `json:"idempotency_prefix"`
	CommandIDs        []string   `json:"command_ids"`
	QueuedCount       int        `json:"queued_count"`
	DedupedCount      int        `json:"deduped_count"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
}

// BlockedStep names a step refused by the risk gate.
type BlockedStep struct {
	Index  int    `json:"index"`
	Route  string `json:"route"`
	Action string `json:"action"`
}

type Executor struct {
	submitter Submitter
	catalog   *catalog.Catalog
	publisher Publisher
	logger    *slog.Logger
}

// New creates an Executor. pub may be nil.
func New(s Submitter, cat *catalog.Catalog, pub Publisher) *Executor {
	return &Executor{
		submitter: s,
		catalog:   cat,
		publisher: pub,
		logger:    log.WithComponent("executor"),
	}
}

// Execute re-validates plan against the catalog, applies the risk gate and
// enqueues one command per step. Keys are prefix:index, so running the same
// plan with the same prefix again returns the original commands.
func (e *Executor) Execute(ctx context.Context, plan *planner.Plan, opts Options) (*Handle, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, fmt.Errorf("%w: plan has no commands", fault.ErrValidation)
	}

	checked := *plan
	checked.Steps = make([]planner.Step, len(plan.Steps))
	copy(checked.Steps, plan.Steps)
	if err := planner.Revalidate(e.catalog, &checked); err != nil {
		return nil, err
	}

	if blocked := Blocked(checked.Steps); len(blocked) > 0 && !opts.AllowDangerous {
		return nil, &GateError{Steps: blocked}
	}

	prefix := strings.TrimSpace(opts.IdempotencyPrefix)
	if prefix == "" {
		prefix = strings.TrimSpace(plan.ID)
	}
	if prefix == "" {
		return nil, fmt.Errorf("%w: idempotency_prefix is required for a plan without an id", fault.ErrValidation)
	}
	if len(prefix) > maxPrefixLen {
		return nil, fmt.Errorf("%w: idempotency_prefix longer than %d bytes", fault.ErrValidation, maxPrefixLen)
	}

	expiresIn := ClampExpiry(opts.ExpiresInMS)

	reqs := make([]queue.SubmitRequest, 0, len(checked.Steps))
	for i, st := range checked.Steps {
		reqs = append(reqs, queue.SubmitRequest{
			Route:    st.Route,
			Action:   st.Action,
			Category: st.Category,
			Payload:  st.Payload,
			Metadata: map[string]any{
				"plan_id":    plan.ID,
				"step_index": i,
				"risk":       string(st.Risk),
				"reason":     st.Reason,
			},
			Priority:       opts.Priority,
			IdempotencyKey: fmt.Sprintf("%s:%d", prefix, i),
			ExpiresInMS:    expiresIn,
		})
	}

	results, err := e.submitter.SubmitBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		PlanID:            plan.ID,
		IdempotencyPrefix: prefix,
		CommandIDs:        make([]string, 0, len(results)),
	}
	for _, r := range results {
		h.CommandIDs = append(h.CommandIDs, r.Record.ID)
		// Deduped steps keep the deadline they were first queued with.
		if h.ExpiresAt == nil && r.Record.ExpiresAt != nil {
			at := r.Record.ExpiresAt.UTC()
			h.ExpiresAt = &at
		}
		if r.Deduped {
			h.DedupedCount++
		} else {
			h.QueuedCount++
		}
	}

	e.logger.With("plan_id", plan.ID).Info("plan executed",
		"queued", h.QueuedCount,
		"deduped", h.DedupedCount,
		"max_risk", checked.RiskSummary.MaxRisk,
	)
	if e.publisher != nil {
		e.publisher.Publish(events.TypePlanExecuted, h)
	}
	return h, nil
}

// Blocked lists the dangerous steps of a plan.
func Blocked(steps []planner.Step) []BlockedStep {
	var out []BlockedStep
	for i, st := range steps {
		if st.Risk == catalog.RiskDangerous {
			out = append(out, BlockedStep{Index: i, Route: st.Route, Action: st.Action})
		}
	}
	return out
}

// ClampExpiry bounds expires_in_ms to (0, 24h]. Zero, negative or nil means
// no expiry.
func ClampExpiry(ms *int64) *int64 {
	if ms == nil || *ms <= 0 {
		return nil
	}
	v := min(*ms, MaxExpiry.Milliseconds())
	return &v
}

// GateError is returned when a plan contains dangerous steps and the caller
// did not allow them. It matches fault.ErrDangerousActionBlocked.
type GateError struct {
	Steps []BlockedStep
}

func (e *GateError) Error() string {
	actions := make([]string, 0, len(e.Steps))
	for _, s := range e.Steps {
		actions = append(actions, fmt.Sprintf("%d:%s", s.Index, s.Action))
	}
	return fmt.Sprintf("%v: plan has %d dangerous step(s) [%s]; set allow_dangerous to run it",
		fault.ErrDangerousActionBlocked, len(e.Steps), strings.Join(actions, ", "))
}

func (e *GateError) Unwrap() error { return fault.ErrDangerousActionBlocked }
