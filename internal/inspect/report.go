// Package inspect renders operator reports for a single command: its
// record, its state history and, when it came from an assistant plan, the
// other steps of that plan.
package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/studiobridge/internal/queue"
)

// Source is the read side of the command queue.
type Source interface {
	Get(ctx context.Context, id string) (*queue.Record, error)
	History(ctx context.Context, id string) ([]queue.Transition, error)
}

// Report is the structured JSON representation of a command report.
type Report struct {
	CommandID      string             `json:"command_id"`
	Route          string             `json:"route"`
	Action         string             `json:"action"`
	State          string             `json:"state"`
	Priority       int                `json:"priority"`
	Attempts       int                `json:"attempts"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	LeasedBy       string             `json:"leased_by,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	ExpiresAt      *time.Time         `json:"expires_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	ExecutionMS    *int64             `json:"execution_ms,omitempty"`
	Error          string             `json:"error,omitempty"`
	Payload        json.RawMessage    `json:"payload"`
	Metadata       json.RawMessage    `json:"metadata,omitempty"`
	Result         json.RawMessage    `json:"result,omitempty"`
	Transitions    []queue.Transition `json:"transitions"`
	PlanID         string             `json:"plan_id,omitempty"`
	PlanSteps      []PlanStep         `json:"plan_steps,omitempty"`
}

// PlanStep is one command queued by the same plan execution.
type PlanStep struct {
	Index     int    `json:"index"`
	CommandID string `json:"command_id"`
	Route     string `json:"route"`
	State     string `json:"state"`
	Risk      string `json:"risk,omitempty"`
}

type planMetadata struct {
	PlanID    string `json:"plan_id"`
	StepIndex int    `json:"step_index"`
	Risk      string `json:"risk"`
}

// BuildReport renders a terminal-friendly report for a command.
func BuildReport(ctx context.Context, db *sql.DB, src Source, commandID string) (string, error) {
	report, err := gatherReportData(ctx, db, src, commandID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Command Report\n")
	fmt.Fprintf(&out, "Command ID  : %s\n", report.CommandID)
	fmt.Fprintf(&out, "Route       : %s (%s)\n", report.Route, report.Action)
	fmt.Fprintf(&out, "State       : %s\n", report.State)
	fmt.Fprintf(&out, "Priority    : %d\n", report.Priority)
	fmt.Fprintf(&out, "Attempts    : %d\n", report.Attempts)
	fmt.Fprintf(&out, "Idempotency : %s\n", renderUnset(report.IdempotencyKey, "<none>"))
	fmt.Fprintf(&out, "Worker      : %s\n", renderUnset(report.LeasedBy, "<none>"))
	fmt.Fprintf(&out, "Created     : %s\n", report.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&out, "Expires     : %s\n", renderTime(report.ExpiresAt))
	fmt.Fprintf(&out, "Completed   : %s\n", renderTime(report.CompletedAt))
	if report.ExecutionMS != nil {
		fmt.Fprintf(&out, "Execution   : %dms\n", *report.ExecutionMS)
	}
	if report.Error != "" {
		fmt.Fprintf(&out, "Error       : %s\n", report.Error)
	}
	fmt.Fprintf(&out, "\n")

	writeBlock(&out, "payload", report.Payload)
	if len(report.Metadata) > 0 {
		writeBlock(&out, "metadata", report.Metadata)
	}
	if len(report.Result) > 0 {
		writeBlock(&out, "result", report.Result)
	}

	fmt.Fprintf(&out, "Transitions (%d)\n", len(report.Transitions))
	for i, tr := range report.Transitions {
		line := fmt.Sprintf("[%d] %s  %s -> %s", i+1, tr.CreatedAt.Format(time.RFC3339), tr.From, tr.To)
		if tr.WorkerID != "" {
			line += "  worker=" + tr.WorkerID
		}
		if tr.Detail != "" {
			line += "  " + tr.Detail
		}
		fmt.Fprintf(&out, "%s\n", line)
	}

	if report.PlanID != "" {
		fmt.Fprintf(&out, "\nPlan %s (%d steps)\n", report.PlanID, len(report.PlanSteps))
		for _, step := range report.PlanSteps {
			marker := " "
			if step.CommandID == report.CommandID {
				marker = "*"
			}
			fmt.Fprintf(&out, "%s [%d] %-28s %-10s %s %s\n",
				marker, step.Index, step.Route, step.State, renderUnset(step.Risk, "-"), step.CommandID)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON command report.
func BuildJSONReport(ctx context.Context, db *sql.DB, src Source, commandID string) (string, error) {
	report, err := gatherReportData(ctx, db, src, commandID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, db *sql.DB, src Source, commandID string) (*Report, error) {
	if strings.TrimSpace(commandID) == "" {
		return nil, fmt.Errorf("command_id is required")
	}

	rec, err := src.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	history, err := src.History(ctx, commandID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		CommandID:   rec.ID,
		Route:       rec.Route,
		Action:      rec.Action,
		State:       string(rec.State),
		Priority:    rec.Priority,
		Attempts:    rec.Attempts,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
		CompletedAt: rec.CompletedAt,
		ExecutionMS: rec.ExecutionMS,
		Payload:     rec.Payload,
		Metadata:    rec.Metadata,
		Result:      rec.Result,
		Transitions: history,
	}
	if report.Transitions == nil {
		report.Transitions = make([]queue.Transition, 0)
	}
	if rec.IdempotencyKey != nil {
		report.IdempotencyKey = *rec.IdempotencyKey
	}
	if rec.LeasedBy != nil {
		report.LeasedBy = *rec.LeasedBy
	}
	if rec.Error != nil {
		report.Error = *rec.Error
	}

	var meta planMetadata
	if len(rec.Metadata) > 0 && json.Unmarshal(rec.Metadata, &meta) == nil && meta.PlanID != "" && db != nil {
		report.PlanID = meta.PlanID
		steps, err := lookupPlanSteps(ctx, db, meta.PlanID)
		if err != nil {
			return nil, err
		}
		report.PlanSteps = steps
	}

	return report, nil
}

// lookupPlanSteps finds every command stamped with planID, in step order.
// Re-running a plan under a new prefix queues a second set of steps, so the
// same index can appear more than once.
func lookupPlanSteps(ctx context.Context, db *sql.DB, planID string) ([]PlanStep, error) {
	rows, err := db.QueryContext(ctx, `
SELECT id, route, state, metadata
FROM commands
WHERE json_extract(metadata, '$.plan_id') = ?
ORDER BY CAST(json_extract(metadata, '$.step_index') AS INTEGER) ASC, queue_seq ASC;
`, planID)
	if err != nil {
		return nil, fmt.Errorf("query plan %q: %w", planID, err)
	}
	defer rows.Close()

	steps := make([]PlanStep, 0)
	for rows.Next() {
		var (
			step PlanStep
			raw  string
			meta planMetadata
		)
		if err := rows.Scan(&step.CommandID, &step.Route, &step.State, &raw); err != nil {
			return nil, fmt.Errorf("scan plan step: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &meta); err == nil {
			step.Index = meta.StepIndex
			step.Risk = meta.Risk
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func writeBlock(out *strings.Builder, label string, raw json.RawMessage) {
	fmt.Fprintf(out, "%s:\n", label)
	for _, line := range strings.Split(strings.TrimSpace(prettyJSON(raw)), "\n") {
		fmt.Fprintf(out, "  %s\n", line)
	}
	fmt.Fprintf(out, "\n")
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func renderTime(t *time.Time) string {
	if t == nil {
		return "<none>"
	}
	return t.Format(time.RFC3339)
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
