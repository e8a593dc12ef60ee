// Package planner turns a prompt or a named template into a Plan: an ordered,
// risk-annotated list of catalog commands. Plans are produced either by
// deterministic template expansion or by a model provider; both sit behind
// Generator.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/studiobridge/internal/catalog"
)

// Generator produces a Plan for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Plan, error)
}

// Request is the input to plan generation.
type Request struct {
	Prompt         string          `json:"prompt"`
	Template       string          `json:"template,omitempty"`
	Params         map[string]any  `json:"params,omitempty"`
	UseLLM         bool            `json:"use_llm,omitempty"`
	Provider       string          `json:"provider,omitempty"`
	Model          string          `json:"model,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TimeoutMS      *int64          `json:"timeout_ms,omitempty"`
	AllowDangerous bool            `json:"allow_dangerous,omitempty"`
	SceneContext   json.RawMessage `json:"-"`
}

// Step is one command of a plan.
type Step struct {
	Route    string         `json:"route"`
	Category string         `json:"category"`
	Action   string         `json:"action"`
	Risk     catalog.Risk   `json:"risk"`
	Reason   string         `json:"reason"`
	Payload  map[string]any `json:"payload"`
}

// Workflow records how a plan was produced.
type Workflow struct {
	Template      string `json:"template"`
	Deterministic bool   `json:"deterministic"`
	Provider      string `json:"provider,omitempty"`
}

// Input echoes what the caller asked for.
type Input struct {
	Prompt            string `json:"prompt"`
	TemplateRequested string `json:"template_requested,omitempty"`
}

// RiskSummary counts steps per risk level.
type RiskSummary struct {
	Safe      int          `json:"safe"`
	Caution   int          `json:"caution"`
	Dangerous int          `json:"dangerous"`
	MaxRisk   catalog.Risk `json:"max_risk"`
}

// Plan is an immutable, ordered set of steps.
type Plan struct {
	ID          string      `json:"id"`
	CreatedAt   time.Time   `json:"created_at"`
	Title       string      `json:"title"`
	Summary     string      `json:"summary"`
	Workflow    Workflow    `json:"workflow"`
	Input       Input       `json:"input"`
	Steps       []Step      `json:"commands"`
	RiskSummary RiskSummary `json:"risk_summary"`
	Warnings    []string    `json:"warnings"`
}

// annotate resolves route against the catalog and builds a step whose risk
// comes from the catalog entry.
func annotate(cat *catalog.Catalog, route, action string, payload map[string]any, reason string) (Step, error) {
	entry, err := cat.Lookup(route, action)
	if err != nil {
		return Step{}, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if strings.TrimSpace(reason) == "" {
		reason = entry.Summary
	}
	return Step{
		Route:    entry.Route,
		Category: entry.Category,
		Action:   entry.Action,
		Risk:     entry.Risk,
		Reason:   reason,
		Payload:  payload,
	}, nil
}

// SummarizeRisk counts steps by risk and tracks the highest.
func SummarizeRisk(steps []Step) RiskSummary {
	s := RiskSummary{MaxRisk: catalog.RiskSafe}
	for _, st := range steps {
		switch st.Risk {
		case catalog.RiskDangerous:
			s.Dangerous++
		case catalog.RiskCaution:
			s.Caution++
		default:
			s.Safe++
		}
		if st.Risk.Rank() > s.MaxRisk.Rank() {
			s.MaxRisk = st.Risk
		}
	}
	return s
}

const (
	warnDangerous  = "Plan includes dangerous actions. Require allow_dangerous=true before queueing."
	warnImport     = "Local model import can require the manual import UI on some editor builds."
	warnScreenshot = "Screenshot and render support depends on the editor build; external capture may be required."
)

// Warnings lists operator-facing caveats for a plan.
func Warnings(steps []Step, summary RiskSummary) []string {
	warnings := []string{}
	if summary.Dangerous > 0 {
		warnings = append(warnings, warnDangerous)
	}
	var imports, captures bool
	for _, st := range steps {
		switch st.Action {
		case "import-model", "import-blender":
			imports = true
		case "screenshot", "render-frame":
			captures = true
		}
	}
	if imports {
		warnings = append(warnings, warnImport)
	}
	if captures {
		warnings = append(warnings, warnScreenshot)
	}
	return warnings
}

// finish fills the derived fields of a plan.
func finish(p *Plan, extra ...string) *Plan {
	p.RiskSummary = SummarizeRisk(p.Steps)
	p.Warnings = append(Warnings(p.Steps, p.RiskSummary), extra...)
	return p
}

// Revalidate checks every step of a caller-supplied plan against the catalog
// and rewrites each step's risk from the catalog. Payloads are checked against
// the route schema.
func Revalidate(cat *catalog.Catalog, p *Plan) error {
	if p == nil || len(p.Steps) == 0 {
		return fmt.Errorf("plan has no commands")
	}
	for i := range p.Steps {
		st := &p.Steps[i]
		entry, err := cat.Lookup(st.Route, st.Action)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if st.Payload == nil {
			st.Payload = map[string]any{}
		}
		if err := entry.Validate(st.Payload); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		st.Route = entry.Route
		st.Category = entry.Category
		st.Action = entry.Action
		st.Risk = entry.Risk
		if strings.TrimSpace(st.Reason) == "" {
			st.Reason = entry.Summary
		}
	}
	finish(p)
	return nil
}
