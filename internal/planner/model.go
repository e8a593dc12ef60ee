package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/studiobridge/internal/catalog"
	"github.com/mattjoyce/studiobridge/internal/fault"
	"github.com/mattjoyce/studiobridge/internal/llm"
	"github.com/mattjoyce/studiobridge/internal/log"
)

const (
	DefaultModelTimeout = 20 * time.Second
	MinModelTimeout     = 2 * time.Second
	MaxModelTimeout     = 120 * time.Second

	DefaultTemperature = 0.15
	DefaultMaxCommands = 40
)

// ModelConfig tunes a ModelGenerator.
type ModelConfig struct {
	Model string
	// Temperature nil means DefaultTemperature.
	Temperature *float64
	Timeout     time.Duration
	MaxCommands int
}

// ModelGenerator asks a provider for a plan and accepts it only if every
// command names a catalog route. It never touches the queue.
type ModelGenerator struct {
	provider    llm.Provider
	catalog     *catalog.Catalog
	cfg         ModelConfig
	temperature float64
	now      func() time.Time
	logger   *slog.Logger
}

func NewModelGenerator(provider llm.Provider, cat *catalog.Catalog, cfg ModelConfig) *ModelGenerator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultModelTimeout
	}
	cfg.Timeout = ClampTimeout(cfg.Timeout)
	temperature := DefaultTemperature
	if cfg.Temperature != nil {
		temperature = ClampTemperature(*cfg.Temperature)
	}
	if cfg.MaxCommands <= 0 {
		cfg.MaxCommands = DefaultMaxCommands
	}
	return &ModelGenerator{
		provider:    provider,
		catalog:     cat,
		cfg:         cfg,
		temperature: temperature,
		now:         time.Now,
		logger:      log.WithComponent("planner"),
	}
}

// ClampTimeout bounds a model call budget to [2s, 120s].
func ClampTimeout(d time.Duration) time.Duration {
	return max(MinModelTimeout, min(MaxModelTimeout, d))
}

// ClampTemperature bounds temperature to [0, 1].
func ClampTemperature(t float64) float64 {
	return max(0, min(1, t))
}

func (g *ModelGenerator) Generate(ctx context.Context, req Request) (*Plan, error) {
	timeout := g.cfg.Timeout
	if req.TimeoutMS != nil {
		timeout = ClampTimeout(time.Duration(*req.TimeoutMS) * time.Millisecond)
	}
	temperature := g.temperature
	if req.Temperature != nil {
		temperature = ClampTemperature(*req.Temperature)
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = g.cfg.Model
	}

	userPrompt, err := g.userPrompt(req)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := g.now()
	resp, err := g.provider.Complete(callCtx, llm.Request{
		Model:       model,
		System:      systemPrompt,
		Prompt:      userPrompt,
		Temperature: temperature,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s did not answer within %s", fault.ErrUpstreamTimeout, g.provider.Name(), timeout)
		}
		return nil, fmt.Errorf("%w: %s: %v", fault.ErrUpstreamFailure, g.provider.Name(), err)
	}
	g.logger.Info("model plan received",
		"provider", g.provider.Name(),
		"model", model,
		"duration_ms", g.now().Sub(started).Milliseconds(),
	)

	raw, ok := ExtractFirstJSONObject(resp.Text)
	if !ok {
		return nil, fmt.Errorf("%w: %s reply did not contain a JSON plan", fault.ErrInvalidPlan, g.provider.Name())
	}
	return g.normalize(raw, req)
}

type modelPlan struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Summary  string         `json:"summary"`
	Template string         `json:"template"`
	Commands []modelCommand `json:"commands"`
}

type modelCommand struct {
	Route   string          `json:"route"`
	Action  string          `json:"action"`
	Reason  string          `json:"reason"`
	Payload json.RawMessage `json:"payload"`
}

// normalize validates a model reply against the catalog. Any command the
// catalog does not know rejects the whole plan.
func (g *ModelGenerator) normalize(raw []byte, req Request) (*Plan, error) {
	var mp modelPlan
	if err := json.Unmarshal(raw, &mp); err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrInvalidPlan, err)
	}
	if len(mp.Commands) == 0 {
		return nil, fmt.Errorf("%w: plan has no commands", fault.ErrInvalidPlan)
	}
	if len(mp.Commands) > g.cfg.MaxCommands {
		return nil, fmt.Errorf("%w: plan has %d commands (max %d)", fault.ErrInvalidPlan, len(mp.Commands), g.cfg.MaxCommands)
	}

	steps := make([]Step, 0, len(mp.Commands))
	for i, c := range mp.Commands {
		step, err := g.resolveCommand(c)
		if err != nil {
			return nil, fmt.Errorf("%w: command %d: %v", fault.ErrInvalidPlan, i, err)
		}
		steps = append(steps, step)
	}

	template := strings.TrimSpace(mp.Template)
	if template == "" {
		template = "llm_freeform"
	}
	title := strings.TrimSpace(mp.Title)
	if title == "" {
		title = "Assistant Plan"
	}
	summary := strings.TrimSpace(mp.Summary)
	if summary == "" {
		summary = "Model-generated editor command sequence."
	}

	return finish(&Plan{
		ID:        uuid.NewString(),
		CreatedAt: g.now().UTC(),
		Title:     title,
		Summary:   summary,
		Workflow:  Workflow{Template: template, Provider: g.provider.Name()},
		Input:     Input{Prompt: strings.TrimSpace(req.Prompt), TemplateRequested: strings.TrimSpace(req.Template)},
		Steps:     steps,
	}), nil
}

func (g *ModelGenerator) resolveCommand(c modelCommand) (Step, error) {
	route := strings.TrimSpace(c.Route)
	if route == "" {
		entry, ok := g.catalog.ByAction(c.Action)
		if !ok {
			return Step{}, fmt.Errorf("unknown action %q", c.Action)
		}
		route = entry.Route
	}

	payload := map[string]any{}
	if len(c.Payload) > 0 && string(c.Payload) != "null" {
		if err := json.Unmarshal(c.Payload, &payload); err != nil {
			return Step{}, fmt.Errorf("payload must be an object")
		}
	}

	step, err := annotate(g.catalog, route, c.Action, payload, c.Reason)
	if err != nil {
		return Step{}, err
	}
	entry, _ := g.catalog.Lookup(step.Route, step.Action)
	if err := entry.Validate(step.Payload); err != nil {
		return Step{}, err
	}
	return step, nil
}

// catalogEntry is the catalog as shown to the model.
type catalogEntry struct {
	Route    string         `json:"route"`
	Category string         `json:"category"`
	Action   string         `json:"action"`
	Risk     catalog.Risk   `json:"risk"`
	Summary  string         `json:"summary"`
	Params   map[string]any `json:"params"`
}

func (g *ModelGenerator) userPrompt(req Request) (string, error) {
	entries := g.catalog.List()
	view := make([]catalogEntry, 0, len(entries))
	for _, e := range entries {
		view = append(view, catalogEntry{
			Route:    "/bridge/" + e.Route,
			Category: e.Category,
			Action:   e.Action,
			Risk:     e.Risk,
			Summary:  e.Summary,
			Params:   e.Schema(),
		})
	}
	catalogJSON, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal catalog: %w", err)
	}

	scene := []byte("{}")
	if len(req.SceneContext) > 0 && json.Valid(req.SceneContext) {
		scene = req.SceneContext
	}

	template := strings.TrimSpace(req.Template)
	if template == "" {
		template = "auto"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "prompt=%s\n", strings.TrimSpace(req.Prompt))
	fmt.Fprintf(&b, "template_requested=%s\n", template)
	fmt.Fprintf(&b, "allow_dangerous=%t\n", req.AllowDangerous)
	b.WriteString("scene_context_json=\n")
	b.Write(scene)
	b.WriteString("\ncommand_catalog_json=\n")
	b.Write(catalogJSON)
	return b.String(), nil
}

const systemPrompt = `You are the studio bridge assistant planner for 3D scene editor automation.
Return JSON only. Do not include markdown, code fences, or prose.
Use only routes that exist in command_catalog_json.
Prefer safe/caution actions and avoid dangerous actions unless the prompt explicitly requests them.
Output schema:
{
  "title": "string",
  "summary": "string",
  "commands": [
    { "route": "/bridge/...", "reason": "string", "payload": { "...": "..." } }
  ]
}`

// ExtractFirstJSONObject returns the first balanced {...} in text that parses
// as a JSON object. Models often wrap JSON in prose or code fences.
func ExtractFirstJSONObject(text string) ([]byte, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}
	if isJSONObject([]byte(text)) {
		return []byte(text), true
	}

	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		depth := 0
		inString, escaped := false, false
		for i := start; i < len(text); i++ {
			ch := text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case ch == '\\':
					escaped = true
				case ch == '"':
					inString = false
				}
				continue
			}
			switch ch {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := []byte(text[start : i+1])
					if isJSONObject(candidate) {
						return candidate, true
					}
				}
			}
			if depth == 0 && ch == '}' {
				break
			}
		}
	}
	return nil, false
}

func isJSONObject(b []byte) bool {
	if len(b) == 0 || b[0] != '{' {
		return false
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(b, &obj) == nil
}
