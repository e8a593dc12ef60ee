package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/mattjoyce/studiobridge/internal/fault"
)

// SceneSource supplies the latest scene snapshot for model prompts.
type SceneSource interface {
	SceneJSON(ctx context.Context) ([]byte, error)
}

// Planner routes a request to the template generator or to a configured
// model provider.
type Planner struct {
	templates       Generator
	models          map[string]Generator
	defaultProvider string
	scene           SceneSource
}

// New creates a Planner. models is keyed by provider name; defaultProvider is
// used when a request sets use_llm without naming one.
func New(templates Generator, models map[string]Generator, defaultProvider string, scene SceneSource) *Planner {
	if models == nil {
		models = map[string]Generator{}
	}
	return &Planner{
		templates:       templates,
		models:          models,
		defaultProvider: strings.ToLower(strings.TrimSpace(defaultProvider)),
		scene:           scene,
	}
}

// Providers lists the configured model provider names.
func (p *Planner) Providers() []string {
	out := make([]string, 0, len(p.models))
	for name := range p.models {
		out = append(out, name)
	}
	return out
}

// Generate picks a strategy. A model failure is returned as is; there is no
// silent fallback to a template.
func (p *Planner) Generate(ctx context.Context, req Request) (*Plan, error) {
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "deterministic" || (!req.UseLLM && provider == "") {
		return p.templates.Generate(ctx, req)
	}
	if provider == "" || provider == "auto" || provider == "llm" {
		provider = p.defaultProvider
	}
	if provider == "" || provider == "deterministic" {
		return p.templates.Generate(ctx, req)
	}

	gen, ok := p.models[provider]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q is not configured", fault.ErrValidation, provider)
	}
	if p.scene != nil && len(req.SceneContext) == 0 {
		if b, err := p.scene.SceneJSON(ctx); err == nil {
			req.SceneContext = b
		}
	}
	return gen.Generate(ctx, req)
}
