package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/studiobridge/internal/catalog"
	"github.com/mattjoyce/studiobridge/internal/fault"
)

type staticScene []byte

func (s staticScene) SceneJSON(context.Context) ([]byte, error) { return s, nil }

func TestPlannerRouting(t *testing.T) {
	cat := catalog.Default()
	provider := &fakeProvider{reply: `{"commands":[{"route":"workspace/autosave"}]}`}
	p := New(
		NewTemplateGenerator(cat),
		map[string]Generator{"fake": NewModelGenerator(provider, cat, ModelConfig{})},
		"fake",
		staticScene(`{"lit":true}`),
	)
	ctx := context.Background()

	plan, err := p.Generate(ctx, Request{Prompt: "obby"})
	require.NoError(t, err)
	assert.True(t, plan.Workflow.Deterministic)

	plan, err = p.Generate(ctx, Request{Prompt: "obby", UseLLM: true})
	require.NoError(t, err)
	assert.Equal(t, "fake", plan.Workflow.Provider)
	assert.Contains(t, provider.last.Prompt, `{"lit":true}`)

	plan, err = p.Generate(ctx, Request{Prompt: "obby", UseLLM: true, Provider: "deterministic"})
	require.NoError(t, err)
	assert.True(t, plan.Workflow.Deterministic)

	_, err = p.Generate(ctx, Request{Prompt: "obby", Provider: "anthropic"})
	assert.True(t, errors.Is(err, fault.ErrValidation))

	assert.Equal(t, []string{"fake"}, p.Providers())
}

func TestPlannerWithoutProvidersUsesTemplates(t *testing.T) {
	p := New(NewTemplateGenerator(catalog.Default()), nil, "", nil)

	plan, err := p.Generate(context.Background(), Request{Prompt: "terrain", UseLLM: true})
	require.NoError(t, err)
	assert.Equal(t, TemplateTerrain, plan.Workflow.Template)
}
