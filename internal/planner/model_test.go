package planner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/studiobridge/internal/catalog"
	"github.com/mattjoyce/studiobridge/internal/fault"
	"github.com/mattjoyce/studiobridge/internal/llm"
)

type fakeProvider struct {
	reply string
	err   error
	delay time.Duration
	last  llm.Request
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.last = req
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Text: f.reply}, nil
}

func TestModelGeneratorAcceptsCatalogPlan(t *testing.T) {
	provider := &fakeProvider{reply: "Sure! ```json\n" + `{
  "title": "Red brick",
  "commands": [
    {"route": "/bridge/scene/spawn-object", "reason": "brick", "payload": {"class_name": "Part", "color": "Bright red"}},
    {"action": "set-time", "payload": {"clock_time": 9}},
    {"route": "scene/delete-object", "payload": {"target_path": "Workspace/Old"}}
  ]
}` + "\n```"}
	gen := NewModelGenerator(provider, catalog.Default(), ModelConfig{Model: "m1"})

	plan, err := gen.Generate(context.Background(), Request{
		Prompt:       "spawn a red brick",
		SceneContext: []byte(`{"Workspace":{"children":[]}}`),
	})
	require.NoError(t, err)

	require.Len(t, plan.Steps, 3)
	assert.Equal(t, "scene/spawn-object", plan.Steps[0].Route)
	assert.Equal(t, "environment/set-time", plan.Steps[1].Route)
	assert.Equal(t, catalog.RiskDangerous, plan.Steps[2].Risk)
	assert.Equal(t, "Red brick", plan.Title)
	assert.Equal(t, "llm_freeform", plan.Workflow.Template)
	assert.Equal(t, "fake", plan.Workflow.Provider)
	assert.False(t, plan.Workflow.Deterministic)
	assert.Equal(t, 1, plan.RiskSummary.Dangerous)

	assert.Equal(t, "m1", provider.last.Model)
	assert.Equal(t, DefaultTemperature, provider.last.Temperature)
	assert.Contains(t, provider.last.System, "Return JSON only")
	assert.Contains(t, provider.last.Prompt, "prompt=spawn a red brick")
	assert.Contains(t, provider.last.Prompt, `"children":[]`)
	assert.Contains(t, provider.last.Prompt, "/bridge/scene/spawn-object")
}

func TestModelGeneratorRejectsInvalidPlans(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"no json", "I cannot help with that."},
		{"empty commands", `{"title":"x","commands":[]}`},
		{"unknown route", `{"commands":[{"route":"/bridge/scene/teleport"}]}`},
		{"unknown action", `{"commands":[{"action":"self-destruct"}]}`},
		{"alias mismatch", `{"commands":[{"route":"scene/spawn-object","action":"delete"}]}`},
		{"payload not object", `{"commands":[{"route":"environment/set-time","payload":[1]}]}`},
		{"schema violation", `{"commands":[{"route":"environment/set-time","payload":{}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := NewModelGenerator(&fakeProvider{reply: tt.reply}, catalog.Default(), ModelConfig{})
			_, err := gen.Generate(context.Background(), Request{Prompt: "x"})
			assert.True(t, errors.Is(err, fault.ErrInvalidPlan), "got %v", err)
		})
	}
}

func TestModelGeneratorMaxCommands(t *testing.T) {
	cmd := `{"route":"workspace/autosave"}`
	reply := `{"commands":[` + strings.TrimSuffix(strings.Repeat(cmd+",", 3), ",") + `]}`

	gen := NewModelGenerator(&fakeProvider{reply: reply}, catalog.Default(), ModelConfig{MaxCommands: 2})
	_, err := gen.Generate(context.Background(), Request{})
	assert.True(t, errors.Is(err, fault.ErrInvalidPlan))

	gen = NewModelGenerator(&fakeProvider{reply: reply}, catalog.Default(), ModelConfig{})
	plan, err := gen.Generate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Len(t, plan.Steps, 3)
}

func TestModelGeneratorUpstreamErrors(t *testing.T) {
	failing := &fakeProvider{err: &llm.ProviderError{StatusCode: 500, Message: "boom"}}
	_, err := NewModelGenerator(failing, catalog.Default(), ModelConfig{}).Generate(context.Background(), Request{})
	assert.True(t, errors.Is(err, fault.ErrUpstreamFailure), "got %v", err)

	slow := &fakeProvider{delay: 5 * time.Second, reply: `{"commands":[{"route":"workspace/autosave"}]}`}
	gen := NewModelGenerator(slow, catalog.Default(), ModelConfig{})
	gen.cfg.Timeout = 20 * time.Millisecond

	started := time.Now()
	_, err = gen.Generate(context.Background(), Request{})
	assert.True(t, errors.Is(err, fault.ErrUpstreamTimeout), "got %v", err)
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestModelGeneratorRequestOverrides(t *testing.T) {
	provider := &fakeProvider{reply: `{"commands":[{"route":"workspace/autosave"}]}`}
	gen := NewModelGenerator(provider, catalog.Default(), ModelConfig{Model: "default"})

	temp := 3.0
	_, err := gen.Generate(context.Background(), Request{Model: "override", Temperature: &temp})
	require.NoError(t, err)
	assert.Equal(t, "override", provider.last.Model)
	assert.Equal(t, 1.0, provider.last.Temperature)
}

func TestModelGeneratorTemperatureDefaults(t *testing.T) {
	reply := `{"commands":[{"route":"workspace/autosave"}]}`

	unset := &fakeProvider{reply: reply}
	_, err := NewModelGenerator(unset, catalog.Default(), ModelConfig{}).Generate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, DefaultTemperature, unset.last.Temperature)

	zero := 0.0
	explicit := &fakeProvider{reply: reply}
	_, err = NewModelGenerator(explicit, catalog.Default(), ModelConfig{Temperature: &zero}).Generate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, explicit.last.Temperature)

	high := 1.7
	clamped := &fakeProvider{reply: reply}
	_, err = NewModelGenerator(clamped, catalog.Default(), ModelConfig{Temperature: &high}).Generate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, clamped.last.Temperature)
}

func TestClamps(t *testing.T) {
	assert.Equal(t, MinModelTimeout, ClampTimeout(time.Millisecond))
	assert.Equal(t, MaxModelTimeout, ClampTimeout(time.Hour))
	assert.Equal(t, 5*time.Second, ClampTimeout(5*time.Second))
	assert.Equal(t, 0.0, ClampTemperature(-1))
	assert.Equal(t, 0.5, ClampTemperature(0.5))
}

func TestExtractFirstJSONObject(t *testing.T) {
	tests := []struct {
		name, in, want string
		ok             bool
	}{
		{"direct", `{"a":1}`, `{"a":1}`, true},
		{"prose", `Here you go: {"a":{"b":"}"}} thanks`, `{"a":{"b":"}"}}`, true},
		{"escaped quote", `x {"a":"say \"hi\" {"} y`, `{"a":"say \"hi\" {"}`, true},
		{"skips broken", `{oops} then {"ok":true}`, `{"ok":true}`, true},
		{"array only", `[1,2]`, "", false},
		{"null", `null`, "", false},
		{"empty", "   ", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractFirstJSONObject(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.JSONEq(t, tt.want, string(got))
			}
		})
	}
}
