package planner

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/studiobridge/internal/catalog"
	"github.com/mattjoyce/studiobridge/internal/fault"
)

const (
	TemplateStarter  = "starter_scene"
	TemplateObstacle = "obstacle_course_builder"
	TemplateTerrain  = "terrain_generator"
	TemplateLighting = "lighting_mood_presets"
)

// TemplateInfo describes a template for listing.
type TemplateInfo struct {
	ID          string            `json:"id"`
	Label       string            `json:"label"`
	Description string            `json:"description"`
	Aliases     []string          `json:"aliases"`
	Params      map[string]string `json:"params,omitempty"`
}

type template struct {
	info  TemplateInfo
	build func(t *templateInput) (title, summary string, steps []stepSpec, err error)
}

// stepSpec is a template step before catalog annotation.
type stepSpec struct {
	route   string
	payload map[string]any
	reason  string
}

var templates = map[string]template{
	TemplateStarter: {
		info: TemplateInfo{
			ID:          TemplateStarter,
			Label:       "Starter Scene",
			Description: "Simple spawn + lighting baseline for quick validation.",
			Params:      map[string]string{"folder_name": "string"},
		},
		build: buildStarterScene,
	},
	TemplateObstacle: {
		info: TemplateInfo{
			ID:          TemplateObstacle,
			Label:       "Obstacle Course Builder",
			Description: "Deterministic obby platform layout with start/goal markers.",
			Params: map[string]string{
				"folder_name":    "string",
				"platform_count": "integer",
				"difficulty":     "string",
			},
		},
		build: buildObstacleCourse,
	},
	TemplateTerrain: {
		info: TemplateInfo{
			ID:          TemplateTerrain,
			Label:       "Terrain Generator",
			Description: "Terrain block, atmosphere, and basic lighting seed.",
			Params: map[string]string{
				"material": "string",
				"size":     "string",
			},
		},
		build: buildTerrain,
	},
	TemplateLighting: {
		info: TemplateInfo{
			ID:          TemplateLighting,
			Label:       "Lighting Mood Presets",
			Description: "Fast mood setup: sunset, noir, neon, day, storm.",
			Params:      map[string]string{"mood": "string"},
		},
		build: buildLightingPreset,
	},
}

var templateAliases = map[string]string{
	"starter":                 TemplateStarter,
	"starter_scene":           TemplateStarter,
	"default":                 TemplateStarter,
	"obstacle":                TemplateObstacle,
	"obby":                    TemplateObstacle,
	"obstacle_course":         TemplateObstacle,
	"obstacle_course_builder": TemplateObstacle,
	"terrain":                 TemplateTerrain,
	"terrain_generator":       TemplateTerrain,
	"landscape":               TemplateTerrain,
	"lighting":                TemplateLighting,
	"mood":                    TemplateLighting,
	"lighting_mood_presets":   TemplateLighting,
}

// Templates lists the available templates in a stable order.
func Templates() []TemplateInfo {
	out := make([]TemplateInfo, 0, len(templates))
	for id, t := range templates {
		info := t.info
		for alias, target := range templateAliases {
			if target == id && alias != id {
				info.Aliases = append(info.Aliases, alias)
			}
		}
		sort.Strings(info.Aliases)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResolveTemplate maps an explicit template name or alias to a template id.
// With no name, keywords in the prompt pick one. An unknown name is NotFound.
func ResolveTemplate(prompt, name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name != "" && name != "auto" {
		id, ok := templateAliases[name]
		if !ok {
			return "", fmt.Errorf("%w: template %q", fault.ErrNotFound, name)
		}
		return id, nil
	}

	text := strings.ToLower(prompt)
	switch {
	case containsAny(text, "obby", "obstacle", "parkour"):
		return TemplateObstacle, nil
	case containsAny(text, "terrain", "mountain", "island", "biome"):
		return TemplateTerrain, nil
	case containsAny(text, "lighting", "mood", "atmosphere", "sunset"):
		return TemplateLighting, nil
	default:
		return TemplateStarter, nil
	}
}

// TemplateGenerator expands named templates. It makes no external calls.
type TemplateGenerator struct {
	catalog *catalog.Catalog
	now     func() time.Time
	newID   func() string
}

func NewTemplateGenerator(cat *catalog.Catalog) *TemplateGenerator {
	return &TemplateGenerator{
		catalog: cat,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Generate expands the resolved template. The same prompt, template and params
// always produce the same steps; only the plan id and timestamp differ.
func (g *TemplateGenerator) Generate(_ context.Context, req Request) (*Plan, error) {
	prompt := strings.TrimSpace(req.Prompt)
	id, err := ResolveTemplate(prompt, req.Template)
	if err != nil {
		return nil, err
	}
	t := templates[id]

	in := &templateInput{prompt: prompt, params: req.Params}
	if err := in.checkParams(t.info.Params); err != nil {
		return nil, err
	}

	title, summary, specs, err := t.build(in)
	if err != nil {
		return nil, err
	}

	steps := make([]Step, 0, len(specs))
	for _, s := range specs {
		step, err := annotate(g.catalog, s.route, "", s.payload, s.reason)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", id, err)
		}
		steps = append(steps, step)
	}

	return finish(&Plan{
		ID:        g.newID(),
		CreatedAt: g.now().UTC(),
		Title:     title,
		Summary:   summary,
		Workflow:  Workflow{Template: id, Deterministic: true, Provider: "deterministic"},
		Input:     Input{Prompt: prompt, TemplateRequested: strings.TrimSpace(req.Template)},
		Steps:     steps,
	}), nil
}

// templateInput carries the prompt and explicit overrides into a builder.
type templateInput struct {
	prompt string
	params map[string]any
}

func (in *templateInput) checkParams(allowed map[string]string) error {
	for name, v := range in.params {
		typ, ok := allowed[name]
		if !ok {
			return fmt.Errorf("%w: unknown template param %q", fault.ErrValidation, name)
		}
		switch typ {
		case "string":
			if _, ok := v.(string); !ok {
				return fmt.Errorf("%w: template param %q must be a string", fault.ErrValidation, name)
			}
		case "integer":
			if _, ok := asInt(v); !ok {
				return fmt.Errorf("%w: template param %q must be an integer", fault.ErrValidation, name)
			}
		}
	}
	return nil
}

func (in *templateInput) str(name string) (string, bool) {
	v, ok := in.params[name].(string)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (in *templateInput) integer(name string) (int, bool) {
	v, ok := in.params[name]
	if !ok {
		return 0, false
	}
	return asInt(v)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

// deterministicNumber maps seed to [min, max] using the first two bytes of
// its blake3 digest.
func deterministicNumber(seed string, min, max int) int {
	if seed == "" {
		seed = "studiobridge"
	}
	sum := blake3.Sum256([]byte(seed))
	span := max - min + 1
	if span < 1 {
		span = 1
	}
	return min + int(binary.BigEndian.Uint16(sum[:2]))%span
}

func containsAny(text string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

var platformCountPattern = regexp.MustCompile(`(?i)(\d{1,3})\s*(?:platform|jump|stage|checkpoint|section)s?`)

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

// vec builds a JSON-shaped numeric array.
func vec(xs ...float64) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}

func part(name string, position, size []any, color string, extra map[string]any) map[string]any {
	p := map[string]any{
		"class_name": "Part",
		"name":       name,
		"position":   position,
		"size":       size,
		"color":      color,
		"anchored":   true,
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}
