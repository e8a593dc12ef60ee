// Package catalog holds the static route catalog: the set of operations a
// worker understands, their risk level and a compact parameter schema.
package catalog

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/studiobridge/internal/fault"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Risk is the risk classification of a catalog action.
type Risk string

const (
	RiskSafe      Risk = "safe"
	RiskCaution   Risk = "caution"
	RiskDangerous Risk = "dangerous"
)

var riskRank = map[Risk]int{
	RiskSafe:      1,
	RiskCaution:   2,
	RiskDangerous: 3,
}

// Rank orders risks: safe=1, caution=2, dangerous=3. Unknown values rank as safe.
func (r Risk) Rank() int {
	if n, ok := riskRank[r]; ok {
		return n
	}
	return riskRank[RiskSafe]
}

func (r Risk) valid() bool {
	_, ok := riskRank[r]
	return ok
}

// Entry declares one catalog route.
type Entry struct {
	Route    string            `yaml:"route" json:"route"`
	Category string            `yaml:"category" json:"category"`
	Action   string            `yaml:"action" json:"action"`
	Aliases  []string          `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Summary  string            `yaml:"summary" json:"summary"`
	Risk     Risk              `yaml:"risk,omitempty" json:"risk"`
	Params   map[string]string `yaml:"params,omitempty" json:"-"`
	Required []string          `yaml:"required,omitempty" json:"-"`
}

// Accepts reports whether action names this entry, either by its canonical
// action or one of its aliases. An empty action is accepted.
func (e Entry) Accepts(action string) bool {
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" || action == e.Action {
		return true
	}
	for _, a := range e.Aliases {
		if a == action {
			return true
		}
	}
	return false
}

// Schema returns the expanded JSON schema for the entry's parameters.
func (e Entry) Schema() map[string]any {
	properties := make(map[string]any, len(e.Params))
	for name, typ := range e.Params {
		properties[name] = map[string]string{"type": typ}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(e.Required) > 0 {
		schema["required"] = append([]string(nil), e.Required...)
	}
	return schema
}

// Validate checks payload against the entry's declared parameters. Keys the
// schema does not mention are passed through untouched.
func (e Entry) Validate(payload map[string]any) error {
	for _, name := range e.Required {
		if v, ok := payload[name]; !ok || v == nil {
			return fmt.Errorf("%w: %s requires %q", fault.ErrValidation, e.Route, name)
		}
	}
	for name, typ := range e.Params {
		v, ok := payload[name]
		if !ok || v == nil {
			continue
		}
		if !matchesType(v, typ) {
			return fmt.Errorf("%w: %s param %q must be %s", fault.ErrValidation, e.Route, name, typ)
		}
	}
	return nil
}

func matchesType(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch n := v.(type) {
		case int, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		}
		return false
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

type document struct {
	RiskByAction map[string]Risk `yaml:"risk_by_action"`
	Routes       []Entry         `yaml:"routes"`
}

// Catalog is an immutable, indexed set of entries.
type Catalog struct {
	entries  []Entry
	byRoute  map[string]int
	byAction map[string]int
}

// Load parses a catalog document. Entry risk falls back to risk_by_action and
// then to safe.
func Load(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(doc.Routes) == 0 {
		return nil, fmt.Errorf("catalog has no routes")
	}

	c := &Catalog{
		entries:  make([]Entry, 0, len(doc.Routes)),
		byRoute:  make(map[string]int, len(doc.Routes)),
		byAction: make(map[string]int, len(doc.Routes)),
	}
	for i, e := range doc.Routes {
		e.Route = NormalizeRoute(e.Route)
		e.Action = strings.ToLower(strings.TrimSpace(e.Action))
		if e.Route == "" || e.Action == "" || e.Category == "" {
			return nil, fmt.Errorf("catalog entry %d: route, action and category are required", i)
		}
		if reserved(e.Route) {
			return nil, fmt.Errorf("catalog entry %d: route %q is reserved by the bridge API", i, e.Route)
		}
		if _, dup := c.byRoute[e.Route]; dup {
			return nil, fmt.Errorf("catalog entry %d: duplicate route %q", i, e.Route)
		}
		if e.Risk == "" {
			e.Risk = doc.RiskByAction[e.Action]
		}
		if e.Risk == "" {
			e.Risk = RiskSafe
		}
		if !e.Risk.valid() {
			return nil, fmt.Errorf("catalog entry %q: unknown risk %q", e.Route, e.Risk)
		}
		for j, a := range e.Aliases {
			e.Aliases[j] = strings.ToLower(strings.TrimSpace(a))
		}
		for _, name := range e.Required {
			if _, ok := e.Params[name]; !ok {
				return nil, fmt.Errorf("catalog entry %q: required param %q is not declared", e.Route, name)
			}
		}

		c.byRoute[e.Route] = len(c.entries)
		if _, seen := c.byAction[e.Action]; !seen {
			c.byAction[e.Action] = len(c.entries)
		}
		c.entries = append(c.entries, e)
	}
	return c, nil
}

// LoadFile reads an operator catalog that replaces the built-in one.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
)

// Default returns the catalog compiled into the binary.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Load(defaultCatalog)
		if err != nil {
			panic(fmt.Sprintf("embedded catalog: %v", err))
		}
		defaultCat = c
	})
	return defaultCat
}

// reservedSegments are the first path segments under /bridge/ that the API
// serves itself. A catalog route there would shadow or replace a fixed handler.
var reservedSegments = map[string]bool{
	"assistant":    true,
	"catalog":      true,
	"command":      true,
	"commands":     true,
	"health":       true,
	"openapi.json": true,
	"results":      true,
	"stats":        true,
	"stream":       true,
}

func reserved(route string) bool {
	first, _, _ := strings.Cut(route, "/")
	return reservedSegments[first]
}

// NormalizeRoute strips the optional "/bridge/" prefix and surrounding slashes
// so "/bridge/scene/spawn-object" and "scene/spawn-object" name the same route.
func NormalizeRoute(route string) string {
	route = strings.ToLower(strings.TrimSpace(route))
	route = strings.TrimPrefix(route, "/")
	route = strings.TrimPrefix(route, "bridge/")
	return strings.Trim(route, "/")
}

// Lookup resolves (route, action). An unknown route is NotFound; a known route
// paired with an action it does not accept is a ValidationError.
func (c *Catalog) Lookup(route, action string) (Entry, error) {
	idx, ok := c.byRoute[NormalizeRoute(route)]
	if !ok {
		return Entry{}, fmt.Errorf("%w: route %q is not in the catalog", fault.ErrNotFound, route)
	}
	e := c.entries[idx]
	if !e.Accepts(action) {
		return Entry{}, fmt.Errorf("%w: action %q is not valid for route %q", fault.ErrValidation, action, e.Route)
	}
	return e, nil
}

// ByAction returns the first entry whose canonical action is action.
func (c *Catalog) ByAction(action string) (Entry, bool) {
	idx, ok := c.byAction[strings.ToLower(strings.TrimSpace(action))]
	if !ok {
		return Entry{}, false
	}
	return c.entries[idx], true
}

// List returns a copy of all entries in catalog order.
func (c *Catalog) List() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Categories returns the distinct categories, sorted.
func (c *Catalog) Categories() []string {
	seen := make(map[string]struct{})
	for _, e := range c.entries {
		seen[e.Category] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
