package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/studiobridge/internal/fault"
)

func TestDefaultCatalogLoads(t *testing.T) {
	c := Default()
	require.NotNil(t, c)
	assert.NotEmpty(t, c.List())
	assert.Contains(t, c.Categories(), "scene")
	assert.Contains(t, c.Categories(), "environment")
}

func TestLookupNormalizesRouteAndAcceptsAliases(t *testing.T) {
	c := Default()

	e, err := c.Lookup("/bridge/scene/spawn-object", "")
	require.NoError(t, err)
	assert.Equal(t, "scene/spawn-object", e.Route)
	assert.Equal(t, "spawn-object", e.Action)

	e, err = c.Lookup("scene/spawn-object", "create")
	require.NoError(t, err)
	assert.Equal(t, RiskSafe, e.Risk)

	e, err = c.Lookup("scene/delete-object", "delete")
	require.NoError(t, err)
	assert.Equal(t, RiskDangerous, e.Risk)
}

func TestLookupErrors(t *testing.T) {
	c := Default()

	_, err := c.Lookup("scene/teleport-everything", "")
	assert.True(t, errors.Is(err, fault.ErrNotFound), "got %v", err)

	_, err = c.Lookup("scene/spawn-object", "delete")
	assert.True(t, errors.Is(err, fault.ErrValidation), "got %v", err)
}

func TestRiskTable(t *testing.T) {
	c := Default()
	tests := map[string]Risk{
		"script/run-command":        RiskDangerous,
		"asset/publish-place":       RiskDangerous,
		"terrain/clear-region":      RiskDangerous,
		"scene/set-property":        RiskCaution,
		"script/insert-script":      RiskCaution,
		"environment/set-lighting":  RiskSafe,
		"simulation/playtest/start": RiskCaution,
		"simulation/playtest/stop":  RiskSafe,
	}
	for route, want := range tests {
		e, err := c.Lookup(route, "")
		require.NoError(t, err, route)
		assert.Equal(t, want, e.Risk, route)
	}
	assert.Less(t, RiskSafe.Rank(), RiskCaution.Rank())
	assert.Less(t, RiskCaution.Rank(), RiskDangerous.Rank())
	assert.Equal(t, 1, Risk("bogus").Rank())
}

func TestValidatePayload(t *testing.T) {
	c := Default()
	e, err := c.Lookup("environment/set-time", "")
	require.NoError(t, err)

	assert.NoError(t, e.Validate(map[string]any{"clock_time": 14.5}))
	assert.True(t, errors.Is(e.Validate(map[string]any{}), fault.ErrValidation))
	assert.True(t, errors.Is(e.Validate(map[string]any{"clock_time": "noon"}), fault.ErrValidation))

	e, err = c.Lookup("asset/insert-asset-id", "")
	require.NoError(t, err)
	assert.NoError(t, e.Validate(map[string]any{"asset_id": float64(1234)}))
	assert.Error(t, e.Validate(map[string]any{"asset_id": 12.5}))

	// Undeclared keys pass through.
	assert.NoError(t, e.Validate(map[string]any{"asset_id": float64(1), "extra": true}))
}

func TestSchemaExpandsCompactParams(t *testing.T) {
	e, err := Default().Lookup("environment/set-time", "")
	require.NoError(t, err)
	schema := e.Schema()
	assert.Equal(t, "object", schema["type"])
	props := schema["properties"].(map[string]any)
	assert.Equal(t, map[string]string{"type": "number"}, props["clock_time"])
	assert.Equal(t, []string{"clock_time"}, schema["required"])
}

func TestByActionKeepsFirstRoute(t *testing.T) {
	e, ok := Default().ByAction("import-blender")
	require.True(t, ok)
	assert.Equal(t, "asset/import-blender", e.Route)

	_, ok = Default().ByAction("nope")
	assert.False(t, ok)
}

func TestLoadRejectsBadDocuments(t *testing.T) {
	_, err := Load([]byte("routes: []"))
	assert.Error(t, err)

	_, err = Load([]byte(`
routes:
  - route: a/b
    category: a
    action: b
    risk: spicy
`))
	assert.Error(t, err)

	_, err = Load([]byte(`
routes:
  - route: a/b
    category: a
    action: b
    required: [missing]
`))
	assert.Error(t, err)

	_, err = Load([]byte(`
routes:
  - {route: a/b, category: a, action: b}
  - {route: /bridge/a/b/, category: a, action: c}
`))
	assert.Error(t, err)
}

func TestLoadRejectsReservedRoutes(t *testing.T) {
	for _, route := range []string{"command", "results", "commands/batch", "/bridge/Assistant/plan", "stream"} {
		t.Run(route, func(t *testing.T) {
			_, err := Load([]byte("routes:\n  - {route: \"" + route + "\", category: a, action: b}\n"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "reserved")
		})
	}

	_, err := Load([]byte("routes:\n  - {route: commandeer/ship, category: a, action: b}\n"))
	assert.NoError(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := `
risk_by_action:
  wipe-scene: dangerous
routes:
  - route: scene/wipe
    category: scene
    action: wipe-scene
    summary: Remove everything
  - route: workspace/ping
    category: workspace
    action: ping
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, c.List(), 2)
	e, err := c.Lookup("/bridge/scene/wipe", "")
	require.NoError(t, err)
	assert.Equal(t, RiskDangerous, e.Risk)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("routes: []\n"), 0o600))
	_, err = LoadFile(path)
	assert.ErrorContains(t, err, "no routes")
}
