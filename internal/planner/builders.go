package planner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mattjoyce/studiobridge/internal/fault"
)

func buildStarterScene(in *templateInput) (string, string, []stepSpec, error) {
	folder, ok := in.str("folder_name")
	if !ok {
		folder = fmt.Sprintf("Starter_%d", deterministicNumber("starter:"+in.prompt, 100, 999))
	}
	parent := "Workspace/" + folder

	steps := []stepSpec{
		{
			route:   "scene/create-folder",
			payload: map[string]any{"name": folder, "parent_path": "Workspace"},
			reason:  "Create folder for starter scene.",
		},
		{
			route: "scene/spawn-object",
			payload: part("StarterFloor", vec(0, 2, 0), vec(24, 1, 24), "Medium stone grey",
				map[string]any{"parent_path": parent, "material": "Concrete"}),
			reason: "Spawn the floor plate.",
		},
		{
			route: "scene/spawn-object",
			payload: part("StarterSpawn", vec(0, 5, 0), vec(6, 1, 6), "Lime green",
				map[string]any{"parent_path": parent, "material": "Neon"}),
			reason: "Spawn a visible start pad.",
		},
		{
			route:   "environment/set-lighting",
			payload: lighting(2.1, vec(160, 172, 186), 0.1),
			reason:  "Apply neutral baseline lighting.",
		},
		{
			route:   "environment/set-time",
			payload: map[string]any{"clock_time": 14.5},
			reason:  "Set bright daytime clock.",
		},
	}
	return "Starter Scene", "Creates a tiny starter scene and applies a neutral daylight setup.", steps, nil
}

var (
	hardPattern = regexp.MustCompile(`(?i)hard|difficult|challenge|insane`)
	easyPattern = regexp.MustCompile(`(?i)easy|beginner|casual`)
)

func buildObstacleCourse(in *templateInput) (string, string, []stepSpec, error) {
	count := 10
	if m := platformCountPattern.FindStringSubmatch(in.prompt); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			count = n
		}
	}
	if n, ok := in.integer("platform_count"); ok {
		count = n
	}
	count = clampInt(count, 4, 30)

	difficulty := "normal"
	switch {
	case hardPattern.MatchString(in.prompt):
		difficulty = "hard"
	case easyPattern.MatchString(in.prompt):
		difficulty = "easy"
	}
	if d, ok := in.str("difficulty"); ok {
		difficulty = strings.ToLower(d)
	}

	var gap, rise float64
	switch difficulty {
	case "hard":
		gap, rise = 12, 3.2
	case "easy":
		gap, rise = 7, 1.7
	case "normal":
		gap, rise = 9, 2.4
	default:
		return "", "", nil, fmt.Errorf("%w: difficulty must be easy, normal or hard, got %q", fault.ErrValidation, difficulty)
	}

	lane := float64(deterministicNumber("obby_lane:"+in.prompt, -14, 14))
	folder, ok := in.str("folder_name")
	if !ok {
		folder = fmt.Sprintf("Obby_%d", deterministicNumber("obby:"+in.prompt, 100, 999))
	}
	parent := "Workspace/" + folder

	steps := []stepSpec{
		{
			route:   "scene/create-folder",
			payload: map[string]any{"name": folder, "parent_path": "Workspace"},
			reason:  "Create obstacle course container.",
		},
		{
			route:   "environment/set-time",
			payload: map[string]any{"clock_time": 16.8},
			reason:  "Set golden-hour visibility for obby readability.",
		},
		{
			route:   "environment/set-lighting",
			payload: lighting(2.35, vec(133, 150, 178), 0.12),
			reason:  "Tune lighting to emphasize obstacle silhouettes.",
		},
		{
			route: "scene/spawn-object",
			payload: part("ObbyStart", vec(0, 6, lane), vec(10, 1.2, 10), "Lime green",
				map[string]any{"parent_path": parent, "material": "Neon"}),
			reason: "Spawn start platform.",
		},
	}

	for i := range count {
		x := float64(i+1) * gap
		y := 6 + float64(i+1)*rise
		z := lane - 7
		color := "Bright orange"
		if i%2 == 0 {
			z = lane + 7
			color = "Bright blue"
		}
		steps = append(steps, stepSpec{
			route: "scene/spawn-object",
			payload: part(fmt.Sprintf("ObbyStep_%d", i+1), vec(x, y, z), vec(8, 1, 8), color,
				map[string]any{"parent_path": parent, "material": "SmoothPlastic"}),
			reason: fmt.Sprintf("Spawn jump platform %d/%d.", i+1, count),
		})
	}

	goal := float64(count + 2)
	steps = append(steps,
		stepSpec{
			route: "scene/spawn-object",
			payload: part("ObbyGoal", vec(goal*gap, 6+goal*rise, lane), vec(10, 1.2, 10), "New Yeller",
				map[string]any{"parent_path": parent, "material": "Neon"}),
			reason: "Spawn goal platform.",
		},
		stepSpec{
			route: "script/insert-script",
			payload: map[string]any{
				"parent_path": parent,
				"name":        "GoalSpin",
				"source":      goalSpinSource,
			},
			reason: "Add lightweight visual motion on goal for player guidance.",
		},
	)

	summary := fmt.Sprintf("Builds a deterministic obby with %d jump platforms and a visual goal marker.", count)
	return "Obstacle Course Builder", summary, steps, nil
}

const goalSpinSource = "local p = script.Parent:FindFirstChild('ObbyGoal')\n" +
	"if p then while true do p.CFrame = p.CFrame * CFrame.Angles(0, math.rad(1), 0); task.wait(0.03) end end"

var (
	largePattern   = regexp.MustCompile(`(?i)large|huge|massive|open world`)
	compactPattern = regexp.MustCompile(`(?i)small|tiny|compact`)
)

var terrainSizes = map[string][]any{
	"large":  vec(420, 120, 420),
	"medium": vec(280, 80, 280),
	"small":  vec(160, 48, 160),
}

func buildTerrain(in *templateInput) (string, string, []stepSpec, error) {
	text := strings.ToLower(in.prompt)

	material := "Grass"
	switch {
	case strings.Contains(text, "desert"):
		material = "Sand"
	case containsAny(text, "snow", "ice"):
		material = "Snow"
	case strings.Contains(text, "volcan"):
		material = "Basalt"
	case strings.Contains(text, "moon"):
		material = "Slate"
	}
	if m, ok := in.str("material"); ok {
		material = m
	}

	sizeName := "medium"
	switch {
	case largePattern.MatchString(text):
		sizeName = "large"
	case compactPattern.MatchString(text):
		sizeName = "small"
	}
	if s, ok := in.str("size"); ok {
		sizeName = strings.ToLower(s)
	}
	size, ok := terrainSizes[sizeName]
	if !ok {
		return "", "", nil, fmt.Errorf("%w: size must be small, medium or large, got %q", fault.ErrValidation, sizeName)
	}

	ambient := vec(126, 139, 156)
	density, atmosphereColor := 0.28, vec(180, 210, 234)
	clock, fogEnd, fogColor := 15.4, 520.0, vec(173, 195, 224)
	switch material {
	case "Sand":
		density, atmosphereColor = 0.34, vec(248, 214, 152)
		fogEnd, fogColor = 460, vec(244, 205, 139)
	case "Snow":
		ambient = vec(174, 186, 196)
		density, atmosphereColor = 0.42, vec(214, 229, 255)
		clock, fogEnd = 11.2, 380
	}

	steps := []stepSpec{
		{
			route:   "terrain/generate-terrain",
			payload: map[string]any{"center": vec(0, 0, 0), "size": size, "material": material},
			reason:  "Generate primary terrain volume.",
		},
		{
			route:   "environment/set-lighting",
			payload: lighting(2.0, ambient, 0.05),
			reason:  "Tune global lighting for selected biome.",
		},
		{
			route:   "environment/set-atmosphere",
			payload: map[string]any{"density": density, "color": atmosphereColor},
			reason:  "Apply atmosphere to improve depth perception.",
		},
		{
			route:   "environment/set-time",
			payload: map[string]any{"clock_time": clock},
			reason:  "Set biome-friendly time of day.",
		},
		{
			route:   "environment/set-fog",
			payload: map[string]any{"fog_start": 45.0, "fog_end": fogEnd, "fog_color": fogColor},
			reason:  "Set fog range to frame terrain scale.",
		},
	}
	summary := fmt.Sprintf("Creates a %s terrain seed with matching atmosphere and lighting.", strings.ToLower(material))
	return "Terrain Generator", summary, steps, nil
}

type moodProfile struct {
	clock      float64
	brightness float64
	ambient    []any
	exposure   float64
	density    float64
	atmosphere []any
	fogStart   float64
	fogEnd     float64
	fogColor   []any
	summary    string
}

var moodProfiles = map[string]moodProfile{
	"day": {
		clock: 13.0, brightness: 2.3, ambient: vec(166, 184, 205), exposure: 0.12,
		density: 0.25, atmosphere: vec(183, 216, 247),
		fogStart: 80, fogEnd: 650, fogColor: vec(177, 209, 238),
		summary: "Clean daytime baseline for gameplay prototyping.",
	},
	"sunset": {
		clock: 18.7, brightness: 1.95, ambient: vec(165, 118, 96), exposure: -0.06,
		density: 0.39, atmosphere: vec(255, 174, 115),
		fogStart: 45, fogEnd: 430, fogColor: vec(236, 161, 116),
		summary: "Warm late-afternoon cinematic palette.",
	},
	"noir": {
		clock: 22.4, brightness: 0.95, ambient: vec(88, 94, 108), exposure: -0.32,
		density: 0.58, atmosphere: vec(123, 132, 154),
		fogStart: 18, fogEnd: 220, fogColor: vec(96, 102, 118),
		summary: "Low-key night preset with strong contrast and fog.",
	},
	"neon": {
		clock: 20.8, brightness: 1.4, ambient: vec(96, 122, 170), exposure: 0,
		density: 0.47, atmosphere: vec(111, 200, 235),
		fogStart: 30, fogEnd: 280, fogColor: vec(86, 164, 209),
		summary: "Bold synthetic look for stylized worlds.",
	},
	"storm": {
		clock: 17.2, brightness: 1.1, ambient: vec(90, 103, 121), exposure: -0.14,
		density: 0.62, atmosphere: vec(123, 145, 166),
		fogStart: 16, fogEnd: 180, fogColor: vec(115, 132, 153),
		summary: "Heavy atmosphere preset for tense scenes.",
	},
}

func buildLightingPreset(in *templateInput) (string, string, []stepSpec, error) {
	text := strings.ToLower(in.prompt)

	mood := "day"
	switch {
	case containsAny(text, "sunset", "golden"):
		mood = "sunset"
	case containsAny(text, "noir", "dark", "cinematic"):
		mood = "noir"
	case containsAny(text, "neon", "cyber"):
		mood = "neon"
	case containsAny(text, "storm", "rain", "moody"):
		mood = "storm"
	}
	if m, ok := in.str("mood"); ok {
		mood = strings.ToLower(m)
	}
	p, ok := moodProfiles[mood]
	if !ok {
		return "", "", nil, fmt.Errorf("%w: unknown mood %q", fault.ErrValidation, mood)
	}

	steps := []stepSpec{
		{
			route:   "environment/set-time",
			payload: map[string]any{"clock_time": p.clock},
			reason:  "Set mood clock time.",
		},
		{
			route:   "environment/set-lighting",
			payload: lighting(p.brightness, p.ambient, p.exposure),
			reason:  "Apply lighting profile.",
		},
		{
			route:   "environment/set-atmosphere",
			payload: map[string]any{"density": p.density, "color": p.atmosphere},
			reason:  "Apply atmosphere profile.",
		},
		{
			route:   "environment/set-fog",
			payload: map[string]any{"fog_start": p.fogStart, "fog_end": p.fogEnd, "fog_color": p.fogColor},
			reason:  "Apply fog profile.",
		},
	}
	return "Lighting Mood Presets", fmt.Sprintf("Applies %s mood preset. %s", mood, p.summary), steps, nil
}

func lighting(brightness float64, ambient []any, exposure float64) map[string]any {
	return map[string]any{
		"brightness":            brightness,
		"ambient":               ambient,
		"exposure_compensation": exposure,
	}
}
