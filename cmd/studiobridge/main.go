package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/studiobridge/internal/api"
	"github.com/mattjoyce/studiobridge/internal/auth"
	"github.com/mattjoyce/studiobridge/internal/catalog"
	"github.com/mattjoyce/studiobridge/internal/config"
	"github.com/mattjoyce/studiobridge/internal/dispatch"
	"github.com/mattjoyce/studiobridge/internal/events"
	"github.com/mattjoyce/studiobridge/internal/executor"
	"github.com/mattjoyce/studiobridge/internal/inspect"
	"github.com/mattjoyce/studiobridge/internal/llm"
	"github.com/mattjoyce/studiobridge/internal/lock"
	"github.com/mattjoyce/studiobridge/internal/log"
	"github.com/mattjoyce/studiobridge/internal/planner"
	"github.com/mattjoyce/studiobridge/internal/queue"
	"github.com/mattjoyce/studiobridge/internal/scene"
	"github.com/mattjoyce/studiobridge/internal/scheduler"
	"github.com/mattjoyce/studiobridge/internal/storage"
	"github.com/mattjoyce/studiobridge/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const eventHubCapacity = 256

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "command":
		return runCommandNoun(args)

	case "start":
		return runStart(args)
	case "inspect":
		return runInspect(args)
	case "doctor":
		return runConfigCheck(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: studiobridge version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("studiobridge %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalized
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`studiobridge - command queue and assistant bridge for a 3D scene editor

Usage:
  studiobridge <noun> <action> [flags]

Core Resources (Nouns):
  system    Bridge lifecycle and health
  config    Configuration and integrity
  command   Queued editor commands

System Commands:
  system start      Start the bridge in the foreground
  system status     Check config, database and instance lock
  system watch      Real-time monitoring TUI

Config Commands:
  config lock       Authorize current state (update integrity hashes)
  config check      Validate syntax, exposure, and integrity
  config show       Show the resolved configuration
  config get        Read one value
  config set        Change one value (--dry-run | --apply)
  config token      Generate a scoped API token

Command Commands:
  command inspect <id>  Show record, history, and sibling plan steps

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'studiobridge <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	case "help":
		printSystemNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	case "set":
		if hasHelpFlag(actionArgs) {
			printConfigSetHelp()
			return 0
		}
		return runConfigSet(actionArgs)
	case "token":
		if hasHelpFlag(actionArgs) {
			printConfigTokenHelp()
			return 0
		}
		return runConfigToken(actionArgs)
	case "help":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runCommandNoun(args []string) int {
	if len(args) < 1 {
		printCommandNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printCommandNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "inspect", "get":
		if hasHelpFlag(actionArgs) {
			printCommandInspectHelp()
			return 0
		}
		return runInspect(actionArgs)
	case "help":
		printCommandNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: studiobridge system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: studiobridge config <action> [flags]")
	fmt.Fprintln(w, "Actions: lock, check, show, get, set, token")
}

func printCommandNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: studiobridge command <action>")
	fmt.Fprintln(w, "Actions: inspect")
}

func printSystemStartHelp() {
	fmt.Println("Usage: studiobridge system start [--config PATH]")
	fmt.Println("Start the bridge API and lease sweeper in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: studiobridge system status [--config PATH] [--json]")
	fmt.Println("Check config load, config integrity, database readiness, and the instance lock.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: studiobridge system watch [flags]")
	fmt.Println()
	fmt.Println("Real-time monitoring TUI.")
	fmt.Println("Shows bridge health, queue stats, tracked commands, and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Bridge API URL (default: http://127.0.0.1:8787)")
	fmt.Println("  --api-key KEY    API key (or STUDIOBRIDGE_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  r                Refresh health and stats")
	fmt.Println("  ↑/↓, k/j         Scroll commands")
}

func printConfigLockHelp() {
	fmt.Println("Usage: studiobridge config lock [--config PATH | --config-dir PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Authorize current configuration state by regenerating integrity hashes.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: studiobridge config check [--config PATH | --config-dir PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration syntax, exposure, credentials, and integrity.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: studiobridge config show [entity] [--config PATH | --config-dir PATH] [--json]")
	fmt.Println("Show the resolved configuration, secrets masked, or a single section.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: studiobridge config get <path> [--config PATH | --config-dir PATH] [--json]")
	fmt.Println("Read a single value from the resolved configuration.")
}

func printConfigSetHelp() {
	fmt.Println("Usage: studiobridge config set <path>=<value> [--config PATH | --config-dir PATH] [--dry-run | --apply]")
	fmt.Println("Set a configuration value with either preview or apply mode.")
}

func printCommandInspectHelp() {
	fmt.Println("Usage: studiobridge command inspect <command_id> [--config PATH] [--json]")
	fmt.Println("Show a command record, its state history, and the other steps of its plan.")
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("studiobridge starting", "version", version, "config", cfg.Path)

	pidLockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	cat, err := loadCatalog(cfg)
	if err != nil {
		logger.Error("failed to load route catalog", "path", cfg.CatalogPath, "error", err)
		return 1
	}
	if cfg.CatalogPath != "" {
		logger.Info("using catalog override", "path", cfg.CatalogPath, "routes", len(cat.List()))
	}

	b := newBridge(cfg, db, cat, http.DefaultClient)
	logger.Info("assistant ready", "providers", b.planner.Providers(), "default", cfg.Assistant.Provider)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := b.scheduler.Run(gctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := b.server.Start(gctx); err != nil {
			return fmt.Errorf("api: %w", err)
		}
		return nil
	})

	logger.Info("studiobridge running (press Ctrl+C to stop)", "listen", cfg.API.Listen)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("component failed", "error", err)
		return 1
	}

	logger.Info("studiobridge stopped")
	return 0
}

// bridge holds the wired components of a running service.
type bridge struct {
	queue     *queue.Queue
	scene     *scene.Store
	hub       *events.Hub
	dispatch  *dispatch.Service
	planner   *planner.Planner
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	server    *api.Server
}

// loadCatalog returns the config directory's catalog.yaml when present and
// the built-in catalog otherwise.
func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.CatalogPath == "" {
		return catalog.Default(), nil
	}
	return catalog.LoadFile(cfg.CatalogPath)
}

func newBridge(cfg *config.Config, db *sql.DB, cat *catalog.Catalog, httpClient *http.Client) *bridge {
	b := &bridge{
		queue: queue.New(db, cat,
			queue.WithLeaseTimeout(cfg.Queue.LeaseTimeout),
			queue.WithRetention(cfg.Queue.Retention),
		),
		scene: scene.NewStore(db),
		hub:   events.NewHub(eventHubCapacity),
	}
	b.dispatch = dispatch.New(b.queue, b.scene, b.hub)
	b.planner = planner.New(
		planner.NewTemplateGenerator(cat),
		modelGenerators(cfg.Assistant, cat, httpClient),
		strings.ToLower(strings.TrimSpace(cfg.Assistant.Provider)),
		b.scene,
	)
	b.executor = executor.New(b.dispatch, cat, b.hub)
	b.scheduler = scheduler.New(cfg.Service.SweepInterval, b.queue, b.hub, log.Get())

	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{
			Token:  t.Token,
			Scopes: t.Scopes,
		})
	}
	b.server = api.New(api.Config{
		Listen:            cfg.API.Listen,
		APIKey:            cfg.API.Auth.APIKey,
		Tokens:            tokens,
		RequestsPerMinute: cfg.API.RateLimit.RequestsPerMinute,
		Burst:             cfg.API.RateLimit.Burst,
		DefaultPullLimit:  cfg.Queue.DefaultLimit,
		MaxPullLimit:      cfg.Queue.MaxLimit,
	}, api.Deps{
		Dispatch: b.dispatch,
		Queue:    b.queue,
		Catalog:  cat,
		Planner:  b.planner,
		Executor: b.executor,
		Scene:    b.scene,
		Events:   b.hub,
	}, log.WithComponent("api"))

	return b
}

// modelGenerators registers a generator for every provider with an API key.
func modelGenerators(a config.AssistantConfig, cat *catalog.Catalog, httpClient *http.Client) map[string]planner.Generator {
	out := make(map[string]planner.Generator)
	for name, pc := range a.Providers.ByName() {
		if pc.APIKey == "" {
			continue
		}
		var (
			provider llm.Provider
			model    = pc.Model
		)
		switch name {
		case "openai":
			provider = llm.NewOpenAI(httpClient, llm.OpenAIConfig{BaseURL: pc.BaseURL, APIKey: pc.APIKey})
			if model == "" {
				model = llm.DefaultOpenAIModel
			}
		case "openrouter":
			provider = llm.NewOpenRouter(httpClient, pc.BaseURL, pc.APIKey, pc.Referer, pc.Title)
			if model == "" {
				model = llm.DefaultOpenRouterModel
			}
		case "anthropic":
			provider = llm.NewAnthropic(httpClient, pc.BaseURL, pc.APIKey)
			if model == "" {
				model = llm.DefaultAnthropicModel
			}
		default:
			continue
		}
		temperature := a.Temperature
		out[name] = planner.NewModelGenerator(provider, cat, planner.ModelConfig{
			Model:       model,
			Temperature: &temperature,
			Timeout:     a.Timeout,
			MaxCommands: a.MaxCommands,
		})
	}
	return out
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8787", "Bridge API URL")
	apiKey := fs.String("api-key", os.Getenv("STUDIOBRIDGE_API_KEY"), "API key")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := watch.New(*apiURL, *apiKey)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runInspect(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output report in JSON")

	// The id may come before or after the flags.
	flags, positionals := splitFlagsAndPositionals(args, map[string]bool{"--config": true, "-config": true})
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: studiobridge command inspect <command_id> [--config PATH] [--json]\n")
		return 1
	}
	commandID := positionals[0]

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	q := queue.New(db, catalog.Default())
	var report string
	if jsonOut {
		report, err = inspect.BuildJSONReport(ctx, db, q, commandID)
		report += "\n"
	} else {
		report, err = inspect.BuildReport(ctx, db, q, commandID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	fmt.Print(report)
	return 0
}

type statusCheck struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail"`
	ActivePID int    `json:"active_pid,omitempty"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	Config  string        `json:"config,omitempty"`
	Checks  []statusCheck `json:"checks"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := buildStatusReport(*configPath)

	if *jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else {
		for _, c := range report.Checks {
			result := "OK"
			if !c.OK {
				result = "FAIL"
			}
			fmt.Printf("%s: %s (%s)\n", c.Name, result, c.Detail)
		}
	}

	if !report.Healthy {
		return 1
	}
	return 0
}

func buildStatusReport(configPath string) statusReport {
	report := statusReport{Checks: make([]statusCheck, 0, 4)}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		detail := "config not loaded"
		report.Checks = append(report.Checks,
			statusCheck{Name: "config_load", Detail: err.Error()},
			statusCheck{Name: "config_integrity", Detail: detail},
			statusCheck{Name: "state_db", Detail: detail},
			statusCheck{Name: "pid_lock", Detail: detail},
		)
		return report
	}
	report.Config = cfg.Path
	report.Checks = append(report.Checks, statusCheck{Name: "config_load", OK: true, Detail: cfg.Path})
	report.Checks = append(report.Checks, integrityCheck(cfg))
	report.Checks = append(report.Checks, stateDBCheck(cfg))
	report.Checks = append(report.Checks, pidLockCheck(cfg))

	report.Healthy = true
	for _, c := range report.Checks {
		if !c.OK {
			report.Healthy = false
		}
	}
	return report
}

func integrityCheck(cfg *config.Config) statusCheck {
	c := statusCheck{Name: "config_integrity"}
	dir := configDirOf(cfg)
	err := config.Verify(dir, config.LockedFiles)
	if errors.Is(err, config.ErrUnlocked) {
		c.OK = true
		c.Detail = "unlocked"
		return c
	}
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	c.OK = true
	c.Detail = "locked, hashes match"
	return c
}

func stateDBCheck(cfg *config.Config) statusCheck {
	c := statusCheck{Name: "state_db"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	defer db.Close()

	depth, err := queue.New(db, catalog.Default()).Depth(ctx)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	c.OK = true
	c.Detail = fmt.Sprintf("%s (%d pending)", cfg.State.Path, depth)
	return c
}

// pidLockCheck passes when no bridge holds the lock, which is the state
// required before `system start`.
func pidLockCheck(cfg *config.Config) statusCheck {
	c := statusCheck{Name: "pid_lock"}
	path := lock.PathFor(cfg.State.Path)

	l, err := lock.AcquirePIDLock(path)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			c.ActivePID = held.PID
			c.Detail = fmt.Sprintf("held by pid %d", held.PID)
			return c
		}
		c.Detail = err.Error()
		return c
	}
	_ = l.Release()
	c.OK = true
	c.Detail = "free"
	return c
}
