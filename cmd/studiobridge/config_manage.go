package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/studiobridge/internal/auth"
	"github.com/mattjoyce/studiobridge/internal/config"
	"github.com/mattjoyce/studiobridge/internal/doctor"
	"github.com/mattjoyce/studiobridge/internal/tui/tokenmgr"
)

type tokenCreateJSONOutput struct {
	Status     string         `json:"status"`
	Token      string         `json:"token"`
	Scopes     []string       `json:"scopes"`
	Index      int            `json:"index"`
	Written    bool           `json:"written"`
	Validation *doctor.Result `json:"validation,omitempty"`
}

func runConfigCheck(args []string) int {
	var configPath, configDir string
	var strict, jsonOut bool
	var format string

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&configDir, "config-dir", "", "Path to configuration directory")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfigForToolWithDir(configPath, configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, nil).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath, configDir string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&configDir, "config-dir", "", "Path to config directory")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	isVerbose := verbose || verboseShort

	_, dir, err := resolveConfigTarget(configPath, configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve config: %v\n", err)
		return 1
	}

	report, err := config.Lock(dir, config.LockedFiles, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config in %s: %v\n", dir, err)
		return 1
	}

	if isVerbose {
		fmt.Printf("Processing directory: %s\n", dir)
		for _, file := range report.Files {
			if file.Present {
				fmt.Printf("  HASH %s: %s\n", file.Name, file.Hash)
				continue
			}
			fmt.Printf("  SKIP %s: not found\n", file.Name)
		}
		if dryRun {
			fmt.Printf("  DRY-RUN .checksums: %s (not written)\n", report.ManifestPath)
		} else {
			fmt.Printf("  WROTE .checksums: %s\n", report.ManifestPath)
		}
	}

	if dryRun {
		fmt.Printf("Dry run completed for %s (no files written)\n", dir)
	} else {
		fmt.Printf("Successfully locked configuration in %s\n", dir)
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	configDir := fs.String("config-dir", "", "Path to configuration directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")

	flags, positionals := splitFlagsAndPositionals(args, map[string]bool{
		"--config": true, "-config": true, "--config-dir": true, "-config-dir": true,
	})
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForToolWithDir(*configPath, *configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	cfg = cfg.Redacted()

	var result any = cfg
	if len(positionals) > 0 {
		res, err := cfg.GetPath(positionals[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		result = res
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(result)
		fmt.Print(string(data))
	}
	return 0
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	configDir := fs.String("config-dir", "", "Path to configuration directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")

	flags, positionals := splitFlagsAndPositionals(args, map[string]bool{
		"--config": true, "-config": true, "--config-dir": true, "-config-dir": true,
	})
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if len(positionals) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: studiobridge config get <path> [--json]\n")
		return 1
	}

	cfg, err := loadConfigForToolWithDir(*configPath, *configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	val, err := cfg.GetPath(positionals[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(val, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("%v\n", val)
	}
	return 0
}

func runConfigSet(args []string) int {
	var configPath, configDir string
	var dryRun, apply bool

	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&configDir, "config-dir", "", "Path to configuration directory")
	fs.BoolVar(&dryRun, "dry-run", false, "Preview changes")
	fs.BoolVar(&apply, "apply", false, "Apply changes")

	var kvPair string
	var remainingArgs []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") && kvPair == "" {
			kvPair = arg
		} else {
			remainingArgs = append(remainingArgs, arg)
		}
	}

	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if kvPair == "" {
		fmt.Fprintf(os.Stderr, "Usage: studiobridge config set <path>=<value> [--dry-run | --apply]\n")
		return 1
	}
	if !dryRun && !apply {
		fmt.Fprintln(os.Stderr, "Error: either --dry-run or --apply must be specified for 'config set'.")
		return 1
	}

	path, value, _ := strings.Cut(kvPair, "=")

	cfg, err := loadConfigForToolWithDir(configPath, configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	if dryRun {
		if err := cfg.SetPath(path, value, false); err != nil {
			fmt.Fprintf(os.Stderr, "Dry-run validation failed: %v\n", err)
			return 1
		}
		fmt.Printf("Dry-run: would set %q to %q\n", path, value)
		fmt.Println("Status: Configuration check PASSED.")
		return 0
	}

	locked := config.IsLocked(filepath.Dir(cfg.Path))
	if locked {
		// SetPath would reload against the old manifest and refuse its own
		// write, so it only validates here.
		if err := cfg.SetPath(path, value, false); err != nil {
			fmt.Fprintf(os.Stderr, "Apply failed: %v\n", err)
			return 1
		}
		err := rewriteConfig(cfg.Path, func(doc map[string]any) {
			setNestedMapValue(doc, strings.Split(path, "."), parseScalarValue(value))
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Apply failed: %v\n", err)
			return 1
		}
	} else if err := cfg.SetPath(path, value, true); err != nil {
		fmt.Fprintf(os.Stderr, "Apply failed: %v\n", err)
		return 1
	}

	fmt.Printf("Successfully set %q to %q\n", path, value)
	validation, code, err := validateConfigAtPath(cfg.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation failed to run: %v\n", err)
		return 1
	}
	printValidationSummary(validation)
	return code
}

// rewriteConfig applies mutate to the YAML document at configFile. A locked
// directory gets a fresh manifest. Both files are restored if the result does
// not load.
func rewriteConfig(configFile string, mutate func(doc map[string]any)) error {
	dir := filepath.Dir(configFile)
	manifestPath := filepath.Join(dir, config.ManifestName)

	original, err := os.ReadFile(configFile)
	if err != nil {
		return err
	}
	locked := config.IsLocked(dir)
	var originalManifest []byte
	if locked {
		if originalManifest, err = os.ReadFile(manifestPath); err != nil {
			return err
		}
	}
	restore := func() {
		_ = os.WriteFile(configFile, original, 0o600)
		if locked {
			_ = os.WriteFile(manifestPath, originalManifest, 0o600)
		}
	}

	var doc map[string]any
	if err := yaml.Unmarshal(original, &doc); err != nil {
		return err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	mutate(doc)

	updated, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	if err := writeFileAtomicWithBackup(configFile, updated, 0o600); err != nil {
		return err
	}
	if locked {
		if _, err := config.Lock(dir, config.LockedFiles, false); err != nil {
			restore()
			return err
		}
	}
	if _, err := config.Load(configFile); err != nil {
		restore()
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

func runConfigToken(args []string) int {
	var configPath, configDir, scopesArg, format string
	var apply bool

	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to config file or directory")
	fs.StringVar(&configDir, "config-dir", "", "Path to config directory")
	fs.StringVar(&scopesArg, "scopes", "", "Comma-separated scopes")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&apply, "apply", false, "Append the token to api.auth.tokens")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	scopes := parseCSVScopes(scopesArg)
	if len(scopes) == 0 && isatty.IsTerminal(os.Stdin.Fd()) {
		picker := tokenmgr.New()
		if _, err := tea.NewProgram(picker).Run(); err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			return 1
		}
		scopes = picker.Scopes()
	}
	if len(scopes) == 0 {
		fmt.Fprintln(os.Stderr, "Error: --scopes is required")
		return 1
	}
	if err := auth.ValidateScopes(scopes); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid scopes: %v\n", err)
		return 1
	}
	scopes = auth.CollapseScopes(scopes)

	token, err := generateSecureToken(32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate token: %v\n", err)
		return 1
	}

	out := tokenCreateJSONOutput{Status: "generated", Token: token, Scopes: scopes, Index: -1}

	if apply {
		resolvedPath, resolvedDir, err := resolveConfigTarget(configPath, configDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Resolve config failed: %v\n", err)
			return 1
		}
		configFile := resolvedPath
		if filepath.Base(configFile) != config.FileName {
			configFile = filepath.Join(resolvedDir, config.FileName)
		}
		idx := 0
		err = rewriteConfig(configFile, func(doc map[string]any) {
			authSection := childMap(childMap(doc, "api"), "auth")
			existing, _ := authSection["tokens"].([]any)
			idx = len(existing)
			authSection["tokens"] = append(existing, map[string]any{"token": token, "scopes": scopes})
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write token: %v\n", err)
			return 1
		}
		out.Status = "success"
		out.Index = idx
		out.Written = true

		validation, code, err := validateConfigAtPath(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Validation failed to run: %v\n", err)
			return 1
		}
		out.Validation = validation
		if format == "json" {
			encoded, _ := json.MarshalIndent(out, "", "  ")
			fmt.Println(string(encoded))
			return code
		}
		fmt.Printf("Updated: %s (api.auth.tokens[%d])\n", configFile, idx)
		fmt.Printf("Token: %s\n\n", token)
		printValidationSummary(validation)
		return code
	}

	if format == "json" {
		encoded, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(encoded))
		return 0
	}
	fmt.Printf("Token: %s\n\n", token)
	fmt.Println("Add to config.yaml:")
	fmt.Println("  api:")
	fmt.Println("    auth:")
	fmt.Println("      tokens:")
	fmt.Printf("        - token: %s\n", token)
	fmt.Printf("          scopes: [%s]\n", strings.Join(scopes, ", "))
	return 0
}

func childMap(parent map[string]any, key string) map[string]any {
	if m, ok := parent[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	parent[key] = m
	return m
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	return loadConfigForToolWithDir(configPath, "")
}

func loadConfigForToolWithDir(configPath, configDir string) (*config.Config, error) {
	if configPath != "" && configDir != "" {
		return nil, fmt.Errorf("use only one of --config or --config-dir")
	}
	if configDir != "" {
		configPath = configDir
	}
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

func configDirOf(cfg *config.Config) string {
	return filepath.Dir(cfg.Path)
}

func resolveConfigTarget(configPath, configDir string) (string, string, error) {
	if configPath != "" && configDir != "" {
		return "", "", errors.New("use only one of --config or --config-dir")
	}

	target := configPath
	if configDir != "" {
		target = configDir
	}
	if target == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return "", "", err
		}
		target = discovered
	}

	absTarget, err := config.ResolvePath(target)
	if err != nil {
		return "", "", err
	}
	return absTarget, filepath.Dir(absTarget), nil
}

func validateConfigAtPath(configPath string) (*doctor.Result, int, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, 1, err
	}
	result := doctor.New(cfg, nil).Validate()
	if !result.Valid {
		return result, 1, nil
	}
	return result, 0, nil
}

func printValidationSummary(result *doctor.Result) {
	if result == nil {
		return
	}
	if !result.Valid {
		fmt.Printf("Validation: failed (%d error(s), %d warning(s))\n", len(result.Errors), len(result.Warnings))
		for _, issue := range result.Errors {
			printIssue("ERROR", issue)
		}
		for _, issue := range result.Warnings {
			printIssue("WARN ", issue)
		}
		return
	}

	if len(result.Warnings) == 0 {
		fmt.Println("Validation: ✓ All checks passed")
		return
	}
	fmt.Printf("Validation: ✓ passed with %d warning(s)\n", len(result.Warnings))
	for _, issue := range result.Warnings {
		printIssue("WARN ", issue)
	}
}

func printIssue(level string, issue doctor.Issue) {
	if issue.Field != "" {
		fmt.Printf("  %s [%s] %s: %s\n", level, issue.Category, issue.Field, issue.Message)
		return
	}
	fmt.Printf("  %s [%s] %s\n", level, issue.Category, issue.Message)
}

func writeFileAtomicWithBackup(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	if current, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".bak", current, mode); err != nil {
			return err
		}
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func setNestedMapValue(doc map[string]any, keys []string, value any) {
	current := doc
	for i, key := range keys {
		if i == len(keys)-1 {
			current[key] = value
			return
		}
		current = childMap(current, key)
	}
}

// parseScalarValue keeps YAML's own reading of a bare value, so "true" stays
// a bool and "30s" stays a string for duration decoding.
func parseScalarValue(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	switch v.(type) {
	case map[string]any, []any:
		return raw
	}
	return v
}

func parseCSVScopes(in string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, part := range strings.Split(in, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func generateSecureToken(bytesLen int) (string, error) {
	buf := make([]byte, bytesLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func splitFlagsAndPositionals(args []string, takesValue map[string]bool) ([]string, []string) {
	flags := make([]string, 0, len(args))
	positionals := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			positionals = append(positionals, arg)
			continue
		}

		flags = append(flags, arg)
		if strings.Contains(arg, "=") {
			continue
		}
		if takesValue[arg] && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}

	return flags, positionals
}

func printConfigTokenHelp() {
	fmt.Println("Usage: studiobridge config token --scopes LIST [--apply] [--config PATH | --config-dir PATH] [--format human|json]")
	fmt.Println("Generate a random API token. With --apply it is appended to api.auth.tokens.")
	fmt.Println("Without --scopes on a terminal, an interactive scope picker opens.")
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Println("  studiobridge config token --scopes worker")
	fmt.Println("  studiobridge config token --scopes \"commands:rw,assistant:rw\" --apply")
}
