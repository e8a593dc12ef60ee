package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/studiobridge/internal/auth"
)

// FileName is the config file looked up inside a config directory.
const FileName = "config.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var validProviders = map[string]bool{"openai": true, "openrouter": true, "anthropic": true}

// Load reads and parses configuration from a file or a directory containing
// config.yaml. Unset fields keep their Defaults. When the directory carries a
// .checksums manifest, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}

	if err := verifyLock(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.Path = absPath
	cfg.State.Path = resolveRelative(filepath.Dir(absPath), cfg.State.Path)
	if catalogPath := filepath.Join(filepath.Dir(absPath), CatalogFileName); fileExists(catalogPath) {
		cfg.CatalogPath = catalogPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML over Defaults after ${VAR} interpolation. It does not
// validate.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// ResolvePath turns a file or directory argument into the absolute path of
// the config file.
func ResolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, FileName)
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but %s not found: %s", FileName, absPath)
		}
	}
	return absPath, nil
}

// DiscoverConfigDir finds the config directory by checking standard locations.
// Priority order: $STUDIOBRIDGE_CONFIG_DIR, ~/.config/studiobridge,
// /etc/studiobridge, ./config.yaml. The --config flag is handled by the caller.
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("STUDIOBRIDGE_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "studiobridge")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/studiobridge"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	if _, err := os.Stat(FileName); err == nil {
		return FileName, nil
	}

	return "", fmt.Errorf("no config found (checked: $STUDIOBRIDGE_CONFIG_DIR, ~/.config/studiobridge, /etc/studiobridge, ./%s)", FileName)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func resolveRelative(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// verifyLock checks the config file and any catalog override against the
// directory's manifest. Unlocked directories pass.
func verifyLock(path string) error {
	names := []string{filepath.Base(path), CatalogFileName}
	if err := Verify(filepath.Dir(path), names); err != nil && !errors.Is(err, ErrUnlocked) {
		return fmt.Errorf("config verification failed: %w", err)
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate performs basic validation on the configuration.
func (c *Config) Validate() error {
	if c.Service.SweepInterval <= 0 {
		return fmt.Errorf("service.sweep_interval must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", c.Service.LogLevel)
	}

	if c.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if c.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	if err := checkUnresolved("api.auth.api_key", c.API.Auth.APIKey); err != nil {
		return err
	}
	for i, tok := range c.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d].token", i)
		if tok.Token == "" {
			return fmt.Errorf("%s is required", field)
		}
		if err := checkUnresolved(field, tok.Token); err != nil {
			return err
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
		}
		if err := auth.ValidateScopes(tok.Scopes); err != nil {
			return fmt.Errorf("api.auth.tokens[%d]: %w", i, err)
		}
	}
	if c.API.RateLimit.RequestsPerMinute < 0 || c.API.RateLimit.Burst < 0 {
		return fmt.Errorf("api.rate_limit values must not be negative")
	}

	if c.Queue.LeaseTimeout <= 0 {
		return fmt.Errorf("queue.lease_timeout must be positive")
	}
	if c.Queue.MaxLimit < 1 {
		return fmt.Errorf("queue.max_limit must be at least 1")
	}
	if c.Queue.DefaultLimit < 1 || c.Queue.DefaultLimit > c.Queue.MaxLimit {
		return fmt.Errorf("queue.default_limit must be between 1 and queue.max_limit (got %d)", c.Queue.DefaultLimit)
	}
	if c.Queue.Retention < 0 {
		return fmt.Errorf("queue.retention must not be negative")
	}

	return c.validateAssistant()
}

func (c *Config) validateAssistant() error {
	a := c.Assistant
	if a.Timeout < 2*time.Second || a.Timeout > 120*time.Second {
		return fmt.Errorf("assistant.timeout must be between 2s and 120s (got %s)", a.Timeout)
	}
	if a.Temperature < 0 || a.Temperature > 1 {
		return fmt.Errorf("assistant.temperature must be between 0 and 1 (got %g)", a.Temperature)
	}
	if a.MaxCommands < 1 {
		return fmt.Errorf("assistant.max_commands must be positive")
	}

	for name, p := range a.Providers.ByName() {
		if err := checkUnresolved("assistant.providers."+name+".api_key", p.APIKey); err != nil {
			return err
		}
	}

	if a.Provider == "" {
		return nil
	}
	if !validProviders[a.Provider] {
		return fmt.Errorf("assistant.provider must be one of: openai, openrouter, anthropic (got %q)", a.Provider)
	}
	if a.Providers.ByName()[a.Provider].APIKey == "" {
		return fmt.Errorf("assistant.provider %q has no api_key configured", a.Provider)
	}
	return nil
}

// ByName indexes the providers by their config key.
func (p ProvidersConfig) ByName() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"openai":     p.OpenAI,
		"openrouter": p.OpenRouter,
		"anthropic":  p.Anthropic,
	}
}

// checkUnresolved rejects values that still hold a ${VAR} placeholder, so a
// missing secret never reaches a provider or the auth layer.
func checkUnresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if matches == nil {
		return nil
	}
	return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
}
