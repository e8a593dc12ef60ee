package config

import "time"

// Config represents the complete studiobridge configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	API       APIConfig       `yaml:"api"`
	Queue     QueueConfig     `yaml:"queue"`
	Assistant AssistantConfig `yaml:"assistant"`

	// Path is the file the configuration was loaded from.
	Path string `yaml:"-"`
	// CatalogPath is the operator catalog.yaml next to Path, if there is one.
	CatalogPath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name          string        `yaml:"name"`
	LogLevel      string        `yaml:"log_level"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen    string          `yaml:"listen"`
	Auth      APIAuthConfig   `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey grants every scope. Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a key and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Enabled reports whether any credential is configured. With none, the API is
// open.
func (a APIAuthConfig) Enabled() bool {
	return a.APIKey != "" || len(a.Tokens) > 0
}

// RateLimitConfig bounds requests per API key. A zero RequestsPerMinute
// disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// QueueConfig tunes the command queue.
type QueueConfig struct {
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
	DefaultLimit int           `yaml:"default_limit"`
	MaxLimit     int           `yaml:"max_limit"`
	// Retention prunes terminal records older than this. Zero keeps them.
	Retention time.Duration `yaml:"retention"`
}

// AssistantConfig configures plan generation.
type AssistantConfig struct {
	// Provider names the default reasoning provider. Empty means templates only.
	Provider    string          `yaml:"provider"`
	Timeout     time.Duration   `yaml:"timeout"`
	Temperature float64         `yaml:"temperature"`
	MaxCommands int             `yaml:"max_commands"`
	Providers   ProvidersConfig `yaml:"providers"`
}

// ProvidersConfig holds per-provider credentials.
type ProvidersConfig struct {
	OpenAI     ProviderConfig `yaml:"openai"`
	OpenRouter ProviderConfig `yaml:"openrouter"`
	Anthropic  ProviderConfig `yaml:"anthropic"`
}

// ProviderConfig configures one reasoning provider. A provider without an
// API key is not registered.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model,omitempty"`
	// Referer and Title are sent as OpenRouter attribution headers.
	Referer string `yaml:"referer,omitempty"`
	Title   string `yaml:"title,omitempty"`
}

// ChecksumManifest is the .checksums file format.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Defaults returns a Config with default values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:          "studiobridge",
			LogLevel:      "info",
			SweepInterval: 5 * time.Second,
		},
		State: StateConfig{
			Path: "./data/studiobridge.db",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8787",
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 600,
				Burst:             60,
			},
		},
		Queue: QueueConfig{
			LeaseTimeout: 120 * time.Second,
			DefaultLimit: 20,
			MaxLimit:     100,
		},
		Assistant: AssistantConfig{
			Timeout:     20 * time.Second,
			Temperature: 0.15,
			MaxCommands: 40,
		},
	}
}
