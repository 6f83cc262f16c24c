// Package config loads the gateway configuration from config.yaml and
// VISIONGW_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "VISIONGW_"

// Provider types map one-to-one onto adapter variants.
const (
	ProviderTypeChat       = "chat"
	ProviderTypeFoundation = "foundation"
	ProviderTypeEndpoint   = "endpoint"
	ProviderTypeMock       = "mock"
)

// Auth schemes for provider transports.
const (
	AuthAPIKey = "api-key"
	AuthBearer = "bearer"
	AuthSigV4  = "sigv4"
	AuthNone   = "none"
)

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Log          LogConfig          `koanf:"log"`
	Image        ImageConfig        `koanf:"image"`
	Providers    []ProviderConfig   `koanf:"providers"`
	Routing      RoutingConfig      `koanf:"routing"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Storage      StorageConfig      `koanf:"storage"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

// ImageConfig bounds the payload handed to providers.
type ImageConfig struct {
	MaxBytes int64 `koanf:"max_bytes"`
	MaxSide  int   `koanf:"max_side"`
	Quality  int   `koanf:"quality"`

	// FetchURLs allows requests to reference their image by URL.
	FetchURLs    bool          `koanf:"fetch_urls"`
	FetchTimeout time.Duration `koanf:"fetch_timeout"`
}

type ProviderConfig struct {
	Name     string `koanf:"name"`
	Type     string `koanf:"type"` // chat, foundation, endpoint
	Disabled bool   `koanf:"disabled"`
	BaseURL  string `koanf:"base_url"`
	APIKey   string `koanf:"api_key"`
	Auth     string `koanf:"auth"` // api-key, bearer, sigv4, none

	// Model is the model identifier; for endpoint providers it is the endpoint name.
	Model      string `koanf:"model"`
	Deployment string `koanf:"deployment"`  // Azure-style deployment name (chat)
	APIVersion string `koanf:"api_version"` // Azure-style api-version query (chat)
	Region     string `koanf:"region"`      // SigV4 signing region
	Service    string `koanf:"service"`     // SigV4 signing service name

	Prompt       string  `koanf:"prompt"`
	SystemPrompt string  `koanf:"system_prompt"`
	MaxTokens    int     `koanf:"max_tokens"`
	Temperature  float64 `koanf:"temperature"`

	Timeout     time.Duration `koanf:"timeout"`
	MaxAttempts int           `koanf:"max_attempts"`
	BackoffBase time.Duration `koanf:"backoff_base"`

	CostPer1KInput  float64 `koanf:"cost_per_1k_input"`
	CostPer1KOutput float64 `koanf:"cost_per_1k_output"`
}

// RoutingConfig maps policy names to "provider:model" presets.
type RoutingConfig struct {
	Presets map[string]string `koanf:"presets"`
	Default string            `koanf:"default"`
}

type OrchestratorConfig struct {
	// Deadline bounds a whole fan-out; zero means no overall deadline.
	Deadline time.Duration `koanf:"deadline"`
}

type StorageConfig struct {
	Type   string        `koanf:"type"` // memory, sqlite, redis, none
	TTL    time.Duration `koanf:"ttl"`
	SQLite SQLiteConfig  `koanf:"sqlite"`
	Redis  RedisConfig   `koanf:"redis"`

	// PurgeInterval is how often expired records are swept from backends
	// without native expiry.
	PurgeInterval time.Duration `koanf:"purge_interval"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// Prompts used when a provider does not configure its own.
const (
	DefaultSystemPrompt = "Describe the image. Respond with valid JSON only, no other text: " +
		`{"caption": "one or two short sentences", "tags": ["up to five single words"]}`
	DefaultPrompt = "Summarize the image and return only the JSON object described above."
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":            8080,
	"server.request_timeout": "60s",
	"log.level":              "info",
	"image.max_bytes":        2 * 1024 * 1024,
	"image.max_side":         512,
	"image.quality":          80,
	"image.fetch_timeout":    "15s",
	"routing.default":        "cost",
	"storage.type":           "memory",
	"storage.ttl":            "24h",
	"storage.purge_interval": "10m",
	"storage.sqlite.path":    "./data/results.db",
	"storage.redis.prefix":   "vision:result:",
	"telemetry.service_name": "polyglot-vision-gateway",
}

// Load reads the file named by VISIONGW_CONFIG (default config.yaml) and
// applies environment overrides.
func Load() (*Config, error) {
	path := os.Getenv(envPrefix + "CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	return LoadFile(path)
}

// LoadFile reads path (a missing file is not an error) and applies
// environment overrides and defaults.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		if s == envPrefix+"CONFIG" {
			return ""
		}
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.applyProviderDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyProviderDefaults() {
	for i := range c.Providers {
		p := &c.Providers[i]
		p.APIKey = substituteEnvVars(p.APIKey)
		p.BaseURL = strings.TrimSuffix(substituteEnvVars(p.BaseURL), "/")

		if p.Timeout <= 0 {
			p.Timeout = 30 * time.Second
		}
		if p.MaxAttempts <= 0 {
			p.MaxAttempts = 3
		}
		if p.BackoffBase <= 0 {
			p.BackoffBase = time.Second
		}
		if p.Auth == "" {
			p.Auth = defaultAuth(*p)
		}
		if p.Type != ProviderTypeEndpoint {
			if p.Prompt == "" {
				p.Prompt = DefaultPrompt
			}
			if p.SystemPrompt == "" {
				p.SystemPrompt = DefaultSystemPrompt
			}
			if p.MaxTokens <= 0 {
				p.MaxTokens = defaultMaxTokens(p.Type)
			}
		}
		if p.Auth == AuthSigV4 && p.Service == "" {
			p.Service = defaultSigningService(p.Type)
		}
	}
}

func defaultAuth(p ProviderConfig) string {
	switch p.Type {
	case ProviderTypeChat:
		if p.Deployment != "" {
			return AuthAPIKey
		}
		return AuthBearer
	case ProviderTypeFoundation, ProviderTypeEndpoint:
		if p.APIKey != "" {
			return AuthBearer
		}
		return AuthSigV4
	}
	return AuthNone
}

func defaultMaxTokens(providerType string) int {
	if providerType == ProviderTypeFoundation {
		return 400
	}
	return 128
}

func defaultSigningService(providerType string) string {
	if providerType == ProviderTypeEndpoint {
		return "sagemaker"
	}
	return "bedrock"
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	if c.Image.MaxBytes <= 0 || c.Image.MaxSide <= 0 {
		return fmt.Errorf("image limits must be positive")
	}
	if c.Image.Quality < 1 || c.Image.Quality > 100 {
		return fmt.Errorf("image.quality must be within 1..100, got %d", c.Image.Quality)
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true

		switch p.Type {
		case ProviderTypeChat, ProviderTypeFoundation, ProviderTypeEndpoint, ProviderTypeMock:
		default:
			return fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type)
		}
		switch p.Auth {
		case AuthAPIKey, AuthBearer, AuthSigV4, AuthNone:
		default:
			return fmt.Errorf("provider %q: unknown auth %q", p.Name, p.Auth)
		}
		if p.BaseURL == "" && p.Type != ProviderTypeMock {
			return fmt.Errorf("provider %q: base_url is required", p.Name)
		}
		if p.Auth == AuthSigV4 && p.Region == "" {
			return fmt.Errorf("provider %q: region is required for sigv4", p.Name)
		}
	}

	for name, preset := range c.Routing.Presets {
		provider, _, ok := strings.Cut(preset, ":")
		if !ok || provider == "" {
			return fmt.Errorf("routing preset %q: invalid format %q (want provider:model)", name, preset)
		}
		if !seen[provider] {
			return fmt.Errorf("routing preset %q: unknown provider %q", name, provider)
		}
	}

	return nil
}

// EnabledProviders returns the enabled providers in configuration order.
func (c *Config) EnabledProviders() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		if !p.Disabled {
			out = append(out, p)
		}
	}
	return out
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
