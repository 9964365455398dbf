// ABOUTME: Configuration loading and parsing for cogni-relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete cogni-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Assistant AssistantConfig `yaml:"assistant"`
	LLM       LLMConfig       `yaml:"llm"`
	Search    SearchConfig    `yaml:"search"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds the room/member directory database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret runs the
// relay in anonymous mode (identities taken from join payloads unverified).
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AssistantConfig holds the automated participant's tuning knobs
type AssistantConfig struct {
	// PersonaPath points at an optional persona TOML file.
	PersonaPath string `yaml:"persona_path"`

	// HistoryWindow is how many prior turns prompt assembly includes.
	HistoryWindow int `yaml:"history_window"`

	// HistoryCap bounds each room's in-memory message ring.
	HistoryCap int `yaml:"history_cap"`

	// ImmediateConfidence and MinimumConfidence are the decision engine
	// cutoffs: >= immediate generates at once, [minimum, immediate) after
	// MediumDelay, below minimum with respond=false skips. Preserved from
	// the observed product behavior, not re-derived.
	ImmediateConfidence int `yaml:"immediate_confidence"`
	MinimumConfidence   int `yaml:"minimum_confidence"`

	// MediumDelay makes medium-confidence replies feel less mechanical.
	MediumDelay time.Duration `yaml:"-"`

	MediumDelayRaw string `yaml:"medium_delay"`
}

// LLMConfig holds the chat-completions capability configuration
type LLMConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// SearchConfig holds the search capability configuration
type SearchConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	MaxResults int    `yaml:"max_results"`
	Depth      string `yaml:"depth"` // "basic" or "advanced"
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset assistant knobs with their product defaults.
func (c *Config) applyDefaults() {
	if c.Assistant.HistoryWindow == 0 {
		c.Assistant.HistoryWindow = 5
	}
	if c.Assistant.HistoryCap == 0 {
		c.Assistant.HistoryCap = 200
	}
	if c.Assistant.ImmediateConfidence == 0 {
		c.Assistant.ImmediateConfidence = 70
	}
	if c.Assistant.MinimumConfidence == 0 {
		c.Assistant.MinimumConfidence = 40
	}
	if c.Assistant.MediumDelayRaw == "" {
		c.Assistant.MediumDelay = 1500 * time.Millisecond
	}
	if c.Search.Depth == "" {
		c.Search.Depth = "basic"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Assistant.MinimumConfidence > c.Assistant.ImmediateConfidence {
		return fmt.Errorf("assistant.minimum_confidence must not exceed assistant.immediate_confidence")
	}
	if c.Search.Depth != "basic" && c.Search.Depth != "advanced" {
		return fmt.Errorf("search.depth must be %q or %q", "basic", "advanced")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Assistant.MediumDelayRaw != "" {
		d, err := time.ParseDuration(cfg.Assistant.MediumDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing medium_delay %q: %w", cfg.Assistant.MediumDelayRaw, err)
		}
		cfg.Assistant.MediumDelay = d
	}
	return nil
}
