// Package config loads and validates storyloom configuration from
// .loom/config.yaml, with environment variable overrides for API keys.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all storyloom configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Model backend configuration
	LLM LLMConfig `yaml:"llm"`

	// Embedding engine configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Durable storage
	Store StoreConfig `yaml:"store"`

	// Safety gate
	Safety SafetyConfig `yaml:"safety"`

	// Story orchestration limits
	Story StoryConfig `yaml:"story"`

	// Memory retrieval
	Memory MemoryConfig `yaml:"memory"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the model backend fallback chain.
type LLMConfig struct {
	// Ordered provider chain; the first healthy backend wins.
	Providers []ProviderConfig `yaml:"providers"`

	// Per-call timeout before the chain moves to the next backend.
	CallTimeout string `yaml:"call_timeout"`

	// Retries per backend on transient failures (429, 5xx).
	MaxRetries int `yaml:"max_retries"`
}

// ProviderConfig configures one model backend.
type ProviderConfig struct {
	Name    string `yaml:"name"` // qwen, deepseek, gemini, anthropic
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// EmbeddingConfig configures the embedding engine used by semantic memory.
type EmbeddingConfig struct {
	Engine  string `yaml:"engine"` // ollama, genai, none
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// SafetyConfig configures the safety gate.
type SafetyConfig struct {
	// When true the second-stage model check runs on every inbound turn,
	// not only on caution-list hits.
	StrictMode bool `yaml:"strict_mode"`

	// Extra blocked keywords merged with the built-in list.
	ExtraBlocked []string `yaml:"extra_blocked"`

	// Re-check generated output before it reaches the child.
	CheckOutput bool `yaml:"check_output"`
}

// StoryConfig configures world, role, and chapter limits.
type StoryConfig struct {
	// Maximum roles per world before idle eviction kicks in.
	MaxRolesPerWorld int `yaml:"max_roles_per_world"`

	// Turn count at which an open chapter is forced to close.
	ChapterTurnCap int `yaml:"chapter_turn_cap"`

	// Recent turns included verbatim in role prompts.
	TurnWindow int `yaml:"turn_window"`

	// Intent confidence below this degrades story/education to chat.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// MemoryConfig configures memory retrieval.
type MemoryConfig struct {
	// Records returned per semantic recall.
	TopK int `yaml:"top_k"`

	// Default retention for interaction-history records; 0 keeps forever.
	HistoryTTLDays int `yaml:"history_ttl_days"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "storyloom",
		Version: "0.3.0",

		LLM: LLMConfig{
			Providers: []ProviderConfig{
				{
					Name:    "qwen",
					Model:   "qwen-plus",
					BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1",
				},
				{
					Name:    "deepseek",
					Model:   "deepseek-chat",
					BaseURL: "https://api.deepseek.com/v1",
				},
			},
			CallTimeout: "30s",
			MaxRetries:  2,
		},

		Embedding: EmbeddingConfig{
			Engine:  "ollama",
			Model:   "nomic-embed-text",
			BaseURL: "http://localhost:11434",
		},

		Store: StoreConfig{
			DatabasePath: ".loom/storyloom.db",
		},

		Safety: SafetyConfig{
			StrictMode:  false,
			CheckOutput: true,
		},

		Story: StoryConfig{
			MaxRolesPerWorld:    5,
			ChapterTurnCap:      20,
			TurnWindow:          10,
			ConfidenceThreshold: 0.8,
		},

		Memory: MemoryConfig{
			TopK:           3,
			HistoryTTLDays: 30,
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load loads configuration from a YAML file. Missing file returns defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultPath returns the default path to .loom/config.yaml.
func DefaultPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return filepath.Join(".loom", "config.yaml")
	}
	return filepath.Join(cwd, ".loom", "config.yaml")
}

// applyEnvOverrides fills API keys from the environment. Keys set in the
// config file win only when the matching env var is absent.
func (c *Config) applyEnvOverrides() {
	envKeys := map[string]string{
		"qwen":      "DASHSCOPE_API_KEY",
		"deepseek":  "DEEPSEEK_API_KEY",
		"gemini":    "GEMINI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	for i := range c.LLM.Providers {
		p := &c.LLM.Providers[i]
		if env, ok := envKeys[p.Name]; ok {
			if key := os.Getenv(env); key != "" {
				p.APIKey = key
			}
		}
	}

	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.Embedding.Engine == "genai" && c.Embedding.APIKey == "" {
		c.Embedding.APIKey = key
	}

	if path := os.Getenv("STORYLOOM_DB"); path != "" {
		c.Store.DatabasePath = path
	}
}

// GetCallTimeout returns the per-call model timeout as a duration.
func (c *Config) GetCallTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.CallTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// ValidProviders lists all supported model backends.
var ValidProviders = []string{"qwen", "deepseek", "gemini", "anthropic", "openai"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.LLM.Providers) == 0 {
		return fmt.Errorf("no model providers configured")
	}

	for _, p := range c.LLM.Providers {
		valid := false
		for _, v := range ValidProviders {
			if p.Name == v {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid provider: %s (valid: %v)", p.Name, ValidProviders)
		}
		if p.APIKey == "" {
			return fmt.Errorf("provider %s has no API key (set it in config or the environment)", p.Name)
		}
	}

	if c.Story.MaxRolesPerWorld < 1 {
		return fmt.Errorf("max_roles_per_world must be at least 1")
	}
	if c.Story.ChapterTurnCap < 1 {
		return fmt.Errorf("chapter_turn_cap must be at least 1")
	}
	if c.Story.ConfidenceThreshold < 0 || c.Story.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in [0,1]")
	}
	if c.Memory.TopK < 1 {
		return fmt.Errorf("memory top_k must be at least 1")
	}

	return nil
}
