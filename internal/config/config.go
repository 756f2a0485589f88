package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all toolhub configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Helper tool servers, keyed by logical name
	Servers map[string]ServerConfig `yaml:"servers"`

	// Per-call deadline for tools/call requests
	CallTimeout string `yaml:"call_timeout"`

	// Plan loop bounds
	Plan PlanConfig `yaml:"plan"`

	// Inference endpoint
	Inference InferenceConfig `yaml:"inference"`

	// Tool registry persistence
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig describes one helper tool-server subprocess.
type ServerConfig struct {
	Enabled bool     `yaml:"enabled"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`

	// Substring on stderr that signals the server is ready for tools/list.
	// Empty means the initialize response alone gates discovery.
	ReadyMarker string `yaml:"ready_marker"`

	// Handshake deadline for this server
	InitTimeout string `yaml:"init_timeout"`
}

// PlanConfig bounds the iterative plan loop.
type PlanConfig struct {
	StepLimit           int `yaml:"step_limit"`            // max completed steps
	TotalIterationLimit int `yaml:"total_iteration_limit"` // max loop iterations per plan
	StepIterationLimit  int `yaml:"step_iteration_limit"`  // max iterations without completing a step

	// SafeTools are pre-approved for automatic execution during the entry
	// decision. Anything else triggers a permission request instead of a call.
	SafeTools []string `yaml:"safe_tools"`
}

// InferenceConfig configures the model inference client.
type InferenceConfig struct {
	Provider string `yaml:"provider"` // openai, anthropic, gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// StoreConfig configures the SQLite tool registry store.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures categorized debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "toolhub",
		Version: "0.3.0",

		Servers:     map[string]ServerConfig{},
		CallTimeout: "30s",

		Plan: PlanConfig{
			StepLimit:           5,
			TotalIterationLimit: 20,
			StepIterationLimit:  5,
			SafeTools:           []string{"file-read"},
		},

		Inference: InferenceConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			BaseURL:  "https://api.openai.com/v1",
			Timeout:  "120s",
		},

		Store: StoreConfig{
			Enabled: true,
			Path:    "data/toolhub.db",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the workspace-relative config path.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".toolhub", "config.yaml")
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
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

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Inference API key from environment (checked in priority order; the
	// last matching variable wins so the explicit provider list below
	// describes ascending priority).
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Inference.APIKey = key
		c.Inference.Provider = "gemini"
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Inference.APIKey = key
		c.Inference.Provider = "openai"
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Inference.APIKey = key
		c.Inference.Provider = "anthropic"
	}

	// Explicit provider pin beats key-based detection
	if provider := os.Getenv("TOOLHUB_PROVIDER"); provider != "" {
		c.Inference.Provider = provider
	}
	if url := os.Getenv("TOOLHUB_BASE_URL"); url != "" {
		c.Inference.BaseURL = url
	}
	if model := os.Getenv("TOOLHUB_MODEL"); model != "" {
		c.Inference.Model = model
	}

	// Database path from environment
	if path := os.Getenv("TOOLHUB_DB"); path != "" {
		c.Store.Path = path
	}
}

// EnabledServers returns the enabled server names in stable order.
func (c *Config) EnabledServers() []string {
	names := make([]string, 0, len(c.Servers))
	for name, sc := range c.Servers {
		if sc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// GetCallTimeout returns the per-call deadline as a duration.
func (c *Config) GetCallTimeout() time.Duration {
	d, err := time.ParseDuration(c.CallTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetInitTimeout returns the handshake deadline for one server.
func (s ServerConfig) GetInitTimeout() time.Duration {
	d, err := time.ParseDuration(s.InitTimeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetInferenceTimeout returns the inference client timeout as a duration.
func (c *Config) GetInferenceTimeout() time.Duration {
	d, err := time.ParseDuration(c.Inference.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}
