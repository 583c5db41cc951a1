package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/normanking/miniphi/internal/logging"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. MINIPHI_CHAT_MODEL.
const EnvPrefix = "MINIPHI"

// Config holds all miniphi configuration. It is loaded from
// ~/.miniphi/config.yaml and can be overridden by environment variables.
type Config struct {
	Backend BackendConfig  `mapstructure:"backend" yaml:"backend"`
	Chat    ChatConfig     `mapstructure:"chat" yaml:"chat"`
	Router  RouterConfig   `mapstructure:"router" yaml:"router"`
	Schemas SchemaConfig   `mapstructure:"schemas" yaml:"schemas"`
	Tracker TrackerConfig  `mapstructure:"tracker" yaml:"tracker"`
	Metrics MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Logging logging.Config `mapstructure:"logging" yaml:"logging"`
}

// BackendConfig locates the local model server.
type BackendConfig struct {
	// BaseURL is the OpenAI-compatible REST root.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// WSEndpoint is the persistent streaming binding.
	WSEndpoint string `mapstructure:"ws_endpoint" yaml:"ws_endpoint"`
	// Transport is "", "ws" or "rest". "rest" forces the REST client.
	Transport  string `mapstructure:"transport" yaml:"transport"`
	PreferREST bool   `mapstructure:"prefer_rest" yaml:"prefer_rest"`
	// DisableREST removes the REST fallback entirely.
	DisableREST      bool          `mapstructure:"disable_rest" yaml:"disable_rest"`
	APIKey           string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	CancelGrace      time.Duration `mapstructure:"cancel_grace" yaml:"cancel_grace"`
}

// ChatConfig configures the resilient chat client.
type ChatConfig struct {
	Model        string `mapstructure:"model" yaml:"model"`
	SystemPrompt string `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`
	// ContextLength of 0 uses the model preset.
	ContextLength  int           `mapstructure:"context_length" yaml:"context_length"`
	GPU            string        `mapstructure:"gpu" yaml:"gpu"`
	TTLSeconds     int           `mapstructure:"ttl_seconds" yaml:"ttl_seconds"`
	PromptTimeout  time.Duration `mapstructure:"prompt_timeout" yaml:"prompt_timeout"`
	NoTokenTimeout time.Duration `mapstructure:"no_token_timeout" yaml:"no_token_timeout"`
}

// RouterConfig configures adaptive routing across models and prompt profiles.
type RouterConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Learn applies Q updates after each call; false routes greedily on
	// the stored table without changing it.
	Learn  bool     `mapstructure:"learn" yaml:"learn"`
	Models []string `mapstructure:"models" yaml:"models"`

	// Store is file, sqlite, redis or none.
	Store        string        `mapstructure:"store" yaml:"store"`
	StatePath    string        `mapstructure:"state_path" yaml:"state_path"`
	SQLitePath   string        `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	RedisAddr    string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisKey     string        `mapstructure:"redis_key" yaml:"redis_key"`
	SaveInterval time.Duration `mapstructure:"save_interval" yaml:"save_interval"`
	MaxSteps     int           `mapstructure:"max_steps" yaml:"max_steps"`

	Alpha        float64 `mapstructure:"alpha" yaml:"alpha"`
	Gamma        float64 `mapstructure:"gamma" yaml:"gamma"`
	Epsilon      float64 `mapstructure:"epsilon" yaml:"epsilon"`
	EpsilonMin   float64 `mapstructure:"epsilon_min" yaml:"epsilon_min"`
	EpsilonDecay float64 `mapstructure:"epsilon_decay" yaml:"epsilon_decay"`

	Profiles   []ProfileConfig    `mapstructure:"profiles" yaml:"profiles,omitempty"`
	Rewards    RewardConfig       `mapstructure:"rewards" yaml:"rewards"`
	ModelCosts map[string]float64 `mapstructure:"model_costs" yaml:"model_costs,omitempty"`
}

// ProfileConfig is a prompt wrapper the router can choose.
type ProfileConfig struct {
	ID     string `mapstructure:"id" yaml:"id"`
	Label  string `mapstructure:"label" yaml:"label,omitempty"`
	Prefix string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Suffix string `mapstructure:"suffix" yaml:"suffix,omitempty"`
}

// RewardConfig weights the outcome of a routed call.
type RewardConfig struct {
	Success          float64 `mapstructure:"success" yaml:"success"`
	Failure          float64 `mapstructure:"failure" yaml:"failure"`
	Schema           float64 `mapstructure:"schema" yaml:"schema"`
	FollowUp         float64 `mapstructure:"follow_up" yaml:"follow_up"`
	ScoreWeight      float64 `mapstructure:"score_weight" yaml:"score_weight"`
	StepPenalty      float64 `mapstructure:"step_penalty" yaml:"step_penalty"`
	DefaultModelCost float64 `mapstructure:"default_model_cost" yaml:"default_model_cost"`
}

// SchemaConfig locates <id>.schema.json files.
type SchemaConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// TrackerConfig configures the prompt performance database.
type TrackerConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DBPath  string `mapstructure:"db_path" yaml:"db_path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// Default returns a Config with defaults for a server on localhost:1234.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:          "http://127.0.0.1:1234",
			WSEndpoint:       "ws://127.0.0.1:1234/llm",
			RequestTimeout:   5 * time.Minute,
			HandshakeTimeout: 5 * time.Second,
			CancelGrace:      2 * time.Second,
		},
		Chat: ChatConfig{
			Model:          "mistralai/devstral-small-2-2512",
			GPU:            "auto",
			TTLSeconds:     300,
			PromptTimeout:  5 * time.Minute,
			NoTokenTimeout: 5 * time.Minute,
		},
		Router: RouterConfig{
			Enabled:      false,
			Learn:        true,
			Models:       []string{"mistralai/devstral-small-2-2512", "microsoft/phi-4-reasoning-plus"},
			Store:        "file",
			StatePath:    "~/.miniphi/router-state.json",
			SQLitePath:   "~/.miniphi/miniphi.db",
			RedisAddr:    "127.0.0.1:6379",
			RedisKey:     "miniphi:router:state",
			SaveInterval: 15 * time.Second,
			MaxSteps:     6,
			Alpha:        0.2,
			Gamma:        0.95,
			Epsilon:      0.2,
			EpsilonMin:   0.05,
			EpsilonDecay: 0.995,
			Profiles: []ProfileConfig{
				{ID: "default", Label: "Default"},
				{ID: "strict-json", Label: "Strict JSON", Suffix: "Respond with JSON only. Do not add commentary."},
			},
			Rewards: RewardConfig{
				Success:          1.0,
				Failure:          -1.5,
				Schema:           -0.5,
				FollowUp:         -0.2,
				ScoreWeight:      0.01,
				StepPenalty:      0.1,
				DefaultModelCost: 1.0,
			},
		},
		Schemas: SchemaConfig{Dir: "~/.miniphi/schemas"},
		Tracker: TrackerConfig{Enabled: true, DBPath: "~/.miniphi/miniphi.db"},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9464"},
		Logging: logging.Config{
			Level:  "info",
			Format: logging.FormatConsole,
			File:   "~/.miniphi/logs/miniphi.log",
		},
	}
}

// DefaultPath returns ~/.miniphi/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".miniphi", "config.yaml"), nil
}

// Load reads the configuration from the default location.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads configuration from path and merges environment
// overrides. A missing file is created with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Learning parameters accept zero, so keys missing from the file are
	// defaulted here instead of in applyDefaults.
	d := Default().Router
	v.SetDefault("router.alpha", d.Alpha)
	v.SetDefault("router.gamma", d.Gamma)
	v.SetDefault("router.epsilon", d.Epsilon)
	v.SetDefault("router.epsilon_min", d.EpsilonMin)
	v.SetDefault("router.epsilon_decay", d.EpsilonDecay)

	// Example: MINIPHI_BACKEND_BASE_URL, MINIPHI_ROUTER_ENABLED
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	cfg.Router.StatePath = expandPath(cfg.Router.StatePath)
	cfg.Router.SQLitePath = expandPath(cfg.Router.SQLitePath)
	cfg.Schemas.Dir = expandPath(cfg.Schemas.Dir)
	cfg.Tracker.DBPath = expandPath(cfg.Tracker.DBPath)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	return &cfg, nil
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = d.Backend.BaseURL
	}
	if c.Backend.WSEndpoint == "" {
		c.Backend.WSEndpoint = d.Backend.WSEndpoint
	}
	if c.Chat.Model == "" {
		c.Chat.Model = d.Chat.Model
	}
	if c.Router.Store == "" {
		c.Router.Store = d.Router.Store
	}
	if c.Router.MaxSteps == 0 {
		c.Router.MaxSteps = d.Router.MaxSteps
	}
	if c.Router.SaveInterval == 0 {
		c.Router.SaveInterval = d.Router.SaveInterval
	}
	if c.Router.Rewards == (RewardConfig{}) {
		c.Router.Rewards = d.Router.Rewards
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// Save writes the configuration to the default location.
func (c *Config) Save() error {
	path, err := DefaultPath()
	if err != nil {
		return err
	}
	return c.SaveToPath(path)
}

// SaveToPath writes the configuration to path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// RouterModels returns the routed models, falling back to the chat model.
func (c *Config) RouterModels() []string {
	if len(c.Router.Models) > 0 {
		return c.Router.Models
	}
	return []string{c.Chat.Model}
}

// Validate checks the configuration for errors and inconsistencies.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Backend.Transport) {
	case "", "ws", "rest":
	default:
		return fmt.Errorf("invalid backend.transport '%s', must be ws or rest", c.Backend.Transport)
	}
	if c.Backend.DisableREST && strings.EqualFold(c.Backend.Transport, "rest") {
		return fmt.Errorf("backend.transport=rest conflicts with backend.disable_rest")
	}
	if c.Chat.Model == "" {
		return fmt.Errorf("chat.model cannot be empty")
	}
	if c.Chat.ContextLength < 0 {
		return fmt.Errorf("chat.context_length cannot be negative")
	}

	if c.Router.Enabled {
		switch c.Router.Store {
		case "file", "sqlite", "redis", "none":
		default:
			return fmt.Errorf("invalid router.store '%s', must be one of: file, sqlite, redis, none", c.Router.Store)
		}
		if c.Router.MaxSteps <= 0 {
			return fmt.Errorf("router.max_steps must be positive")
		}
		if c.Router.SaveInterval < 0 {
			return fmt.Errorf("router.save_interval cannot be negative")
		}
		if c.Router.Epsilon < 0 || c.Router.Epsilon > 1 {
			return fmt.Errorf("router.epsilon must be between 0 and 1")
		}
		seen := make(map[string]bool)
		for _, p := range c.Router.Profiles {
			if p.ID == "" {
				return fmt.Errorf("router.profiles entries need an id")
			}
			if seen[p.ID] {
				return fmt.Errorf("duplicate router profile '%s'", p.ID)
			}
			seen[p.ID] = true
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

// writeConfigFile writes cfg as YAML using the yaml struct tags.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
