package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Backend.BaseURL != "http://127.0.0.1:1234" {
		t.Errorf("expected base url 'http://127.0.0.1:1234', got '%s'", cfg.Backend.BaseURL)
	}
	if cfg.Chat.PromptTimeout != 5*time.Minute {
		t.Errorf("expected prompt timeout 5m, got %v", cfg.Chat.PromptTimeout)
	}
	if cfg.Router.MaxSteps != 6 {
		t.Errorf("expected max steps 6, got %d", cfg.Router.MaxSteps)
	}
	if cfg.Router.SaveInterval != 15*time.Second {
		t.Errorf("expected save interval 15s, got %v", cfg.Router.SaveInterval)
	}
	if cfg.Router.Rewards.Failure != -1.5 {
		t.Errorf("expected failure reward -1.5, got %v", cfg.Router.Rewards.Failure)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), ".miniphi", "config.yaml")

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}
	if cfg.Chat.Model != Default().Chat.Model {
		t.Errorf("expected default model, got '%s'", cfg.Chat.Model)
	}
	if cfg.Backend.CancelGrace != 2*time.Second {
		t.Errorf("durations should round-trip through YAML, got %v", cfg.Backend.CancelGrace)
	}
	if len(cfg.Router.Profiles) != 2 {
		t.Errorf("expected 2 profiles, got %d", len(cfg.Router.Profiles))
	}
	if strings.HasPrefix(cfg.Router.StatePath, "~") {
		t.Errorf("state path should be expanded, got '%s'", cfg.Router.StatePath)
	}
}

func TestLoadFromPathPartialFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := "chat:\n  model: microsoft/phi-4-reasoning-plus\nrouter:\n  enabled: true\n  store: none\n"
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Chat.Model != "microsoft/phi-4-reasoning-plus" {
		t.Errorf("unexpected model '%s'", cfg.Chat.Model)
	}
	if cfg.Router.MaxSteps != 6 || cfg.Router.SaveInterval != 15*time.Second {
		t.Errorf("router defaults not applied: %+v", cfg.Router)
	}
	if cfg.Router.Rewards.Success != 1.0 {
		t.Errorf("reward defaults not applied: %+v", cfg.Router.Rewards)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("partial config should validate: %v", err)
	}
	if got := cfg.RouterModels(); len(got) != 1 || got[0] != cfg.Chat.Model {
		t.Errorf("router models should fall back to chat model, got %v", got)
	}
}

func TestLoadFromPathKeepsZeroLearningParams(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := "router:\n  epsilon: 0\n  gamma: 0\n  epsilon_min: 0\n"
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Router.Epsilon != 0 || cfg.Router.Gamma != 0 || cfg.Router.EpsilonMin != 0 {
		t.Errorf("explicit zeros should be kept: %+v", cfg.Router)
	}
	if cfg.Router.Alpha != 0.2 {
		t.Errorf("expected default alpha 0.2, got %v", cfg.Router.Alpha)
	}
	if cfg.Router.EpsilonDecay != 0.995 {
		t.Errorf("expected default epsilon decay 0.995, got %v", cfg.Router.EpsilonDecay)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := LoadFromPath(configPath); err != nil {
		t.Fatalf("failed to create config: %v", err)
	}

	t.Setenv("MINIPHI_CHAT_MODEL", "custom/model")
	t.Setenv("MINIPHI_BACKEND_TRANSPORT", "rest")
	t.Setenv("MINIPHI_LOGGING_LEVEL", "debug")

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Chat.Model != "custom/model" {
		t.Errorf("expected env model override, got '%s'", cfg.Chat.Model)
	}
	if cfg.Backend.Transport != "rest" {
		t.Errorf("expected env transport override, got '%s'", cfg.Backend.Transport)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected env log level override, got '%s'", cfg.Logging.Level)
	}
}

func TestSaveToPath(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.Chat.Model = "saved/model"
	cfg.Router.ModelCosts = map[string]float64{"saved/model": 2.5}
	if err := cfg.SaveToPath(configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	loaded, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Chat.Model != "saved/model" {
		t.Errorf("expected 'saved/model', got '%s'", loaded.Chat.Model)
	}
	if loaded.Router.ModelCosts["saved/model"] != 2.5 {
		t.Errorf("model cost not persisted: %v", loaded.Router.ModelCosts)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad transport", func(c *Config) { c.Backend.Transport = "grpc" }, "backend.transport"},
		{"rest disabled", func(c *Config) {
			c.Backend.Transport = "rest"
			c.Backend.DisableREST = true
		}, "disable_rest"},
		{"empty model", func(c *Config) { c.Chat.Model = "" }, "chat.model"},
		{"bad store", func(c *Config) {
			c.Router.Enabled = true
			c.Router.Store = "s3"
		}, "router.store"},
		{"zero steps", func(c *Config) {
			c.Router.Enabled = true
			c.Router.MaxSteps = 0
		}, "max_steps"},
		{"duplicate profile", func(c *Config) {
			c.Router.Enabled = true
			c.Router.Profiles = []ProfileConfig{{ID: "a"}, {ID: "a"}}
		}, "duplicate"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/x/y"); got != filepath.Join(home, "x/y") {
		t.Errorf("expandPath = %s", got)
	}
	if got := expandPath("/abs"); got != "/abs" {
		t.Errorf("absolute path changed: %s", got)
	}
}
