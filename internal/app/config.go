package app

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Provider      string `yaml:"provider"` // "openai" or "anthropic"
	APIKey        string `yaml:"api_key"`
	BaseURL       string `yaml:"base_url"`
	Model         string `yaml:"model"`
	MaxTokens     int    `yaml:"max_tokens"`
	TimeoutMs     int    `yaml:"timeout_ms"`
	MaxRetries    int    `yaml:"max_retries"`
	ContextWindow int    `yaml:"context_window"`
	DefaultMode   string `yaml:"mode"`
	StorageRoot   string `yaml:"storage_root"`
}

func DefaultConfig() Config {
	return Config{
		Provider:    "openai",
		Model:       "gpt-4o-mini",
		MaxTokens:   4096,
		TimeoutMs:   60_000,
		MaxRetries:  3,
		DefaultMode: string(ModePlan),
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultConfigPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	// Environment overrides, useful in CI and containers.
	if v := strings.TrimSpace(os.Getenv("TANDEM_API_KEY")); v != "" {
		cfg.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("TANDEM_BASE_URL")); v != "" {
		cfg.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TANDEM_MODEL")); v != "" {
		cfg.Model = v
	}

	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 60_000
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}
	if _, ok := ParseMode(cfg.DefaultMode); !ok {
		cfg.DefaultMode = string(ModePlan)
	}
	if strings.TrimSpace(cfg.StorageRoot) == "" {
		cfg.StorageRoot = DefaultStorageRoot()
	}
	return cfg, nil
}

func SaveConfig(cfg Config, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	if path == "" {
		return errors.New("no config path available")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "tandem", "config.yml")
}

// DefaultStorageRoot prefers the XDG data dir and falls back to the home
// directory, then the temp dir.
func DefaultStorageRoot() string {
	if base := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); base != "" {
		return filepath.Join(base, "tandem")
	}
	if base, err := os.UserHomeDir(); err == nil && base != "" {
		return filepath.Join(base, ".local", "share", "tandem")
	}
	return filepath.Join(os.TempDir(), "tandem")
}
