package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Memory      MemoryConfig              `json:"memory"`
	Providers   map[string]ProviderConfig `json:"providers"`
}

type BasicConfig struct {
	ServerAddress      string `json:"server_address"`
	SecretKey          string `json:"secret_key"`
	DefaultTickLabel   string `json:"default_tick_label"`
	DefaultGenDelaySec int    `json:"default_gen_delay_sec"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// MemoryConfig selects the embedding provider backing the memory index.
// Mode "off" disables indexing and retrieval entirely.
type MemoryConfig struct {
	Mode        string `json:"mode"`
	MaxSnippets int    `json:"max_snippets"`
	Provider    string `json:"embed_provider"`
	Model       string `json:"embed_model"`
	Dim         int    `json:"embed_dim"`
	BaseURL     string `json:"embed_base_url"`
	APIKey      string `json:"embed_api_key"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	if cfg.BasicConfig.DefaultTickLabel == "" {
		cfg.BasicConfig.DefaultTickLabel = "1 month"
	}
	if cfg.BasicConfig.DefaultGenDelaySec <= 0 {
		cfg.BasicConfig.DefaultGenDelaySec = 5
	}
	if cfg.Memory.Mode == "" {
		cfg.Memory.Mode = "off"
	}
	if cfg.Memory.MaxSnippets <= 0 {
		cfg.Memory.MaxSnippets = 6
	}
	if cfg.Memory.Dim <= 0 {
		cfg.Memory.Dim = 256
	}
	return &cfg, nil
}
