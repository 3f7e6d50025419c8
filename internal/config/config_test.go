package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"databases": {
			"sqlite3": {"dsn": "worldline.db"}
		}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasicConfig.DefaultTickLabel != "1 month" {
		t.Fatalf("tick label default %q", cfg.BasicConfig.DefaultTickLabel)
	}
	if cfg.BasicConfig.DefaultGenDelaySec != 5 {
		t.Fatalf("delay default %d", cfg.BasicConfig.DefaultGenDelaySec)
	}
	if cfg.Memory.Mode != "off" || cfg.Memory.MaxSnippets != 6 || cfg.Memory.Dim != 256 {
		t.Fatalf("memory defaults: %+v", cfg.Memory)
	}
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	path := writeConfig(t, `{
		"basic_config": {
			"server_address": ":9000",
			"default_tick_label": "1 year",
			"default_gen_delay_sec": 12
		},
		"databases": {
			"mysql": {"host": "db", "port": 3306, "username": "u", "password": "p", "db_name": "worldline"}
		},
		"memory": {"mode": "vector", "max_snippets": 4, "embed_dim": 64}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasicConfig.ServerAddress != ":9000" || cfg.BasicConfig.DefaultTickLabel != "1 year" {
		t.Fatalf("basic config: %+v", cfg.BasicConfig)
	}
	if cfg.Memory.Mode != "vector" || cfg.Memory.MaxSnippets != 4 || cfg.Memory.Dim != 64 {
		t.Fatalf("memory config: %+v", cfg.Memory)
	}
	if cfg.Databases["mysql"].Host != "db" {
		t.Fatalf("database config: %+v", cfg.Databases)
	}
}

func TestLoadRequiresDatabase(t *testing.T) {
	path := writeConfig(t, `{"basic_config": {"server_address": ":8090"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when no database is configured")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
