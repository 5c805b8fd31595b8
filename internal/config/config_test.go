package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9724" {
		t.Fatalf("listen addr = %s", cfg.Server.ListenAddr)
	}
	if cfg.Pool.MaxReconnectAttempts != 5 || cfg.Pool.ReconnectBaseDelay != 2*time.Second {
		t.Fatalf("pool defaults = %+v", cfg.Pool)
	}
	if cfg.Flusher.Interval != time.Minute || cfg.Flusher.BatchSize != 50 {
		t.Fatalf("flusher defaults = %+v", cfg.Flusher)
	}
	if cfg.LLM.Model != "gpt-4o-mini" || cfg.LLM.APIKey != "" {
		t.Fatalf("llm defaults = %+v", cfg.LLM)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
server:
  listen_addr: ":8080"
pool:
  max_reconnect_attempts: 3
  reconnect_base_delay: 5s
flusher:
  interval: 30s
logging:
  level: debug
  pretty: true
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Fatalf("listen addr = %s", cfg.Server.ListenAddr)
	}
	if cfg.Pool.MaxReconnectAttempts != 3 || cfg.Pool.ReconnectBaseDelay != 5*time.Second {
		t.Fatalf("pool = %+v", cfg.Pool)
	}
	if cfg.Flusher.Interval != 30*time.Second {
		t.Fatalf("flusher interval = %s", cfg.Flusher.Interval)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Pretty {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	// unset fields still get defaults
	if cfg.Flusher.BatchSize != 50 {
		t.Fatalf("batch size = %d", cfg.Flusher.BatchSize)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DB_DSN", "file:/tmp/other.db")
	t.Setenv("PORT", "7000")
	t.Setenv("LLM_API_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.DSN != "file:/tmp/other.db" {
		t.Fatalf("dsn = %s", cfg.Storage.DSN)
	}
	if cfg.Server.ListenAddr != ":7000" {
		t.Fatalf("listen addr = %s", cfg.Server.ListenAddr)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("api key = %s", cfg.LLM.APIKey)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
