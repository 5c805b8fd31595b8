package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Pool      PoolConfig      `yaml:"pool"`
	Flusher   FlusherConfig   `yaml:"flusher"`
	LLM       LLMConfig       `yaml:"llm"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"` // Default: :9724
}

// StorageConfig contains SQLite settings. The same database file backs both
// the domain store and the whatsmeow session container.
type StorageConfig struct {
	DSN string `yaml:"dsn"`
}

// PoolConfig tunes the connection pool's reconnect behaviour.
type PoolConfig struct {
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // Default: 5
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`   // Default: 2s
	PairingTimeout       time.Duration `yaml:"pairing_timeout"`        // Default: 60s
}

// FlusherConfig tunes the scheduled-message sweep.
type FlusherConfig struct {
	Interval  time.Duration `yaml:"interval"`   // Default: 1m
	BatchSize int           `yaml:"batch_size"` // Default: 50
}

// LLMConfig points at an OpenAI-compatible chat completions endpoint used for
// ai_fallback rules. Leave APIKey empty to disable AI replies.
type LLMConfig struct {
	BaseURL     string        `yaml:"base_url"` // Default: https://api.openai.com/v1
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"` // Default: gpt-4o-mini
	Timeout     time.Duration `yaml:"timeout"`
	MaxTurns    int           `yaml:"max_turns"` // conversation window size
	Temperature float64       `yaml:"temperature"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Pretty bool   `yaml:"pretty"` // console writer instead of JSON
}

// Load reads configuration from an optional YAML file, then applies env
// overrides and defaults. A missing path yields a default config.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DB_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.ListenAddr = ":" + v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":9724"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "file:outreach.db?_foreign_keys=on"
	}
	if c.Pool.MaxReconnectAttempts <= 0 {
		c.Pool.MaxReconnectAttempts = 5
	}
	if c.Pool.ReconnectBaseDelay <= 0 {
		c.Pool.ReconnectBaseDelay = 2 * time.Second
	}
	if c.Pool.PairingTimeout <= 0 {
		c.Pool.PairingTimeout = 60 * time.Second
	}
	if c.Flusher.Interval <= 0 {
		c.Flusher.Interval = time.Minute
	}
	if c.Flusher.BatchSize <= 0 {
		c.Flusher.BatchSize = 50
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 30 * time.Second
	}
	if c.LLM.MaxTurns <= 0 {
		c.LLM.MaxTurns = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
