package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xxxsen/common/logger"
)

const (
	EnvDatabasePath = "DATABASE_PATH"

	DefaultListen              = "0.0.0.0:4567"
	DefaultDatabasePath        = "sqlite::memory:"
	DefaultUpstreamBaseURL     = "https://api.openai.com:443"
	DefaultEmbeddingsTimeoutMS = 2000
	DefaultLRUSize             = 10000
	DefaultStatsCron           = "*/5 * * * *"
)

type Config struct {
	Listen        string           `json:"listen"`
	DatabasePath  string           `json:"database_path"`
	Upstream      UpstreamConfig   `json:"upstream"`
	Embeddings    EmbeddingsConfig `json:"embeddings"`
	CORSAllowlist []string         `json:"cors_allowlist"`
	StatsCron     string           `json:"stats_cron"`
	LogConfig     logger.LogConfig `json:"log_config"`
}

type UpstreamConfig struct {
	BaseURL             string `json:"base_url"`
	EmbeddingsTimeoutMS int    `json:"embeddings_timeout_ms"`
}

type EmbeddingsConfig struct {
	// LRUSize <= 0 disables the in-process tier. A pointer keeps an explicit
	// 0 in the file distinguishable from an absent key.
	LRUSize      *int `json:"lru_size"`
	DedupeMisses bool `json:"dedupe_misses"`
}

// Load reads the JSON config at path. An empty path yields the defaults.
// DATABASE_PATH from the environment wins over the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if v, ok := os.LookupEnv(EnvDatabasePath); ok && strings.TrimSpace(v) != "" {
		cfg.DatabasePath = strings.TrimSpace(v)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.DatabasePath == "" {
		c.DatabasePath = DefaultDatabasePath
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultUpstreamBaseURL
	}
	if c.Upstream.EmbeddingsTimeoutMS < 0 {
		return fmt.Errorf("upstream.embeddings_timeout_ms must not be negative")
	}
	if c.Upstream.EmbeddingsTimeoutMS == 0 {
		c.Upstream.EmbeddingsTimeoutMS = DefaultEmbeddingsTimeoutMS
	}
	if c.Embeddings.LRUSize == nil {
		size := DefaultLRUSize
		c.Embeddings.LRUSize = &size
	}
	if c.StatsCron == "" {
		c.StatsCron = DefaultStatsCron
	}
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	return nil
}

func (c *Config) LRUSize() int {
	if c.Embeddings.LRUSize == nil {
		return 0
	}
	return *c.Embeddings.LRUSize
}
