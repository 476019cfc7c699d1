// Package config loads and saves the broker configuration. Resolution order
// for every setting is flag > AGENTHUB_* environment variable > config file >
// default; the flag layer lives in cmd, this package handles the rest.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// WebhookConfig holds the outbound notification settings.
type WebhookConfig struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// Config is the resolved broker configuration.
type Config struct {
	DBPath  string `json:"db_path,omitempty"`
	APIAddr string `json:"api_addr,omitempty"`
	WSAddr  string `json:"ws_addr,omitempty"`

	// Secret signs bearer tokens. Required to serve.
	Secret string `json:"secret,omitempty"`

	// TokenTTL bounds minted token lifetimes. Zero means no expiry.
	TokenTTL time.Duration `json:"-"`

	// Lifecycle thresholds; zero values take the supervisor defaults.
	ScanTick      time.Duration `json:"-"`
	StaleAfter    time.Duration `json:"-"`
	ChallengeWait time.Duration `json:"-"`
	MaxSleep      time.Duration `json:"-"`

	// Rate limiting; zero values take the limiter defaults.
	RateWindow time.Duration `json:"-"`
	RateCap    int           `json:"rate_cap,omitempty"`

	CORSOrigin string `json:"cors_origin,omitempty"`

	Webhook *WebhookConfig `json:"webhook,omitempty"`
}

// Defaults that do not live in another package.
const (
	DefaultAPIAddr = "127.0.0.1:8700"
	DefaultWSAddr  = "127.0.0.1:8701"
)

// DefaultDBPath returns the standard store location.
func DefaultDBPath() string {
	home := os.Getenv("HOME")
	if home == "" {
		return "agenthub.db"
	}
	return filepath.Join(home, ".local", "share", "agenthub", "agenthub.db")
}

func configPath() string {
	home := os.Getenv("HOME")
	if home == "" {
		return ""
	}
	return filepath.Join(home, ".config", "agenthub", "config.json")
}

// Load reads the config file, applies env overrides, and fills defaults.
// A missing file is not an error.
func Load() (*Config, error) {
	cfg := &Config{}

	if path := configPath(); path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()

	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = DefaultAPIAddr
	}
	if cfg.WSAddr == "" {
		cfg.WSAddr = DefaultWSAddr
	}
	return cfg, nil
}

// Save writes the config file, creating directories as needed. Durations are
// flag/env-only and are not persisted.
func Save(cfg *Config) error {
	path := configPath()
	if path == "" {
		return os.ErrNotExist
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AGENTHUB_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("AGENTHUB_API_ADDR"); v != "" {
		c.APIAddr = v
	}
	if v := os.Getenv("AGENTHUB_WS_ADDR"); v != "" {
		c.WSAddr = v
	}
	if v := os.Getenv("AGENTHUB_SECRET"); v != "" {
		c.Secret = v
	}
	if v := os.Getenv("AGENTHUB_CORS_ORIGIN"); v != "" {
		c.CORSOrigin = v
	}
	if v := os.Getenv("AGENTHUB_RATE_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RateCap = n
		}
	}
	if v := os.Getenv("AGENTHUB_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.TokenTTL = d
		}
	}
}
