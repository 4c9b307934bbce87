// Package config loads the agent configuration from an optional YAML file
// with environment-variable overrides. A .env file is honored when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the runtime settings of the session agent.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Backend BackendConfig `yaml:"backend"`
	Session SessionConfig `yaml:"session"`
	Vault   VaultConfig   `yaml:"vault"`
}

// HTTPConfig configures the local UI-facing listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RateLimitPerSec int           `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
}

// BackendConfig points at the remote BBNG API.
type BackendConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	LoginPerMinute int           `yaml:"login_per_minute"`
	LoginBurst     int           `yaml:"login_burst"`
}

// SessionConfig tunes the session manager.
type SessionConfig struct {
	// DefaultRedirect is used when the backend login response carries no
	// redirect target.
	DefaultRedirect string `yaml:"default_redirect"`
}

// VaultConfig selects the credential storage backend. PGDSN wins over the
// file path when both are set.
type VaultConfig struct {
	FilePath string `yaml:"file_path"`
	PGDSN    string `yaml:"pg_dsn"`
}

// Load reads the YAML file at path (missing file is fine), applies defaults
// and environment overrides, and validates the result.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config yaml: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg = applyDefaults(cfg)
	cfg = applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg Config) Config {
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = "127.0.0.1:7420"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.RateLimitPerSec == 0 {
		cfg.HTTP.RateLimitPerSec = 20
	}
	if cfg.HTTP.RateLimitBurst == 0 {
		cfg.HTTP.RateLimitBurst = 40
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = 15 * time.Second
	}
	if cfg.Backend.LoginPerMinute == 0 {
		cfg.Backend.LoginPerMinute = 30
	}
	if cfg.Backend.LoginBurst == 0 {
		cfg.Backend.LoginBurst = 5
	}
	if cfg.Session.DefaultRedirect == "" {
		cfg.Session.DefaultRedirect = "/dashboard"
	}
	if cfg.Vault.FilePath == "" {
		cfg.Vault.FilePath = defaultVaultPath()
	}
	return cfg
}

func applyEnv(cfg Config) Config {
	if v := os.Getenv("BBNG_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("BBNG_BACKEND_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("BBNG_BACKEND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Backend.Timeout = d
		}
	}
	if v := os.Getenv("BBNG_DEFAULT_REDIRECT"); v != "" {
		cfg.Session.DefaultRedirect = v
	}
	if v := os.Getenv("BBNG_VAULT_FILE"); v != "" {
		cfg.Vault.FilePath = v
	}
	if v := os.Getenv("BBNG_PG_DSN"); v != "" {
		cfg.Vault.PGDSN = v
	}
	if v := os.Getenv("BBNG_LOGIN_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Backend.LoginPerMinute = n
		}
	}
	return cfg
}

func (cfg Config) validate() error {
	if cfg.Backend.BaseURL == "" {
		return errors.New("config: backend base URL is required (backend.base_url or BBNG_BACKEND_URL)")
	}
	// Defaults only replace zero values; a negative rate would reach
	// rate.Every and silently disable the login throttle.
	if cfg.Backend.LoginPerMinute < 0 {
		return fmt.Errorf("config: backend.login_per_minute must be positive, got %d", cfg.Backend.LoginPerMinute)
	}
	if cfg.Backend.LoginBurst < 0 {
		return fmt.Errorf("config: backend.login_burst must be positive, got %d", cfg.Backend.LoginBurst)
	}
	return nil
}

func defaultVaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "bbng-session.json"
	}
	return home + "/.bbng/session.json"
}
