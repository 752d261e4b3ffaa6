package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen         = ":8080"
	defaultDataDir        = "data"
	defaultRequestTimeout = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
)

// Config captures the runtime settings for the ledger daemon.
type Config struct {
	ListenAddress  string                     `yaml:"listen"`
	Env            string                     `yaml:"env"`
	DataDir        string                     `yaml:"data_dir"`
	Genesis        string                     `yaml:"genesis"`
	RequestTimeout time.Duration              `yaml:"request_timeout"`
	Paused         []string                   `yaml:"paused"`
	TLS            TLSConfig                  `yaml:"tls"`
	Auth           AuthConfig                 `yaml:"auth"`
	RateLimits     map[string]RateLimitConfig `yaml:"rate_limits"`
	Journal        JournalConfig              `yaml:"journal"`
	Idempotency    IdempotencyConfig          `yaml:"idempotency"`
	Log            LogConfig                  `yaml:"log"`
	Telemetry      TelemetryConfig            `yaml:"telemetry"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig configures bearer-token authentication. The signing secret can
// be inlined or read from the environment variable named by hmac_secret_env.
type AuthConfig struct {
	Enabled           bool   `yaml:"enabled"`
	HMACSecret        string `yaml:"hmac_secret"`
	HMACSecretEnv     string `yaml:"hmac_secret_env"`
	Issuer            string `yaml:"issuer"`
	Audience          string `yaml:"audience"`
	AdminScope        string `yaml:"admin_scope"`
	TrustCallerHeader bool   `yaml:"trust_caller_header"`
}

// RateLimitConfig is a token bucket applied per client and route group.
type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// JournalConfig selects the SQL event journal. An empty driver disables it.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// VerifyOnStart walks the digest chain before serving.
	VerifyOnStart bool `yaml:"verify_on_start"`
}

// IdempotencyConfig controls the Idempotency-Key replay store for write routes.
type IdempotencyConfig struct {
	Disabled bool          `yaml:"disabled"`
	Path     string        `yaml:"path"`
	TTL      time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type TelemetryConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
	// HeadersEnv names a variable holding extra "k=v,k2=v2" exporter headers.
	HeadersEnv  string  `yaml:"headers_env"`
	Metrics     bool    `yaml:"metrics"`
	Traces      bool    `yaml:"traces"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{ListenAddress: defaultListen}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	cfg.Genesis = strings.TrimSpace(cfg.Genesis)
	cfg.Idempotency.Path = strings.TrimSpace(cfg.Idempotency.Path)
	if cfg.Idempotency.Path == "" {
		cfg.Idempotency.Path = filepath.Join(cfg.DataDir, "idempotency.db")
	}
	if cfg.Idempotency.TTL <= 0 {
		cfg.Idempotency.TTL = defaultIdempotencyTTL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	paused := make([]string, 0, len(cfg.Paused))
	for _, module := range cfg.Paused {
		if trimmed := strings.ToLower(strings.TrimSpace(module)); trimmed != "" {
			paused = append(paused, trimmed)
		}
	}
	cfg.Paused = paused
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	cfg.Auth.normalize()
	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(cfg.Env); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	for name, limit := range cfg.RateLimits {
		if limit.RatePerSecond < 0 || limit.Burst < 0 {
			return fmt.Errorf("rate_limits.%s: values must not be negative", name)
		}
	}
	switch cfg.Journal.Driver {
	case "":
	case "sqlite", "postgres":
		if cfg.Journal.DSN == "" {
			return fmt.Errorf("journal: dsn required for driver %s", cfg.Journal.Driver)
		}
	default:
		return fmt.Errorf("journal: unsupported driver %q", cfg.Journal.Driver)
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	if (cfg.Telemetry.Metrics || cfg.Telemetry.Traces) && cfg.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry: endpoint required when exporters are enabled")
	}
	return nil
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	return nil
}

// Enabled reports whether the listener serves TLS.
func (cfg TLSConfig) Enabled() bool {
	return cfg.CertPath != "" && cfg.KeyPath != ""
}

func (cfg *AuthConfig) normalize() {
	cfg.HMACSecret = strings.TrimSpace(cfg.HMACSecret)
	cfg.HMACSecretEnv = strings.TrimSpace(cfg.HMACSecretEnv)
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	cfg.AdminScope = strings.TrimSpace(cfg.AdminScope)
}

func (cfg AuthConfig) validate(env string) error {
	if cfg.Enabled {
		if cfg.HMACSecret == "" && cfg.HMACSecretEnv == "" {
			return fmt.Errorf("hmac_secret or hmac_secret_env required when enabled")
		}
		if cfg.TrustCallerHeader {
			return fmt.Errorf("trust_caller_header cannot be combined with token auth")
		}
		return nil
	}
	if env != "dev" {
		return fmt.Errorf("token auth may only be disabled when env=dev")
	}
	return nil
}

// Secret resolves the signing secret, preferring the environment variable.
func (cfg AuthConfig) Secret() (string, error) {
	if cfg.HMACSecretEnv != "" {
		if value := strings.TrimSpace(os.Getenv(cfg.HMACSecretEnv)); value != "" {
			return value, nil
		}
		if cfg.HMACSecret == "" {
			return "", fmt.Errorf("environment variable %s is empty", cfg.HMACSecretEnv)
		}
	}
	return cfg.HMACSecret, nil
}
