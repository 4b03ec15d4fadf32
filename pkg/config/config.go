// Package config loads gateway configuration from the environment with an
// optional YAML file overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ExecutePolicy controls the pre-execute confirmation gate.
type ExecutePolicy string

const (
	PolicyOff     ExecutePolicy = "off"
	PolicyConfirm ExecutePolicy = "confirm"
	PolicyStrict  ExecutePolicy = "strict"
)

// Config holds server configuration.
type Config struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	Environment string `yaml:"environment"`

	// DatabaseURL is either a path to a sqlite file (default) or a
	// postgres:// URL.
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	// Adapter directories. BundledDir is read-only; all runtime writes go
	// to RuntimeDir.
	BundledDir string `yaml:"bundled_dir"`
	RuntimeDir string `yaml:"runtime_dir"`

	// AdapterTimeout bounds a single adapter verb invocation.
	AdapterTimeout time.Duration `yaml:"adapter_timeout"`

	// KMSKeyID selects the managed KMS key. Empty means the local mock
	// provider keyed by KMSSecret.
	KMSKeyID  string `yaml:"kms_key_id"`
	KMSSecret string `yaml:"kms_secret"`

	CORSOrigins []string `yaml:"cors_origins"`
	AdminEmails []string `yaml:"admin_emails"`

	// AdminAPIKey authenticates the bootstrap admin principal.
	AdminAPIKey   string `yaml:"admin_api_key"`
	SessionSecret string `yaml:"session_secret"`

	ExecutePolicy ExecutePolicy `yaml:"execute_policy"`

	GenerationDailyLimit int           `yaml:"generation_daily_limit"`
	GeneratorProvider    string        `yaml:"generator_provider"`
	GeneratorModel       string        `yaml:"generator_model"`
	WorkerInterval       time.Duration `yaml:"worker_interval"`
	RegistrySyncInterval time.Duration `yaml:"registry_sync_interval"`

	RateLimitRPS   int `yaml:"rate_limit_rps"`
	RateLimitBurst int `yaml:"rate_limit_burst"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`

	GitHubClientID     string `yaml:"github_client_id"`
	GitHubClientSecret string `yaml:"github_client_secret"`
	GoogleClientID     string `yaml:"google_client_id"`
	GoogleClientSecret string `yaml:"google_client_secret"`
	PublicBaseURL      string `yaml:"public_base_url"`
}

// Load builds a Config from environment variables. If AGENTGATE_CONFIG names
// a YAML file it is read first and the environment overrides it.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("AGENTGATE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.AdapterTimeout <= 0 {
		return nil, fmt.Errorf("config: adapter timeout must be positive, got %s", cfg.AdapterTimeout)
	}
	switch cfg.ExecutePolicy {
	case PolicyOff, PolicyConfirm, PolicyStrict:
	default:
		return nil, fmt.Errorf("config: unknown execute policy %q", cfg.ExecutePolicy)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:                 "8080",
		LogLevel:             "INFO",
		Environment:          "development",
		DatabaseURL:          "agentgate.db",
		BundledDir:           "adapters/bundled",
		RuntimeDir:           "adapters/runtime",
		AdapterTimeout:       30 * time.Second,
		ExecutePolicy:        PolicyOff,
		GenerationDailyLimit: 20,
		GeneratorProvider:    "anthropic",
		GeneratorModel:       "default",
		WorkerInterval:       5 * time.Second,
		RegistrySyncInterval: 0, // disabled unless configured
		RateLimitRPS:         20,
		RateLimitBurst:       40,
	}
}

func applyEnv(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setStr(&cfg.Port, "PORT")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	setStr(&cfg.Environment, "ENVIRONMENT")
	setStr(&cfg.DatabaseURL, "DATABASE_URL")
	setStr(&cfg.RedisURL, "REDIS_URL")
	setStr(&cfg.BundledDir, "ADAPTER_BUNDLED_DIR")
	setStr(&cfg.RuntimeDir, "ADAPTER_RUNTIME_DIR")
	setStr(&cfg.KMSKeyID, "KMS_KEY_ID")
	setStr(&cfg.KMSSecret, "KMS_SECRET")
	setStr(&cfg.AdminAPIKey, "ADMIN_API_KEY")
	setStr(&cfg.SessionSecret, "SESSION_SECRET")
	setStr(&cfg.GeneratorProvider, "GENERATOR_PROVIDER")
	setStr(&cfg.GeneratorModel, "GENERATOR_MODEL")
	setStr(&cfg.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setStr(&cfg.GitHubClientID, "GITHUB_CLIENT_ID")
	setStr(&cfg.GitHubClientSecret, "GITHUB_CLIENT_SECRET")
	setStr(&cfg.GoogleClientID, "GOOGLE_CLIENT_ID")
	setStr(&cfg.GoogleClientSecret, "GOOGLE_CLIENT_SECRET")
	setStr(&cfg.PublicBaseURL, "PUBLIC_BASE_URL")

	if v := os.Getenv("ADAPTER_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.AdapterTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("EXECUTE_POLICY"); v != "" {
		cfg.ExecutePolicy = ExecutePolicy(strings.ToLower(v))
	}
	if v := os.Getenv("GENERATION_DAILY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GenerationDailyLimit = n
		}
	}
	if v := os.Getenv("WORKER_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.WorkerInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("REGISTRY_SYNC_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.RegistrySyncInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitRPS = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitBurst = n
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("ADMIN_EMAILS"); v != "" {
		cfg.AdminEmails = splitList(v)
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsPostgres reports whether the configured database is postgres.
func (c *Config) IsPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}
