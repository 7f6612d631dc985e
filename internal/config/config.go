package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	// Credential blob encryption key, 64 hex chars (32 bytes).
	CredentialKey string `mapstructure:"CREDENTIAL_ENCRYPTION_KEY"`

	// Worker pool.
	WorkerCount       int `mapstructure:"WORKER_COUNT"`
	WorkerPollMs      int `mapstructure:"WORKER_POLL_MS"`
	LeaseSeconds      int `mapstructure:"LEASE_SECONDS"`
	AdapterTimeoutSec int `mapstructure:"ADAPTER_TIMEOUT_SECONDS"`

	// Job queue retry policy.
	JobMaxAttempts   int `mapstructure:"JOB_MAX_ATTEMPTS"`
	JobBackoffBaseMs int `mapstructure:"JOB_BACKOFF_BASE_MS"`
	JobBackoffCapSec int `mapstructure:"JOB_BACKOFF_CAP_SECONDS"`

	// Conflict resolution. CONFLICT_AUTHORITY is a comma-separated list of
	// resourceType=provider pairs naming the authoritative source per type.
	ConflictAmbiguityWindowMs int    `mapstructure:"CONFLICT_AMBIGUITY_WINDOW_MS"`
	ConflictAuthority         string `mapstructure:"CONFLICT_AUTHORITY"`

	// Webhook dispatcher.
	WebhookMaxAttempts   int `mapstructure:"WEBHOOK_MAX_ATTEMPTS"`
	WebhookBackoffBaseMs int `mapstructure:"WEBHOOK_BACKOFF_BASE_MS"`
	WebhookBackoffCapSec int `mapstructure:"WEBHOOK_BACKOFF_CAP_SECONDS"`
	WebhookPollMs        int `mapstructure:"WEBHOOK_POLL_MS"`

	// Scheduled vendor polling.
	PollIntervalSec int `mapstructure:"POLL_INTERVAL_SECONDS"`

	// Transformation batch parallelism (0 = derive from connection rate budget).
	TransformParallelism int `mapstructure:"TRANSFORM_PARALLELISM"`

	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8100")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("WORKER_COUNT", 8)
	v.SetDefault("WORKER_POLL_MS", 250)
	v.SetDefault("LEASE_SECONDS", 60)
	v.SetDefault("ADAPTER_TIMEOUT_SECONDS", 30)
	v.SetDefault("JOB_MAX_ATTEMPTS", 5)
	v.SetDefault("JOB_BACKOFF_BASE_MS", 2000)
	v.SetDefault("JOB_BACKOFF_CAP_SECONDS", 300)
	v.SetDefault("CONFLICT_AMBIGUITY_WINDOW_MS", 1000)
	v.SetDefault("CONFLICT_AUTHORITY", "MedicationOrder=epic")
	v.SetDefault("WEBHOOK_MAX_ATTEMPTS", 10)
	v.SetDefault("WEBHOOK_BACKOFF_BASE_MS", 5000)
	v.SetDefault("WEBHOOK_BACKOFF_CAP_SECONDS", 3600)
	v.SetDefault("WEBHOOK_POLL_MS", 500)
	v.SetDefault("POLL_INTERVAL_SECONDS", 300)
	v.SetDefault("TRANSFORM_PARALLELISM", 0)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"REDIS_URL", "CREDENTIAL_ENCRYPTION_KEY",
		"WORKER_COUNT", "WORKER_POLL_MS", "LEASE_SECONDS", "ADAPTER_TIMEOUT_SECONDS",
		"JOB_MAX_ATTEMPTS", "JOB_BACKOFF_BASE_MS", "JOB_BACKOFF_CAP_SECONDS",
		"CONFLICT_AMBIGUITY_WINDOW_MS", "CONFLICT_AUTHORITY",
		"WEBHOOK_MAX_ATTEMPTS", "WEBHOOK_BACKOFF_BASE_MS", "WEBHOOK_BACKOFF_CAP_SECONDS",
		"WEBHOOK_POLL_MS", "POLL_INTERVAL_SECONDS", "TRANSFORM_PARALLELISM",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CORS_ORIGINS",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// LeaseDuration returns the worker visibility timeout.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// AdapterTimeout returns the per-call timeout for vendor API calls,
// distinct from the job's overall lease.
func (c *Config) AdapterTimeout() time.Duration {
	return time.Duration(c.AdapterTimeoutSec) * time.Second
}

// AmbiguityWindow returns the conflict timestamp ambiguity window.
func (c *Config) AmbiguityWindow() time.Duration {
	return time.Duration(c.ConflictAmbiguityWindowMs) * time.Millisecond
}

// AuthorityMap parses CONFLICT_AUTHORITY into resourceType -> provider.
// Malformed entries are skipped.
func (c *Config) AuthorityMap() map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(c.ConflictAuthority, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			out[parts[0]] = parts[1]
		}
	}
	return out
}

// Validate checks that the configuration is safe to run. DATABASE_URL is
// required outside sandbox mode; in production the credential encryption key
// must be present and be a valid 32-byte hex string.
func (c *Config) Validate(sandbox bool) error {
	if !sandbox && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required (or run with --sandbox)")
	}

	if c.IsProduction() && c.CredentialKey == "" {
		return fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY is required in production")
	}
	if c.CredentialKey != "" {
		keyBytes, err := hex.DecodeString(c.CredentialKey)
		if err != nil {
			return fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount)
	}
	if c.JobMaxAttempts <= 0 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be positive, got %d", c.JobMaxAttempts)
	}

	return nil
}
