package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/sync_test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8100" {
		t.Errorf("expected default port 8100, got %q", cfg.Port)
	}
	if cfg.WorkerCount != 8 {
		t.Errorf("expected default worker count 8, got %d", cfg.WorkerCount)
	}
	if cfg.JobMaxAttempts != 5 {
		t.Errorf("expected default max attempts 5, got %d", cfg.JobMaxAttempts)
	}
	if cfg.JobBackoffBaseMs != 2000 {
		t.Errorf("expected backoff base 2000ms, got %d", cfg.JobBackoffBaseMs)
	}
	if cfg.JobBackoffCapSec != 300 {
		t.Errorf("expected backoff cap 300s, got %d", cfg.JobBackoffCapSec)
	}
	if cfg.WebhookMaxAttempts != 10 {
		t.Errorf("expected webhook max attempts 10, got %d", cfg.WebhookMaxAttempts)
	}
	if got := cfg.AmbiguityWindow(); got != time.Second {
		t.Errorf("expected 1s ambiguity window, got %v", got)
	}
	if got := cfg.LeaseDuration(); got != 60*time.Second {
		t.Errorf("expected 60s lease, got %v", got)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/sync_test")
	t.Setenv("WORKER_COUNT", "3")
	t.Setenv("CONFLICT_AMBIGUITY_WINDOW_MS", "250")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WorkerCount != 3 {
		t.Errorf("expected worker count 3, got %d", cfg.WorkerCount)
	}
	if got := cfg.AmbiguityWindow(); got != 250*time.Millisecond {
		t.Errorf("expected 250ms window, got %v", got)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Env:            "development",
			DatabaseURL:    "postgres://localhost/sync",
			WorkerCount:    4,
			JobMaxAttempts: 5,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		sandbox bool
		wantErr string
	}{
		{"valid", func(c *Config) {}, false, ""},
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }, false, "DATABASE_URL"},
		{"sandbox skips database url", func(c *Config) { c.DatabaseURL = "" }, true, ""},
		{"production requires key", func(c *Config) { c.Env = "production" }, false, "CREDENTIAL_ENCRYPTION_KEY"},
		{"bad hex key", func(c *Config) { c.CredentialKey = "zz" }, false, "not valid hex"},
		{"short key", func(c *Config) { c.CredentialKey = "abcd" }, false, "32 bytes"},
		{"valid key", func(c *Config) {
			c.CredentialKey = strings.Repeat("ab", 32)
		}, false, ""},
		{"zero workers", func(c *Config) { c.WorkerCount = 0 }, false, "WORKER_COUNT"},
		{"zero attempts", func(c *Config) { c.JobMaxAttempts = 0 }, false, "JOB_MAX_ATTEMPTS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate(tt.sandbox)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
