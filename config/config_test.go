package config

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "zero workers",
			mutate: func(cfg *Config) {
				cfg.Workers = 0
			},
			wantErr: "workers",
		},
		{
			name: "negative rate limit",
			mutate: func(cfg *Config) {
				cfg.RateLimit = -1
			},
			wantErr: "rate limit",
		},
		{
			name: "zero breaker threshold",
			mutate: func(cfg *Config) {
				cfg.BreakerThreshold = 0
			},
			wantErr: "breaker threshold",
		},
		{
			name: "negative timeout",
			mutate: func(cfg *Config) {
				cfg.Timeout = -1 * time.Second
			},
			wantErr: "timeout",
		},
		{
			name: "negative max body size",
			mutate: func(cfg *Config) {
				cfg.MaxBodySize = -1
			},
			wantErr: "max body size",
		},
		{
			name: "backoff above max",
			mutate: func(cfg *Config) {
				cfg.RetryBackoff = 5 * time.Second
				cfg.RetryBackoffMax = time.Second
			},
			wantErr: "retry backoff",
		},
		{
			name: "unknown format",
			mutate: func(cfg *Config) {
				cfg.OutputFormat = "xml"
			},
			wantErr: "output format",
		},
		{
			name: "dual without file",
			mutate: func(cfg *Config) {
				cfg.OutputFormat = "dual"
				cfg.OutputFile = ""
			},
			wantErr: "dual output",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
			if !IsConfigError(err) {
				t.Fatalf("expected ConfigError, got %T", err)
			}
		})
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
	if cfg.RateLimit != 5 || cfg.RateWindow != time.Second {
		t.Fatalf("rate defaults = %d per %s, want 5 per 1s", cfg.RateLimit, cfg.RateWindow)
	}
	if cfg.BreakerThreshold != 5 || cfg.BreakerCooldown != 30*time.Second {
		t.Fatalf("breaker defaults = %d/%s, want 5/30s", cfg.BreakerThreshold, cfg.BreakerCooldown)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("AGG_TEST_INT", "12")
	t.Setenv("AGG_TEST_BAD", "twelve")
	t.Setenv("AGG_TEST_DURATION", "45s")
	t.Setenv("AGG_TEST_BLANK", "  ")

	if v, ok, err := EnvInt("AGG_TEST_INT"); err != nil || !ok || v != 12 {
		t.Fatalf("EnvInt = %d, %v, %v", v, ok, err)
	}
	if _, ok, err := EnvInt("AGG_TEST_BAD"); err == nil || !ok {
		t.Fatalf("EnvInt on bad value should fail, got ok=%v err=%v", ok, err)
	}
	if _, ok, _ := EnvInt("AGG_TEST_MISSING"); ok {
		t.Fatalf("missing variable should not be ok")
	}
	if v, ok, err := EnvDuration("AGG_TEST_DURATION"); err != nil || !ok || v != 45*time.Second {
		t.Fatalf("EnvDuration = %s, %v, %v", v, ok, err)
	}
	if _, ok := EnvString("AGG_TEST_BLANK"); ok {
		t.Fatalf("blank variable should not be ok")
	}
}
