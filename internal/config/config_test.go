package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "LOG_LEVEL", "ENV", "STORE_BACKEND", "REDIS_HOST", "WEBHOOK_MAX_ATTEMPTS", "WEBHOOK_RETRY_BACKOFF"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}
	if cfg.StoreBackend != "bolt" || cfg.BoltPath != "data/campus.db" {
		t.Errorf("unexpected store defaults %s %s", cfg.StoreBackend, cfg.BoltPath)
	}
	if cfg.WebhookMaxAttempts != 3 || cfg.WebhookTimeout != 30 || cfg.WebhookSweepInterval != 0 {
		t.Errorf("unexpected webhook defaults %+v", cfg)
	}
	if cfg.WebhookRetryBackoff != nil {
		t.Errorf("backoff should default to none, got %v", cfg.WebhookRetryBackoff)
	}
	if cfg.RedisEnabled() {
		t.Error("redis should be disabled without REDIS_HOST")
	}
	if cfg.SNSRegion != cfg.AWSRegion {
		t.Errorf("SNS region should fall back to AWS region, got %s", cfg.SNSRegion)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ENV", "production")
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("WEBHOOK_SWEEP_INTERVAL", "15")
	t.Setenv("WEBHOOK_RETRY_BACKOFF", "1m, 5m,15m")
	t.Setenv("TIMEOUT_OVERRIDES", "GRADE_GET=1000,REBUILD_INDEXES=120000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 || cfg.Env != "production" || cfg.StoreBackend != "postgres" {
		t.Errorf("unexpected %d %s %s", cfg.Port, cfg.Env, cfg.StoreBackend)
	}
	if !cfg.RedisEnabled() {
		t.Error("redis should be enabled")
	}
	if cfg.WebhookSweepInterval != 15 {
		t.Errorf("expected sweep interval 15, got %d", cfg.WebhookSweepInterval)
	}

	wantBackoff := []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}
	if !reflect.DeepEqual(cfg.WebhookRetryBackoff, wantBackoff) {
		t.Errorf("backoff: got %v", cfg.WebhookRetryBackoff)
	}
	if cfg.TimeoutOverrides["GRADE_GET"] != time.Second || cfg.TimeoutOverrides["REBUILD_INDEXES"] != 2*time.Minute {
		t.Errorf("overrides: got %v", cfg.TimeoutOverrides)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"PORT", "eighty", "invalid PORT"},
		{"WEBHOOK_MAX_ATTEMPTS", "0", "invalid WEBHOOK_MAX_ATTEMPTS"},
		{"STORE_BACKEND", "sqlite", "invalid STORE_BACKEND"},
		{"WEBHOOK_RETRY_BACKOFF", "1m,soon", "invalid WEBHOOK_RETRY_BACKOFF"},
		{"TIMEOUT_OVERRIDES", "GRADE_GET", "invalid TIMEOUT_OVERRIDES"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q error, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	env := "SES_FROM_EMAIL=registrar@school.test\nBOLT_PATH=/var/lib/campus.db\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600); err != nil {
		t.Fatal(err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(wd)
		_ = os.Unsetenv("SES_FROM_EMAIL")
	})

	_ = os.Unsetenv("SES_FROM_EMAIL")
	t.Setenv("BOLT_PATH", "/tmp/override.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.SESFromEmail != "registrar@school.test" {
		t.Errorf(".env value not loaded, got %q", cfg.SESFromEmail)
	}
	if cfg.BoltPath != "/tmp/override.db" {
		t.Errorf("environment should win over .env, got %q", cfg.BoltPath)
	}
}
