package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Store
	StoreBackend string // "bolt" or "postgres"
	BoltPath     string

	// Database (STORE_BACKEND=postgres)
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int

	// Redis is optional; an empty host disables idempotency, rate limiting
	// and the sweep lock.
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion    string
	AWSEndpoint  string // LocalStack
	SQSQueueURL  string // event mirror, disabled when empty
	SNSRegion    string
	SESFromEmail string // mailto: targets, disabled when empty

	// Webhook pipeline
	WebhookTimeout       int // per request, seconds
	WebhookMaxAttempts   int
	WebhookSweepInterval int // seconds, 0 = sweeps only on demand
	WebhookBatchSize     int
	WebhookClaimTTL      int // seconds
	WebhookRetryBackoff  []time.Duration

	// Per-target circuit breakers
	BreakerMaxFailures     int
	BreakerRecoveryTimeout int // seconds

	RateLimitPerMinute int

	// TimeoutOverrides replaces governor limits, from
	// TIMEOUT_OVERRIDES="GRADE_GET=1000,REBUILD_INDEXES=120000" (milliseconds).
	TimeoutOverrides map[string]time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present; real
// environment variables win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		StoreBackend: "bolt",
		BoltPath:     "data/campus.db",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "campus",
		DBName:     "campus",
		DBSSLMode:  "disable",
		DBMaxConns: 10,

		RedisPort: 6379,

		AWSRegion: "us-east-1",

		WebhookTimeout:     30,
		WebhookMaxAttempts: 3,
		WebhookBatchSize:   50,
		WebhookClaimTTL:    120,

		BreakerMaxFailures:     5,
		BreakerRecoveryTimeout: 30,

		RateLimitPerMinute: 100,
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"LOG_LEVEL", &cfg.LogLevel},
		{"ENV", &cfg.Env},
		{"STORE_BACKEND", &cfg.StoreBackend},
		{"BOLT_PATH", &cfg.BoltPath},
		{"DB_HOST", &cfg.DBHost},
		{"DB_USER", &cfg.DBUser},
		{"DB_PASSWORD", &cfg.DBPassword},
		{"DB_NAME", &cfg.DBName},
		{"DB_SSLMODE", &cfg.DBSSLMode},
		{"REDIS_HOST", &cfg.RedisHost},
		{"REDIS_PASSWORD", &cfg.RedisPassword},
		{"AWS_REGION", &cfg.AWSRegion},
		{"AWS_ENDPOINT", &cfg.AWSEndpoint},
		{"SQS_QUEUE_URL", &cfg.SQSQueueURL},
		{"SNS_REGION", &cfg.SNSRegion},
		{"SES_FROM_EMAIL", &cfg.SESFromEmail},
	}
	for _, s := range strs {
		if v := os.Getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &cfg.Port},
		{"DB_PORT", &cfg.DBPort},
		{"DB_MAX_CONNS", &cfg.DBMaxConns},
		{"REDIS_PORT", &cfg.RedisPort},
		{"REDIS_DB", &cfg.RedisDB},
		{"WEBHOOK_TIMEOUT", &cfg.WebhookTimeout},
		{"WEBHOOK_MAX_ATTEMPTS", &cfg.WebhookMaxAttempts},
		{"WEBHOOK_SWEEP_INTERVAL", &cfg.WebhookSweepInterval},
		{"WEBHOOK_BATCH_SIZE", &cfg.WebhookBatchSize},
		{"WEBHOOK_CLAIM_TTL", &cfg.WebhookClaimTTL},
		{"BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures},
		{"BREAKER_RECOVERY_TIMEOUT", &cfg.BreakerRecoveryTimeout},
		{"RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", i.key, err)
		}
		*i.dst = n
	}

	if cfg.SNSRegion == "" {
		cfg.SNSRegion = cfg.AWSRegion
	}

	switch cfg.StoreBackend {
	case "bolt", "postgres":
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND: %q (want bolt or postgres)", cfg.StoreBackend)
	}

	if cfg.WebhookMaxAttempts < 1 {
		return nil, fmt.Errorf("invalid WEBHOOK_MAX_ATTEMPTS: must be at least 1")
	}

	if v := os.Getenv("WEBHOOK_RETRY_BACKOFF"); v != "" {
		backoff, err := parseBackoff(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_RETRY_BACKOFF: %w", err)
		}
		cfg.WebhookRetryBackoff = backoff
	}

	if v := os.Getenv("TIMEOUT_OVERRIDES"); v != "" {
		overrides, err := parseOverrides(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TIMEOUT_OVERRIDES: %w", err)
		}
		cfg.TimeoutOverrides = overrides
	}

	return cfg, nil
}

// RedisEnabled reports whether a Redis host is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

// parseBackoff reads a comma-separated list of Go durations, e.g. "1m,5m,15m".
func parseBackoff(v string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(v, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("backoff %s must be positive", d)
		}
		out = append(out, d)
	}
	return out, nil
}

func parseOverrides(v string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration)
	for _, pair := range strings.Split(v, ",") {
		op, ms, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || op == "" {
			return nil, fmt.Errorf("expected OP=MILLIS, got %q", pair)
		}
		n, err := strconv.Atoi(ms)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("bad milliseconds for %s: %q", op, ms)
		}
		out[op] = time.Duration(n) * time.Millisecond
	}
	return out, nil
}
