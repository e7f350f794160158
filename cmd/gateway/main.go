package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/api"
	"github.com/lalithlochan/campus/internal/circuitbreaker"
	"github.com/lalithlochan/campus/internal/config"
	"github.com/lalithlochan/campus/internal/db"
	"github.com/lalithlochan/campus/internal/governor"
	"github.com/lalithlochan/campus/internal/observ"
	"github.com/lalithlochan/campus/internal/redis"
	"github.com/lalithlochan/campus/internal/school"
	"github.com/lalithlochan/campus/internal/sns"
	"github.com/lalithlochan/campus/internal/sqs"
	"github.com/lalithlochan/campus/internal/store"
	"github.com/lalithlochan/campus/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting campus gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store_backend", cfg.StoreBackend),
	)

	ctx := context.Background()

	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()
	st := store.New(backend, logger)
	defer func() { _ = st.Close() }()

	repo := db.NewRepository(st, logger, cfg.WebhookMaxAttempts)
	svc := school.New(repo, logger)
	gov := governor.New(logger, cfg.TimeoutOverrides)

	// Mirror committed events to SQS
	if cfg.SQSQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.SQSQueueURL,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, events will not be mirrored", zap.Error(err))
		} else {
			repo.SetEventMirror(producer)
		}
	}

	// Redis backs idempotency, rate limiting and the sweep lock
	var (
		redisClient        *redis.Client
		idempotencyService *redis.IdempotencyService
		rateLimiter        *redis.RateLimiter
	)
	if cfg.RedisEnabled() {
		redisClient, err = redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, idempotency and rate limiting disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
			redisClient = nil
		}
	}
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
		defer redisClient.Close()
	}

	sender, breakers := buildSender(ctx, cfg, logger)

	w := worker.New(repo, sender, worker.Config{
		Interval:     time.Duration(cfg.WebhookSweepInterval) * time.Second,
		BatchSize:    cfg.WebhookBatchSize,
		ClaimTTL:     time.Duration(cfg.WebhookClaimTTL) * time.Second,
		RetryBackoff: cfg.WebhookRetryBackoff,
	}, gov, logger)
	if redisClient != nil {
		w.SetLocker(redisClient)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		w.Start(workerCtx)
	}()

	handler := api.NewHandler(logger, svc, repo)
	handler.SetSweeper(w)
	handler.SetBreakers(breakers)
	if idempotencyService != nil {
		handler.SetIdempotency(idempotencyService)
	}

	// Setup HTTP server
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     api.NewRouter(handler, gov, rateLimiter, logger),
		ReadTimeout: 15 * time.Second,
		// long enough for a triggered sweep under its governor deadline
		WriteTimeout: gov.Limit("WEBHOOK_TRIGGER") + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		workerCancel()
		select {
		case <-workerDone:
		case <-ctx.Done():
			logger.Warn("delivery sweep did not stop in time")
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// openBackend opens the bolt file or connects to postgres. The returned func
// releases what the store's own Close does not.
func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Backend, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		database, err := db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
			MaxConns: int32(cfg.DBMaxConns),
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		logger.Info("database connection established",
			zap.String("host", cfg.DBHost),
			zap.Int("port", cfg.DBPort),
			zap.String("database", cfg.DBName),
		)
		return db.NewKVBackend(database, logger), database.Close, nil
	default:
		backend, err := store.OpenBolt(cfg.BoltPath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bolt store: %w", err)
		}
		return backend, func() {}, nil
	}
}

// buildSender routes each delivery to the sender for its target scheme and
// wraps the result in per-target circuit breakers.
func buildSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (worker.Sender, *circuitbreaker.Group) {
	senders := []worker.Sender{
		worker.NewWebhookSender(logger, worker.WebhookConfig{
			Timeout: time.Duration(cfg.WebhookTimeout) * time.Second,
		}),
	}

	publisher, err := sns.NewPublisher(ctx, sns.Config{
		Region:   cfg.SNSRegion,
		Endpoint: cfg.AWSEndpoint,
	})
	if err != nil {
		logger.Warn("SNS publisher unavailable, arn:aws:sns targets disabled", zap.Error(err))
	} else {
		senders = append(senders, worker.NewSNSSender(publisher, logger))
	}

	if cfg.SESFromEmail != "" {
		sesSender, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			logger.Warn("SES sender unavailable, mailto targets disabled", zap.Error(err))
		} else {
			senders = append(senders, sesSender)
		}
	}

	if cfg.Env != "production" {
		// catch-all so unroutable targets still show up in development logs
		senders = append(senders, worker.NewLogSender(logger))
	}

	template := circuitbreaker.DefaultConfig("")
	template.MaxFailures = cfg.BreakerMaxFailures
	template.RecoveryTimeout = time.Duration(cfg.BreakerRecoveryTimeout) * time.Second
	breakers := circuitbreaker.NewGroup(template, logger)

	logger.Info("initialized webhook senders",
		zap.Int("senders", len(senders)),
		zap.Int("breaker_max_failures", template.MaxFailures),
	)

	return circuitbreaker.NewProtectedSender(worker.NewMultiSender(logger, senders...), breakers, logger), breakers
}
