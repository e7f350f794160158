// Package redis backs the cross-instance concerns of the gateway: idempotent
// creates, request rate limiting and the delivery sweep lock.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds Redis connection settings.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	// PoolSize defaults to 10.
	PoolSize int
}

func (c Config) options() *redis.Options {
	pool := c.PoolSize
	if pool <= 0 {
		pool = 10
	}
	return &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     pool,
		MinIdleConns: 2,
		PoolTimeout:  4 * time.Second,
		DialTimeout:  5 * time.Second,
		// short reads keep a slow redis from eating a request's governor budget
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

// Client is the shared go-redis handle for idempotency, rate limiting and
// sweep locks.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects and pings. The caller decides whether a failure is fatal.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(cfg.options())
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	logger.Info("redis connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Int("db", cfg.DB),
	)
	return &Client{rdb: rdb, logger: logger}, nil
}

// NewFromAddr connects without a ping. Used by tests against miniredis.
func NewFromAddr(addr string, logger *zap.Logger) *Client {
	return &Client{
		rdb:    redis.NewClient(&redis.Options{Addr: addr}),
		logger: logger,
	}
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
