package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockHeld means another owner holds the lock.
var ErrLockHeld = errors.New("lock is held by another owner")

// releaseScript deletes the lock only if it still carries our token, so an
// owner whose lock expired cannot release a lock someone else took since.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLock takes key for ttl with SET NX and returns the function that
// releases it. It fails with ErrLockHeld when the key is taken.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()

	ok, err := c.rdb.SetNX(ctx, "lock:"+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	c.logger.Debug("lock acquired", zap.String("key", key), zap.Duration("ttl", ttl))

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, c.rdb, []string{"lock:" + key}, token).Err(); err != nil {
			return fmt.Errorf("redis release lock failed: %w", err)
		}
		return nil
	}
	return release, nil
}
