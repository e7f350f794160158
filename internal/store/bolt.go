package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// BoltBackend stores every collection and index as a bbolt bucket in a single file.
type BoltBackend struct {
	db     *bbolt.DB
	path   string
	logger *zap.Logger
}

// OpenBolt opens (or creates) the bolt file at path.
func OpenBolt(path string, logger *zap.Logger) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt file %s: %w", path, err)
	}

	logger.Info("bolt store opened", zap.String("path", path))

	return &BoltBackend{db: db, path: path, logger: logger}, nil
}

func (b *BoltBackend) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(tx *bbolt.Tx) error {
		return fn(boltTx{tx: tx})
	})
}

func (b *BoltBackend) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := fn(boltTx{tx: tx}); err != nil {
			return err
		}
		// A caller that gave up on us must not see its write land afterwards.
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("commit aborted: %w", err)
		}
		return nil
	})
}

func (b *BoltBackend) Ping(ctx context.Context) error {
	return b.View(ctx, func(Tx) error { return nil })
}

func (b *BoltBackend) Close() error {
	b.logger.Info("closing bolt store", zap.String("path", b.path))
	return b.db.Close()
}

type boltTx struct {
	tx *bbolt.Tx
}

func (t boltTx) Get(bucket, key string) ([]byte, error) {
	b := t.tx.Bucket([]byte(bucket))
	if b == nil {
		return nil, nil
	}
	v := b.Get([]byte(key))
	if v == nil {
		return nil, nil
	}
	// bolt values are only valid for the life of the transaction
	return append([]byte(nil), v...), nil
}

func (t boltTx) Put(bucket, key string, value []byte) error {
	b, err := t.tx.CreateBucketIfNotExists([]byte(bucket))
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return b.Put([]byte(key), value)
}

func (t boltTx) Delete(bucket, key string) error {
	b := t.tx.Bucket([]byte(bucket))
	if b == nil {
		return nil
	}
	return b.Delete([]byte(key))
}

func (t boltTx) Scan(bucket, prefix string, fn func(key string, value []byte) error) error {
	b := t.tx.Bucket([]byte(bucket))
	if b == nil {
		return nil
	}

	c := b.Cursor()
	p := []byte(prefix)
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		if err := fn(string(k), append([]byte(nil), v...)); err != nil {
			return err
		}
	}
	return nil
}

func (t boltTx) DropBucket(bucket string) error {
	err := t.tx.DeleteBucket([]byte(bucket))
	if errors.Is(err, bbolt.ErrBucketNotFound) {
		return nil
	}
	return err
}
