package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/store"
)

// maxTxAttempts bounds how often a serializable transaction is retried after
// postgres reports a serialization failure.
const maxTxAttempts = 5

// KVBackend keeps the entity store in the kv_entries table so several gateway
// instances can share one store.
type KVBackend struct {
	db     *DB
	logger *zap.Logger
}

// NewKVBackend creates a store backend on an open pool.
func NewKVBackend(db *DB, logger *zap.Logger) *KVBackend {
	return &KVBackend{db: db, logger: logger}
}

func (b *KVBackend) View(ctx context.Context, fn func(store.Tx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	return pgx.BeginTxFunc(ctx, b.db.Pool(), opts, func(tx pgx.Tx) error {
		return fn(&pgTx{ctx: ctx, tx: tx})
	})
}

// Update runs fn in a SERIALIZABLE transaction, retrying on serialization
// failures. fn may therefore run more than once and must not keep state
// between runs.
func (b *KVBackend) Update(ctx context.Context, fn func(store.Tx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.Serializable}

	for attempt := 1; ; attempt++ {
		err := pgx.BeginTxFunc(ctx, b.db.Pool(), opts, func(tx pgx.Tx) error {
			if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("commit aborted: %w", err)
			}
			return nil
		})
		if err == nil || !isSerializationFailure(err) || attempt >= maxTxAttempts {
			return err
		}

		b.logger.Debug("retrying serializable transaction",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}

func (b *KVBackend) Ping(ctx context.Context) error {
	return b.db.Health(ctx)
}

// Close is a no-op: the pool belongs to the DB and is closed with it.
func (b *KVBackend) Close() error {
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// 40001 serialization_failure, 40P01 deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *pgTx) Get(bucket, key string) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRow(t.ctx,
		`SELECT value FROM kv_entries WHERE bucket = $1 AND key = $2`,
		bucket, []byte(key),
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return value, nil
}

func (t *pgTx) Put(bucket, key string, value []byte) error {
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO kv_entries (bucket, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (bucket, key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = NOW()
	`, bucket, []byte(key), value)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (t *pgTx) Delete(bucket, key string) error {
	_, err := t.tx.Exec(t.ctx,
		`DELETE FROM kv_entries WHERE bucket = $1 AND key = $2`,
		bucket, []byte(key),
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Scan reads the matching rows before calling fn so fn can issue its own
// statements on the same transaction.
func (t *pgTx) Scan(bucket, prefix string, fn func(key string, value []byte) error) error {
	p := []byte(prefix)
	rows, err := t.tx.Query(t.ctx, `
		SELECT key, value FROM kv_entries
		WHERE bucket = $1 AND substring(key FROM 1 FOR length($2::bytea)) = $2::bytea
		ORDER BY key
	`, bucket, p)
	if err != nil {
		return fmt.Errorf("scan %s: %w", bucket, err)
	}

	type kv struct {
		key   []byte
		value []byte
	}
	var batch []kv
	for rows.Next() {
		var item kv
		if err := rows.Scan(&item.key, &item.value); err != nil {
			rows.Close()
			return fmt.Errorf("scan %s row: %w", bucket, err)
		}
		batch = append(batch, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", bucket, err)
	}

	for _, item := range batch {
		if err := fn(string(item.key), item.value); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) DropBucket(bucket string) error {
	if _, err := t.tx.Exec(t.ctx, `DELETE FROM kv_entries WHERE bucket = $1`, bucket); err != nil {
		return fmt.Errorf("drop %s: %w", bucket, err)
	}
	return nil
}
