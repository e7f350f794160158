package store

import "context"

// Tx is a single backend transaction. Buckets are created lazily on first Put;
// reads from a bucket that does not exist yet behave as if it were empty.
type Tx interface {
	// Get returns nil, nil when the key is absent.
	Get(bucket, key string) ([]byte, error)
	Put(bucket, key string, value []byte) error
	Delete(bucket, key string) error
	// Scan visits keys with the given prefix in ascending key order.
	Scan(bucket, prefix string, fn func(key string, value []byte) error) error
	DropBucket(bucket string) error
}

// Backend is the durable key-value engine underneath the Store.
//
// Update must run fn in one atomic write transaction and must roll it back if
// ctx is done by the time fn returns.
type Backend interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}
