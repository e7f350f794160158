package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	indexBucketPrefix = "idx:"
	// multiSep separates the lookup key from the entity id in multi-valued indexes.
	multiSep = "\x00"
)

var errStopScan = errors.New("stop scan")

// IndexEntry is one lookup row derived from an entity.
//
// Unique entries map Key to exactly one entity id. Non-unique entries allow
// many ids under the same Key and are read back with IndexList.
type IndexEntry struct {
	Index  string
	Key    string
	Unique bool
}

var compoundEscaper = strings.NewReplacer(`\`, `\\`, ":", `\:`)

// CompoundKey joins field values the way compound index keys are stored.
// Each part has its backslashes and colons escaped, so distinct tuples never
// share a key: ("a:b", "c") and ("a", "b:c") stay apart.
func CompoundKey(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = compoundEscaper.Replace(p)
	}
	return strings.Join(escaped, ":")
}

func indexBucket(index string) string {
	return indexBucketPrefix + index
}

func (e IndexEntry) storageKey(id string) string {
	if e.Unique {
		return e.Key
	}
	return e.Key + multiSep + id
}

func (e IndexEntry) identity(id string) string {
	return e.Index + multiSep + e.storageKey(id)
}

// applyIndexes removes the entries in before that are not in after and adds
// the ones in after that are not in before.
func (t *Txn) applyIndexes(id string, before, after []IndexEntry) error {
	keep := make(map[string]bool, len(after))
	for _, e := range after {
		keep[e.identity(id)] = true
	}
	had := make(map[string]bool, len(before))
	for _, e := range before {
		had[e.identity(id)] = true
		if keep[e.identity(id)] {
			continue
		}
		if err := t.tx.Delete(indexBucket(e.Index), e.storageKey(id)); err != nil {
			return fmt.Errorf("remove index %s: %w", e.Index, err)
		}
	}
	for _, e := range after {
		if had[e.identity(id)] {
			continue
		}
		if err := t.putIndex(e, id); err != nil {
			return err
		}
	}
	return nil
}

func (t *Txn) putIndex(e IndexEntry, id string) error {
	bucket := indexBucket(e.Index)
	key := e.storageKey(id)
	if e.Unique {
		current, err := t.tx.Get(bucket, key)
		if err != nil {
			return err
		}
		if current != nil && string(current) != id {
			return fmt.Errorf("%w: %s key %q is taken by %s", ErrConflict, e.Index, e.Key, current)
		}
	}
	if err := t.tx.Put(bucket, key, []byte(id)); err != nil {
		return fmt.Errorf("put index %s: %w", e.Index, err)
	}
	return nil
}

// IndexGet returns the entity id stored under key. For multi-valued indexes
// it returns the first id in key order.
func (t *Txn) IndexGet(index, key string) (string, error) {
	raw, err := t.tx.Get(indexBucket(index), key)
	if err != nil {
		return "", err
	}
	if raw != nil {
		return string(raw), nil
	}

	var first string
	err = t.tx.Scan(indexBucket(index), key+multiSep, func(_ string, v []byte) error {
		first = string(v)
		return errStopScan
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return "", err
	}
	if first == "" {
		return "", fmt.Errorf("index %s key %q: %w", index, key, ErrNotFound)
	}
	return first, nil
}

// IndexList returns every id stored under key, for unique and multi-valued indexes alike.
func (t *Txn) IndexList(index, key string) ([]string, error) {
	ids := make([]string, 0)
	raw, err := t.tx.Get(indexBucket(index), key)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		ids = append(ids, string(raw))
	}
	err = t.tx.Scan(indexBucket(index), key+multiSep, func(_ string, v []byte) error {
		ids = append(ids, string(v))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// IndexPut writes a unique entry directly. Entity writes maintain their own
// entries; this is for callers that keep an index by hand.
func (t *Txn) IndexPut(index, key, id string) error {
	return t.putIndex(IndexEntry{Index: index, Key: key, Unique: true}, id)
}

// IndexRemove deletes key and every multi-valued entry under it.
func (t *Txn) IndexRemove(index, key string) error {
	bucket := indexBucket(index)
	if err := t.tx.Delete(bucket, key); err != nil {
		return err
	}
	var stale []string
	err := t.tx.Scan(bucket, key+multiSep, func(k string, _ []byte) error {
		stale = append(stale, k)
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := t.tx.Delete(bucket, k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) IndexPut(ctx context.Context, index, key, id string) error {
	return s.Atomic(ctx, func(t *Txn) error { return t.IndexPut(index, key, id) })
}

func (s *Store) IndexGet(ctx context.Context, index, key string) (string, error) {
	var id string
	err := s.Read(ctx, func(t *Txn) error {
		var err error
		id, err = t.IndexGet(index, key)
		return err
	})
	return id, err
}

func (s *Store) IndexList(ctx context.Context, index, key string) ([]string, error) {
	var ids []string
	err := s.Read(ctx, func(t *Txn) error {
		var err error
		ids, err = t.IndexList(index, key)
		return err
	})
	return ids, err
}

func (s *Store) IndexRemove(ctx context.Context, index, key string) error {
	return s.Atomic(ctx, func(t *Txn) error { return t.IndexRemove(index, key) })
}

// RebuildStats reports what RebuildIndexes did.
type RebuildStats struct {
	Collections int `json:"collections"`
	Entities    int `json:"entities"`
	Entries     int `json:"entries"`
}

// RebuildIndexes drops every registered index and recomputes it from primary
// storage in a single transaction.
func (s *Store) RebuildIndexes(ctx context.Context) (RebuildStats, error) {
	s.mu.RLock()
	cols := make([]Collection, 0, len(s.collections))
	for _, c := range s.collections {
		cols = append(cols, c)
	}
	s.mu.RUnlock()

	var stats RebuildStats
	err := s.Atomic(ctx, func(t *Txn) error {
		stats = RebuildStats{}
		for _, c := range cols {
			for _, index := range c.Indexes {
				if err := t.tx.DropBucket(indexBucket(index)); err != nil {
					return fmt.Errorf("drop index %s: %w", index, err)
				}
			}
		}

		for _, c := range cols {
			if c.Index == nil {
				continue
			}
			stats.Collections++

			var live []Entity
			err := t.tx.Scan(string(c.Kind), "", func(_ string, raw []byte) error {
				e := c.New()
				if err := json.Unmarshal(raw, e); err != nil {
					return fmt.Errorf("decode %s: %w", c.Kind, err)
				}
				if !e.Stamps().Deleted() {
					live = append(live, e)
				}
				return nil
			})
			if err != nil {
				return err
			}

			for _, e := range live {
				entries := entriesFor(c, e)
				for _, entry := range entries {
					if err := t.putIndex(entry, e.EntityID()); err != nil {
						return err
					}
				}
				stats.Entities++
				stats.Entries += len(entries)
			}
		}
		return nil
	})
	if err != nil {
		return RebuildStats{}, fmt.Errorf("rebuild indexes: %w", err)
	}

	s.logger.Info("indexes rebuilt",
		zap.Int("collections", stats.Collections),
		zap.Int("entities", stats.Entities),
		zap.Int("entries", stats.Entries),
	)
	return stats, nil
}
