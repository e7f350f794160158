// Package store is the durable entity store: named collections of JSON records
// keyed by id, soft deletion, and secondary indexes that are written in the same
// transaction as the records they point at.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned for absent and soft-deleted rows.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an id or a unique index key is already taken.
	ErrConflict = errors.New("conflict")
	// ErrInvalidInput is returned for empty ids, unknown kinds and similar caller mistakes.
	ErrInvalidInput = errors.New("invalid input")
)

// Kind names a collection.
type Kind string

// Meta carries the bookkeeping timestamps every entity embeds.
type Meta struct {
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Stamps gives the store access to the embedded Meta.
func (m *Meta) Stamps() *Meta { return m }

// Deleted reports whether the row has been soft-deleted.
func (m *Meta) Deleted() bool { return m.DeletedAt != nil }

// Entity is anything the store can persist.
type Entity interface {
	EntityID() string
	Stamps() *Meta
}

// Collection registers a kind with the store.
type Collection struct {
	Kind Kind
	// New returns an empty entity to decode into.
	New func() Entity
	// Indexes lists the index names Index may emit; RebuildIndexes drops them.
	Indexes []string
	// Index derives the index entries of a live entity. May be nil.
	Index func(Entity) []IndexEntry
}

// Store is safe for concurrent use. Each operation is one backend transaction,
// which is what makes writes to a single (kind, id) linearizable.
type Store struct {
	backend Backend
	logger  *zap.Logger
	now     func() time.Time

	mu          sync.RWMutex
	collections map[Kind]Collection
}

// New creates a store on top of backend.
func New(backend Backend, logger *zap.Logger) *Store {
	return &Store{
		backend:     backend,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		collections: make(map[Kind]Collection),
	}
}

// SetClock overrides the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Register adds a collection. Registering the same kind twice replaces it.
func (s *Store) Register(c Collection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[c.Kind] = c
}

func (s *Store) collection(kind Kind) (Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[kind]
	if !ok {
		return Collection{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}
	return c, nil
}

// Ping checks that the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Atomic runs fn in one write transaction. Everything fn does through the Txn
// commits together or not at all.
func (s *Store) Atomic(ctx context.Context, fn func(*Txn) error) error {
	return s.backend.Update(ctx, func(tx Tx) error {
		return fn(&Txn{s: s, tx: tx, now: s.now()})
	})
}

// Read runs fn in a read-only transaction.
func (s *Store) Read(ctx context.Context, fn func(*Txn) error) error {
	return s.backend.View(ctx, func(tx Tx) error {
		return fn(&Txn{s: s, tx: tx, now: s.now(), readOnly: true})
	})
}

// Create inserts e. The id must not exist yet, not even as a soft-deleted row.
func (s *Store) Create(ctx context.Context, kind Kind, e Entity) error {
	return s.Atomic(ctx, func(t *Txn) error {
		return t.Create(kind, e)
	})
}

// Get decodes the live row into dst.
func (s *Store) Get(ctx context.Context, kind Kind, id string, dst Entity) error {
	return s.Read(ctx, func(t *Txn) error {
		return t.Get(kind, id, dst)
	})
}

// GetAny decodes the row into dst even if it has been soft-deleted.
func (s *Store) GetAny(ctx context.Context, kind Kind, id string, dst Entity) error {
	return s.Read(ctx, func(t *Txn) error {
		return t.GetAny(kind, id, dst)
	})
}

// Update loads the live row into dst, calls mutate, and writes dst back.
// Index entries follow whatever mutate changed.
func (s *Store) Update(ctx context.Context, kind Kind, id string, dst Entity, mutate func() error) error {
	return s.Atomic(ctx, func(t *Txn) error {
		if err := t.Get(kind, id, dst); err != nil {
			return err
		}
		if err := mutate(); err != nil {
			return err
		}
		return t.Put(kind, dst)
	})
}

// SoftDelete marks the row deleted and removes its index entries.
// Deleting an absent or already deleted row returns ErrNotFound.
func (s *Store) SoftDelete(ctx context.Context, kind Kind, id string) error {
	return s.Atomic(ctx, func(t *Txn) error {
		_, err := t.SoftDelete(kind, id)
		return err
	})
}

// ListActive returns every live row of kind ordered by creation time, then id.
func ListActive[T Entity](ctx context.Context, s *Store, kind Kind) ([]T, error) {
	var out []T
	err := s.Read(ctx, func(t *Txn) error {
		var err error
		out, err = ScanActive[T](t, kind)
		return err
	})
	return out, err
}

// ScanActive is ListActive inside an open transaction.
func ScanActive[T Entity](t *Txn, kind Kind) ([]T, error) {
	c, err := t.s.collection(kind)
	if err != nil {
		return nil, err
	}

	out := make([]T, 0)
	err = t.tx.Scan(string(kind), "", func(_ string, raw []byte) error {
		e := c.New()
		if err := json.Unmarshal(raw, e); err != nil {
			return fmt.Errorf("decode %s: %w", kind, err)
		}
		if e.Stamps().Deleted() {
			return nil
		}
		typed, ok := e.(T)
		if !ok {
			return fmt.Errorf("%w: %s does not decode to %T", ErrInvalidInput, kind, typed)
		}
		out = append(out, typed)
		return nil
	})
	if err != nil {
		return nil, err
	}

	SortByCreated(out)
	return out, nil
}

// SortByCreated orders items by creation time, then id.
func SortByCreated[T Entity](items []T) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].Stamps().CreatedAt, items[j].Stamps().CreatedAt
		if a.Equal(b) {
			return items[i].EntityID() < items[j].EntityID()
		}
		return a.Before(b)
	})
}

// Txn is the handle passed to Atomic and Read callbacks.
type Txn struct {
	s        *Store
	tx       Tx
	now      time.Time
	readOnly bool
}

// Now is the timestamp applied to every write in this transaction.
func (t *Txn) Now() time.Time { return t.now }

func (t *Txn) Create(kind Kind, e Entity) error {
	c, err := t.s.collection(kind)
	if err != nil {
		return err
	}
	id := e.EntityID()
	if id == "" {
		return fmt.Errorf("%w: empty %s id", ErrInvalidInput, kind)
	}

	existing, err := t.tx.Get(string(kind), id)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s %s already exists", ErrConflict, kind, id)
	}

	m := e.Stamps()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t.now
	}
	m.UpdatedAt = t.now
	m.DeletedAt = nil

	if err := t.applyIndexes(id, nil, entriesFor(c, e)); err != nil {
		return err
	}
	return t.write(kind, e)
}

func (t *Txn) Get(kind Kind, id string, dst Entity) error {
	if err := t.GetAny(kind, id, dst); err != nil {
		return err
	}
	if dst.Stamps().Deleted() {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func (t *Txn) GetAny(kind Kind, id string, dst Entity) error {
	if id == "" {
		return fmt.Errorf("%s: %w", kind, ErrNotFound)
	}
	raw, err := t.tx.Get(string(kind), id)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return nil
}

// Put overwrites an existing live row with e, keeping its creation time and
// moving its index entries.
func (t *Txn) Put(kind Kind, e Entity) error {
	c, err := t.s.collection(kind)
	if err != nil {
		return err
	}
	id := e.EntityID()

	old := c.New()
	if err := t.Get(kind, id, old); err != nil {
		return err
	}

	m := e.Stamps()
	m.CreatedAt = old.Stamps().CreatedAt
	m.UpdatedAt = t.now
	m.DeletedAt = nil

	if err := t.applyIndexes(id, entriesFor(c, old), entriesFor(c, e)); err != nil {
		return err
	}
	return t.write(kind, e)
}

// SoftDelete marks the row deleted and returns it.
func (t *Txn) SoftDelete(kind Kind, id string) (Entity, error) {
	c, err := t.s.collection(kind)
	if err != nil {
		return nil, err
	}

	e := c.New()
	if err := t.Get(kind, id, e); err != nil {
		return nil, err
	}

	if err := t.applyIndexes(id, entriesFor(c, e), nil); err != nil {
		return nil, err
	}

	deletedAt := t.now
	m := e.Stamps()
	m.DeletedAt = &deletedAt
	m.UpdatedAt = t.now

	if err := t.write(kind, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (t *Txn) write(kind Kind, e Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, e.EntityID(), err)
	}
	return t.tx.Put(string(kind), e.EntityID(), data)
}

func entriesFor(c Collection, e Entity) []IndexEntry {
	if c.Index == nil || e.Stamps().Deleted() {
		return nil
	}
	return c.Index(e)
}
