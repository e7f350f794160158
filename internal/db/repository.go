package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/store"
)

// DefaultMaxAttempts is how many failed sweeps a delivery survives before it
// is dead-lettered.
const DefaultMaxAttempts = 3

var (
	// ErrDeliveryNotDue is returned by ClaimDelivery when another sweep holds
	// the delivery or it has nothing left to attempt.
	ErrDeliveryNotDue = errors.New("delivery not due")
	// ErrClaimLost is returned when a sweep reports an outcome for a claim that
	// has since expired and been taken over.
	ErrClaimLost = errors.New("delivery claim lost")
)

// EventMirror receives every recorded event after its transaction commits.
type EventMirror interface {
	MirrorEvent(ctx context.Context, event *WebhookEvent) error
}

// Repository is the typed access layer over the entity store. It owns every
// collection and is the only writer of events, deliveries and dead letters.
type Repository struct {
	store       *store.Store
	logger      *zap.Logger
	maxAttempts int
	mirror      EventMirror
}

// NewRepository registers the campus collections on s.
func NewRepository(s *store.Store, logger *zap.Logger, maxAttempts int) *Repository {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	for _, c := range collections() {
		s.Register(c)
	}
	return &Repository{
		store:       s,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// SetEventMirror forwards committed events to m. Mirror failures are logged, never returned.
func (r *Repository) SetEventMirror(m EventMirror) {
	r.mirror = m
}

// Store returns the underlying entity store.
func (r *Repository) Store() *store.Store {
	return r.store
}

// MaxAttempts is the per-delivery attempt budget.
func (r *Repository) MaxAttempts() int {
	return r.maxAttempts
}

// Health checks the store backend.
func (r *Repository) Health(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// RebuildIndexes recomputes every secondary index from primary storage.
func (r *Repository) RebuildIndexes(ctx context.Context) (store.RebuildStats, error) {
	return r.store.RebuildIndexes(ctx)
}

type entityPtr[T any] interface {
	*T
	store.Entity
}

func getEntity[T any, P entityPtr[T]](ctx context.Context, s *store.Store, kind store.Kind, id string) (P, error) {
	p := P(new(T))
	if err := s.Get(ctx, kind, id, p); err != nil {
		return nil, err
	}
	return p, nil
}

func getEntityTx[T any, P entityPtr[T]](t *store.Txn, kind store.Kind, id string) (P, error) {
	p := P(new(T))
	if err := t.Get(kind, id, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Repository) GetUser(ctx context.Context, id string) (*User, error) {
	return getEntity[User](ctx, r.store, KindUser, id)
}

func (r *Repository) GetClass(ctx context.Context, id string) (*Class, error) {
	return getEntity[Class](ctx, r.store, KindClass, id)
}

func (r *Repository) GetCourse(ctx context.Context, id string) (*Course, error) {
	return getEntity[Course](ctx, r.store, KindCourse, id)
}

func (r *Repository) GetGrade(ctx context.Context, id string) (*Grade, error) {
	return getEntity[Grade](ctx, r.store, KindGrade, id)
}

func (r *Repository) GetAnnouncement(ctx context.Context, id string) (*Announcement, error) {
	return getEntity[Announcement](ctx, r.store, KindAnnouncement, id)
}

func (r *Repository) ListUsers(ctx context.Context) ([]*User, error) {
	return store.ListActive[*User](ctx, r.store, KindUser)
}

func (r *Repository) ListClasses(ctx context.Context) ([]*Class, error) {
	return store.ListActive[*Class](ctx, r.store, KindClass)
}

func (r *Repository) ListCourses(ctx context.Context) ([]*Course, error) {
	return store.ListActive[*Course](ctx, r.store, KindCourse)
}

func (r *Repository) ListGrades(ctx context.Context) ([]*Grade, error) {
	return store.ListActive[*Grade](ctx, r.store, KindGrade)
}

func (r *Repository) ListAnnouncements(ctx context.Context) ([]*Announcement, error) {
	return store.ListActive[*Announcement](ctx, r.store, KindAnnouncement)
}

// ListIndex returns the ids filed under key in a secondary index.
func (r *Repository) ListIndex(ctx context.Context, index, key string) ([]string, error) {
	return r.store.IndexList(ctx, index, key)
}

// GetGradeByStudentAndCourse resolves a grade through the compound index.
func (r *Repository) GetGradeByStudentAndCourse(ctx context.Context, studentID, courseID string) (*Grade, error) {
	var grade *Grade
	err := r.store.Read(ctx, func(t *store.Txn) error {
		id, err := t.IndexGet(IndexGradesByStudentCourse, store.CompoundKey(studentID, courseID))
		if err != nil {
			return err
		}
		grade, err = getEntityTx[Grade](t, KindGrade, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("grade for student %s in course %s: %w", studentID, courseID, err)
	}
	return grade, nil
}

// ListGradesByCourse returns the live grades of a course in creation order.
func (r *Repository) ListGradesByCourse(ctx context.Context, courseID string) ([]*Grade, error) {
	grades := make([]*Grade, 0)
	err := r.store.Read(ctx, func(t *store.Txn) error {
		ids, err := t.IndexList(IndexGradesByCourse, courseID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			g, err := getEntityTx[Grade](t, KindGrade, id)
			if err != nil {
				return err
			}
			grades = append(grades, g)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list grades for course %s: %w", courseID, err)
	}
	store.SortByCreated(grades)
	return grades, nil
}

// Guard vets a write from inside its transaction, so the rows it reads cannot
// change before the write commits. A non-nil error aborts the write.
type Guard func(r TxReader) error

// TxReader reads live rows through an open transaction.
type TxReader struct {
	t *store.Txn
}

func (r TxReader) GetUser(_ context.Context, id string) (*User, error) {
	return getEntityTx[User](r.t, KindUser, id)
}

func (r TxReader) GetClass(_ context.Context, id string) (*Class, error) {
	return getEntityTx[Class](r.t, KindClass, id)
}

func (r TxReader) GetCourse(_ context.Context, id string) (*Course, error) {
	return getEntityTx[Course](r.t, KindCourse, id)
}

func (r TxReader) ListIndex(_ context.Context, index, key string) ([]string, error) {
	return r.t.IndexList(index, key)
}

// CreateWithEvent inserts e and, when eventType is set, records the event in
// the same transaction. A missing id is filled with a fresh uuid by the caller.
func (r *Repository) CreateWithEvent(ctx context.Context, kind store.Kind, e store.Entity, eventType string) (*WebhookEvent, error) {
	return r.CreateChecked(ctx, kind, e, eventType, nil)
}

// CreateChecked is CreateWithEvent with a guard run before the insert.
func (r *Repository) CreateChecked(ctx context.Context, kind store.Kind, e store.Entity, eventType string, guard Guard) (*WebhookEvent, error) {
	var event *WebhookEvent
	err := r.store.Atomic(ctx, func(t *store.Txn) error {
		if guard != nil {
			if err := guard(TxReader{t: t}); err != nil {
				return err
			}
		}
		if err := t.Create(kind, e); err != nil {
			return err
		}
		var err error
		event, err = r.recordEventTx(t, eventType, e)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", kind, err)
	}

	r.logger.Info("entity created",
		zap.String("kind", string(kind)),
		zap.String("id", e.EntityID()),
	)
	r.mirrorEvent(ctx, event)
	return event, nil
}

// UpdateWithEvent loads the live row into dst, applies mutate and writes it
// back together with the event.
func (r *Repository) UpdateWithEvent(ctx context.Context, kind store.Kind, id string, dst store.Entity, mutate func() error, eventType string) (*WebhookEvent, error) {
	return r.UpdateChecked(ctx, kind, id, dst, mutate, eventType, nil)
}

// UpdateChecked is UpdateWithEvent with a guard run on the mutated row.
func (r *Repository) UpdateChecked(ctx context.Context, kind store.Kind, id string, dst store.Entity, mutate func() error, eventType string, guard Guard) (*WebhookEvent, error) {
	var event *WebhookEvent
	err := r.store.Atomic(ctx, func(t *store.Txn) error {
		if err := t.Get(kind, id, dst); err != nil {
			return err
		}
		if err := mutate(); err != nil {
			return err
		}
		if guard != nil {
			if err := guard(TxReader{t: t}); err != nil {
				return err
			}
		}
		if err := t.Put(kind, dst); err != nil {
			return err
		}
		var err error
		event, err = r.recordEventTx(t, eventType, dst)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update %s %s: %w", kind, id, err)
	}

	r.logger.Info("entity updated",
		zap.String("kind", string(kind)),
		zap.String("id", id),
	)
	r.mirrorEvent(ctx, event)
	return event, nil
}

// DeleteWithEvent soft-deletes the row and records the event carrying its
// last state.
func (r *Repository) DeleteWithEvent(ctx context.Context, kind store.Kind, id string, eventType string) (store.Entity, error) {
	var (
		deleted store.Entity
		event   *WebhookEvent
	)
	err := r.store.Atomic(ctx, func(t *store.Txn) error {
		var err error
		deleted, err = t.SoftDelete(kind, id)
		if err != nil {
			return err
		}
		event, err = r.recordEventTx(t, eventType, deleted)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("delete %s %s: %w", kind, id, err)
	}

	r.logger.Info("entity soft-deleted",
		zap.String("kind", string(kind)),
		zap.String("id", id),
	)
	r.mirrorEvent(ctx, event)
	return deleted, nil
}

// recordEventTx appends an event and one pending delivery per subscribed
// config. An event nobody subscribes to is born processed.
func (r *Repository) recordEventTx(t *store.Txn, eventType string, payload any) (*WebhookEvent, error) {
	if eventType == "" {
		return nil, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}

	configs, err := store.ScanActive[*WebhookConfig](t, KindWebhookConfig)
	if err != nil {
		return nil, err
	}
	var subscribers []*WebhookConfig
	for _, c := range configs {
		if c.Subscribes(eventType) {
			subscribers = append(subscribers, c)
		}
	}

	event := &WebhookEvent{
		ID:        uuid.NewString(),
		EventType: eventType,
		Payload:   raw,
		Processed: len(subscribers) == 0,
	}
	if err := t.Create(KindWebhookEvent, event); err != nil {
		return nil, err
	}

	for _, c := range subscribers {
		d := &WebhookDelivery{
			ID:              uuid.NewString(),
			WebhookConfigID: c.ID,
			EventID:         event.ID,
			Status:          DeliveryPending,
		}
		if err := t.Create(KindWebhookDelivery, d); err != nil {
			return nil, err
		}
	}
	return event, nil
}

func (r *Repository) mirrorEvent(ctx context.Context, event *WebhookEvent) {
	if event == nil || r.mirror == nil {
		return
	}
	if err := r.mirror.MirrorEvent(ctx, event); err != nil {
		r.logger.Warn("failed to mirror event",
			zap.Error(err),
			zap.String("event_id", event.ID),
			zap.String("event_type", event.EventType),
		)
	}
}
