package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/store"
)

// CreateWebhookConfig registers a delivery target. Only events recorded after
// this call fan out to it.
func (r *Repository) CreateWebhookConfig(ctx context.Context, cfg *WebhookConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if err := r.store.Create(ctx, KindWebhookConfig, cfg); err != nil {
		return fmt.Errorf("create webhook config: %w", err)
	}

	r.logger.Info("webhook config registered",
		zap.String("webhook_config_id", cfg.ID),
		zap.String("target_url", cfg.TargetURL),
		zap.Strings("event_types", cfg.EventTypes),
	)
	return nil
}

func (r *Repository) GetWebhookConfig(ctx context.Context, id string) (*WebhookConfig, error) {
	return getEntity[WebhookConfig](ctx, r.store, KindWebhookConfig, id)
}

func (r *Repository) ListWebhookConfigs(ctx context.Context) ([]*WebhookConfig, error) {
	return store.ListActive[*WebhookConfig](ctx, r.store, KindWebhookConfig)
}

// SetWebhookConfigActive pauses or resumes fan-out to a config.
func (r *Repository) SetWebhookConfigActive(ctx context.Context, id string, active bool) (*WebhookConfig, error) {
	var cfg WebhookConfig
	err := r.store.Update(ctx, KindWebhookConfig, id, &cfg, func() error {
		cfg.Active = active
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update webhook config %s: %w", id, err)
	}
	return &cfg, nil
}

// DeleteWebhookConfig soft-deletes a config. Deliveries already fanned out to
// it fail on their next sweep and end up in the dead letter queue.
func (r *Repository) DeleteWebhookConfig(ctx context.Context, id string) error {
	if err := r.store.SoftDelete(ctx, KindWebhookConfig, id); err != nil {
		return fmt.Errorf("delete webhook config %s: %w", id, err)
	}
	r.logger.Info("webhook config deleted", zap.String("webhook_config_id", id))
	return nil
}

// RecordEvent appends an event outside of an entity write and fans it out.
func (r *Repository) RecordEvent(ctx context.Context, eventType string, payload any) (*WebhookEvent, error) {
	if eventType == "" {
		return nil, fmt.Errorf("record event: %w: empty event type", store.ErrInvalidInput)
	}
	var event *WebhookEvent
	err := r.store.Atomic(ctx, func(t *store.Txn) error {
		var err error
		event, err = r.recordEventTx(t, eventType, payload)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record event %s: %w", eventType, err)
	}
	r.mirrorEvent(ctx, event)
	return event, nil
}

func (r *Repository) ListWebhookEvents(ctx context.Context) ([]*WebhookEvent, error) {
	return store.ListActive[*WebhookEvent](ctx, r.store, KindWebhookEvent)
}

// GetWebhookEventWithDeliveries returns a live event and every delivery fanned
// out for it, whatever their status.
func (r *Repository) GetWebhookEventWithDeliveries(ctx context.Context, id string) (*WebhookEvent, []*WebhookDelivery, error) {
	var (
		event      *WebhookEvent
		deliveries []*WebhookDelivery
	)
	err := r.store.Read(ctx, func(t *store.Txn) error {
		var err error
		event, err = getEntityTx[WebhookEvent](t, KindWebhookEvent, id)
		if err != nil {
			return err
		}
		deliveries, err = r.deliveriesForEvent(t, id)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("get webhook event %s: %w", id, err)
	}
	return event, deliveries, nil
}

func (r *Repository) deliveriesForEvent(t *store.Txn, eventID string) ([]*WebhookDelivery, error) {
	ids, err := t.IndexList(IndexDeliveriesByEvent, eventID)
	if err != nil {
		return nil, err
	}
	out := make([]*WebhookDelivery, 0, len(ids))
	for _, id := range ids {
		d, err := getEntityTx[WebhookDelivery](t, KindWebhookDelivery, id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	store.SortByCreated(out)
	return out, nil
}

func (r *Repository) GetDelivery(ctx context.Context, id string) (*WebhookDelivery, error) {
	return getEntity[WebhookDelivery](ctx, r.store, KindWebhookDelivery, id)
}

// ListDueDeliveries returns up to limit deliveries a sweep may attempt now,
// oldest first. A limit of zero or less means no limit. Deliveries of a
// paused config are not due until it is resumed; those of a deleted config
// are, so the sweep can fail them with a reason.
func (r *Repository) ListDueDeliveries(ctx context.Context, limit int) ([]*WebhookDelivery, error) {
	due := make([]*WebhookDelivery, 0)
	err := r.store.Read(ctx, func(t *store.Txn) error {
		ids, err := t.IndexList(IndexDeliveriesDue, deliveriesDueKey)
		if err != nil {
			return err
		}
		paused := make(map[string]bool)
		for _, id := range ids {
			d, err := getEntityTx[WebhookDelivery](t, KindWebhookDelivery, id)
			if err != nil {
				return err
			}
			if !d.Due(t.Now(), r.maxAttempts) {
				continue
			}
			held, seen := paused[d.WebhookConfigID]
			if !seen {
				if held, err = configPausedTx(t, d.WebhookConfigID); err != nil {
					return err
				}
				paused[d.WebhookConfigID] = held
			}
			if !held {
				due = append(due, d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}

	store.SortByCreated(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func configPausedTx(t *store.Txn, id string) (bool, error) {
	var cfg WebhookConfig
	err := t.GetAny(KindWebhookConfig, id, &cfg)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return !cfg.Deleted() && !cfg.Active, nil
}

// ClaimDelivery leases a due delivery to one sweep for ttl and returns what
// the sender needs. A config or event deleted since fan-out is still returned
// so the caller can fail the attempt with a reason.
func (r *Repository) ClaimDelivery(ctx context.Context, id string, ttl time.Duration) (*Attempt, string, error) {
	var (
		attempt *Attempt
		token   string
	)
	err := r.store.Atomic(ctx, func(t *store.Txn) error {
		d, err := getEntityTx[WebhookDelivery](t, KindWebhookDelivery, id)
		if err != nil {
			return err
		}
		if !d.Due(t.Now(), r.maxAttempts) {
			return ErrDeliveryNotDue
		}

		until := t.Now().Add(ttl)
		token = uuid.NewString()
		d.ClaimedUntil = &until
		d.ClaimToken = token
		if err := t.Put(KindWebhookDelivery, d); err != nil {
			return err
		}

		var cfg WebhookConfig
		if err := t.GetAny(KindWebhookConfig, d.WebhookConfigID, &cfg); err != nil {
			return err
		}
		var event WebhookEvent
		if err := t.GetAny(KindWebhookEvent, d.EventID, &event); err != nil {
			return err
		}

		attempt = &Attempt{Delivery: d, Config: &cfg, Event: &event}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("claim delivery %s: %w", id, err)
	}
	return attempt, token, nil
}

// ReleaseDelivery drops a claim without recording an attempt.
func (r *Repository) ReleaseDelivery(ctx context.Context, id, token string) error {
	err := r.store.Atomic(ctx, func(t *store.Txn) error {
		d, err := getEntityTx[WebhookDelivery](t, KindWebhookDelivery, id)
		if err != nil {
			return err
		}
		if d.ClaimToken != token {
			return ErrClaimLost
		}
		d.ClaimedUntil = nil
		d.ClaimToken = ""
		return t.Put(KindWebhookDelivery, d)
	})
	if err != nil {
		return fmt.Errorf("release delivery %s: %w", id, err)
	}
	return nil
}

// Outcome is the result of one delivery attempt as the sweep saw it.
type Outcome struct {
	StatusCode   int
	ResponseBody string
	// FailureReason is empty when the target accepted the event.
	FailureReason string
	// RetryAt defers the next attempt. Nil means the next sweep.
	RetryAt *time.Time
}

// Succeeded reports whether the attempt reached the target and got a 2xx.
func (o Outcome) Succeeded() bool {
	return o.FailureReason == ""
}

// Completion is what CompleteAttempt wrote.
type Completion struct {
	Delivery       *WebhookDelivery
	DeadLetter     *DeadLetterEntry
	EventProcessed bool
}

// CompleteAttempt records the outcome of a claimed attempt. The attempt count
// goes up by exactly one. A failure that uses up the last attempt writes the
// dead letter entry in the same transaction, and the event flips to processed
// once all of its deliveries have concluded.
func (r *Repository) CompleteAttempt(ctx context.Context, id, token string, out Outcome) (*Completion, error) {
	var result *Completion
	err := r.store.Atomic(ctx, func(t *store.Txn) error {
		d, err := getEntityTx[WebhookDelivery](t, KindWebhookDelivery, id)
		if err != nil {
			return err
		}
		if d.ClaimToken != token || d.Concluded() {
			return ErrClaimLost
		}

		now := t.Now()
		d.AttemptCount++
		d.LastAttemptAt = &now
		d.ClaimedUntil = nil
		d.ClaimToken = ""
		d.StatusCode = out.StatusCode
		d.ResponseBody = out.ResponseBody
		result = &Completion{Delivery: d}

		if out.Succeeded() {
			d.Status = DeliverySuccess
			d.LastError = ""
			d.NextAttemptAt = nil
		} else {
			d.Status = DeliveryFailed
			d.LastError = out.FailureReason
			d.NextAttemptAt = out.RetryAt

			if d.AttemptCount >= r.maxAttempts {
				entry := &DeadLetterEntry{
					ID:                 uuid.NewString(),
					WebhookConfigID:    d.WebhookConfigID,
					EventID:            d.EventID,
					OriginalDeliveryID: d.ID,
					FailureReason:      out.FailureReason,
					AttemptCount:       d.AttemptCount,
					LastAttemptAt:      now,
				}
				if err := t.Create(KindDeadLetter, entry); err != nil {
					return err
				}
				d.DeadLetterID = entry.ID
				d.NextAttemptAt = nil
				result.DeadLetter = entry
			}
		}

		if err := t.Put(KindWebhookDelivery, d); err != nil {
			return err
		}
		if !d.Concluded() {
			return nil
		}

		result.EventProcessed, err = r.concludeEventTx(t, d.EventID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("complete delivery %s: %w", id, err)
	}

	if result.DeadLetter != nil {
		r.logger.Warn("delivery moved to dead letter queue",
			zap.String("delivery_id", id),
			zap.String("dlq_id", result.DeadLetter.ID),
			zap.Int("attempt_count", result.DeadLetter.AttemptCount),
			zap.String("failure_reason", result.DeadLetter.FailureReason),
		)
	}
	return result, nil
}

// concludeEventTx marks the event processed if none of its deliveries can be
// attempted again.
func (r *Repository) concludeEventTx(t *store.Txn, eventID string) (bool, error) {
	var event WebhookEvent
	if err := t.GetAny(KindWebhookEvent, eventID, &event); err != nil {
		return false, err
	}
	if event.Processed {
		return true, nil
	}

	deliveries, err := r.deliveriesForEvent(t, eventID)
	if err != nil {
		return false, err
	}
	for _, d := range deliveries {
		if !d.Concluded() {
			return false, nil
		}
	}

	if event.Deleted() {
		return true, nil
	}
	event.Processed = true
	if err := t.Put(KindWebhookEvent, &event); err != nil {
		return false, err
	}
	return true, nil
}

// ListDeadLetterEntries returns live entries ordered by creation time ascending.
func (r *Repository) ListDeadLetterEntries(ctx context.Context) ([]*DeadLetterEntry, error) {
	entries, err := store.ListActive[*DeadLetterEntry](ctx, r.store, KindDeadLetter)
	if err != nil {
		return nil, fmt.Errorf("list dead letter entries: %w", err)
	}
	return entries, nil
}

func (r *Repository) GetDeadLetterEntry(ctx context.Context, id string) (*DeadLetterEntry, error) {
	entry, err := getEntity[DeadLetterEntry](ctx, r.store, KindDeadLetter, id)
	if err != nil {
		return nil, fmt.Errorf("get dead letter entry: %w", err)
	}
	return entry, nil
}

// DeleteDeadLetterEntry soft-deletes an entry. A second delete of the same id
// returns store.ErrNotFound.
func (r *Repository) DeleteDeadLetterEntry(ctx context.Context, id string) error {
	if err := r.store.SoftDelete(ctx, KindDeadLetter, id); err != nil {
		return fmt.Errorf("delete dead letter entry: %w", err)
	}
	r.logger.Info("dead letter entry deleted", zap.String("dlq_id", id))
	return nil
}

// RequeueDeadLetterEntry retires a dead letter entry and fans the same event
// out to the same config again as a fresh pending delivery.
func (r *Repository) RequeueDeadLetterEntry(ctx context.Context, id string) (*WebhookDelivery, error) {
	var delivery *WebhookDelivery
	err := r.store.Atomic(ctx, func(t *store.Txn) error {
		removed, err := t.SoftDelete(KindDeadLetter, id)
		if err != nil {
			return err
		}
		entry := removed.(*DeadLetterEntry)

		if _, err := getEntityTx[WebhookConfig](t, KindWebhookConfig, entry.WebhookConfigID); err != nil {
			return fmt.Errorf("webhook config %s: %w", entry.WebhookConfigID, err)
		}

		delivery = &WebhookDelivery{
			ID:              uuid.NewString(),
			WebhookConfigID: entry.WebhookConfigID,
			EventID:         entry.EventID,
			Status:          DeliveryPending,
		}
		if err := t.Create(KindWebhookDelivery, delivery); err != nil {
			return err
		}

		var event WebhookEvent
		if err := t.Get(KindWebhookEvent, entry.EventID, &event); err != nil {
			return err
		}
		if event.Processed {
			event.Processed = false
			return t.Put(KindWebhookEvent, &event)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("requeue dead letter entry %s: %w", id, err)
	}

	r.logger.Info("dead letter entry requeued",
		zap.String("dlq_id", id),
		zap.String("delivery_id", delivery.ID),
	)
	return delivery, nil
}

// EventEnvelope is the body delivered to webhook targets and mirrored to SQS.
type EventEnvelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

// Envelope wraps the event for transport.
func (e *WebhookEvent) Envelope() EventEnvelope {
	return EventEnvelope{
		ID:        e.ID,
		Type:      e.EventType,
		CreatedAt: e.CreatedAt,
		Data:      e.Payload,
	}
}
