package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/db"
	"github.com/lalithlochan/campus/internal/redis"
)

// WebhookConfigRequest is the body of POST /v1/webhooks/configs
type WebhookConfigRequest struct {
	ID         string   `json:"id"`
	TargetURL  string   `json:"target_url"`
	EventTypes []string `json:"event_types"`
	Secret     string   `json:"secret"`
	Active     *bool    `json:"active"`
}

// validTarget accepts http(s) URLs, SNS topic ARNs and mailto: addresses.
func validTarget(target string) bool {
	switch {
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		return govalidator.IsRequestURL(target)
	case strings.HasPrefix(target, "arn:aws:sns:"):
		return len(strings.Split(target, ":")) == 6
	case strings.HasPrefix(target, "mailto:"):
		return govalidator.IsEmail(strings.TrimPrefix(target, "mailto:"))
	}
	return false
}

// CreateWebhookConfig handles POST /v1/webhooks/configs
func (h *Handler) CreateWebhookConfig(w http.ResponseWriter, r *http.Request) {
	var req WebhookConfigRequest
	if !h.decode(w, r, &req) {
		return
	}

	if req.TargetURL == "" {
		h.invalid(w, "target_url is required")
		return
	}
	if !validTarget(req.TargetURL) {
		h.invalid(w, "target_url must be an http(s) URL, an SNS topic ARN or a mailto: address")
		return
	}
	if len(req.EventTypes) == 0 {
		h.invalid(w, "event_types is required")
		return
	}
	for _, t := range req.EventTypes {
		if !db.KnownEventType(t) {
			h.invalid(w, "unknown event type: "+t)
			return
		}
	}

	cfg := &db.WebhookConfig{
		ID:         req.ID,
		TargetURL:  req.TargetURL,
		EventTypes: req.EventTypes,
		Secret:     req.Secret,
		Active:     req.Active == nil || *req.Active,
	}
	if err := h.repo.CreateWebhookConfig(r.Context(), cfg); err != nil {
		h.handleError(w, err, "create webhook config")
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

// GetWebhookConfig handles GET /v1/webhooks/configs/{id}
func (h *Handler) GetWebhookConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.repo.GetWebhookConfig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, err, "get webhook config")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ListWebhookConfigs handles GET /v1/webhooks/configs
func (h *Handler) ListWebhookConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.repo.ListWebhookConfigs(r.Context())
	if err != nil {
		h.handleError(w, err, "list webhook configs")
		return
	}
	writeJSON(w, http.StatusOK, page(r, configs))
}

// UpdateWebhookConfig handles PATCH /v1/webhooks/configs/{id}. Only the
// active flag may change; register a new config to change anything else.
func (h *Handler) UpdateWebhookConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.Active == nil {
		h.invalid(w, "active is required")
		return
	}

	cfg, err := h.repo.SetWebhookConfigActive(r.Context(), chi.URLParam(r, "id"), *req.Active)
	if err != nil {
		h.handleError(w, err, "update webhook config")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// DeleteWebhookConfig handles DELETE /v1/webhooks/configs/{id}
func (h *Handler) DeleteWebhookConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.repo.DeleteWebhookConfig(r.Context(), id); err != nil {
		h.handleError(w, err, "delete webhook config")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// ListWebhookEvents handles GET /v1/webhooks/events
func (h *Handler) ListWebhookEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.repo.ListWebhookEvents(r.Context())
	if err != nil {
		h.handleError(w, err, "list webhook events")
		return
	}
	writeJSON(w, http.StatusOK, page(r, events))
}

// GetWebhookEvent handles GET /v1/webhooks/events/{id}
func (h *Handler) GetWebhookEvent(w http.ResponseWriter, r *http.Request) {
	event, deliveries, err := h.repo.GetWebhookEventWithDeliveries(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, err, "get webhook event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event":      event,
		"deliveries": deliveries,
	})
}

// ProcessWebhooks handles POST /v1/webhooks/process
func (h *Handler) ProcessWebhooks(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Webhook delivery is not configured", "")
		return
	}

	summary, err := h.sweeper.ProcessPendingDeliveries(r.Context())
	if errors.Is(err, redis.ErrLockHeld) {
		h.writeError(w, http.StatusConflict, "sweep_in_progress",
			"A delivery sweep is already running", "Retry once the running sweep has finished")
		return
	}
	if err != nil {
		h.handleError(w, err, "process webhook deliveries")
		return
	}

	h.logger.Info("webhook sweep triggered",
		zap.Int("processed", summary.Processed),
		zap.Int("dead_lettered", summary.DeadLettered),
	)
	writeJSON(w, http.StatusOK, summary)
}

// ListDeadLetters handles GET /v1/webhooks/dlq
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := h.repo.ListDeadLetterEntries(r.Context())
	if err != nil {
		h.handleError(w, err, "list dead letter entries")
		return
	}
	writeJSON(w, http.StatusOK, page(r, entries))
}

// GetDeadLetter handles GET /v1/webhooks/dlq/{id}
func (h *Handler) GetDeadLetter(w http.ResponseWriter, r *http.Request) {
	entry, err := h.repo.GetDeadLetterEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, err, "get dead letter entry")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// DeleteDeadLetter handles DELETE /v1/webhooks/dlq/{id}
func (h *Handler) DeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.repo.DeleteDeadLetterEntry(r.Context(), id); err != nil {
		h.handleError(w, err, "delete dead letter entry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// RequeueDeadLetter handles POST /v1/webhooks/dlq/{id}/requeue
func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	delivery, err := h.repo.RequeueDeadLetterEntry(r.Context(), id)
	if err != nil {
		h.handleError(w, err, "requeue dead letter entry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       id,
		"status":   "requeued",
		"delivery": delivery,
	})
}

// Breakers handles GET /v1/webhooks/breakers
func (h *Handler) Breakers(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": h.breakers.Stats()})
}

// RebuildIndexes handles POST /v1/admin/rebuild-indexes
func (h *Handler) RebuildIndexes(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.RebuildIndexes(r.Context())
	if err != nil {
		h.handleError(w, err, "rebuild indexes")
		return
	}
	h.logger.Info("indexes rebuilt",
		zap.Int("collections", stats.Collections),
		zap.Int("entities", stats.Entities),
		zap.Int("entries", stats.Entries),
	)
	writeJSON(w, http.StatusOK, stats)
}
