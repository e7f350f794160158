package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/circuitbreaker"
	"github.com/lalithlochan/campus/internal/db"
	"github.com/lalithlochan/campus/internal/metrics"
	"github.com/lalithlochan/campus/internal/redis"
	"github.com/lalithlochan/campus/internal/school"
	"github.com/lalithlochan/campus/internal/store"
	"github.com/lalithlochan/campus/internal/worker"
)

// Sweeper runs one pass of the webhook delivery sweep.
type Sweeper interface {
	ProcessPendingDeliveries(ctx context.Context) (worker.Summary, error)
}

// BreakerStats reports the per-target circuit breakers.
type BreakerStats interface {
	Stats() []circuitbreaker.Stats
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ValidationResponse is the 422 body of a rejected payload.
type ValidationResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error"`
}

// ListResponse wraps a page of rows.
type ListResponse struct {
	Data   any `json:"data"`
	Count  int `json:"count"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	svc         *school.Service
	repo        *db.Repository
	idempotency *redis.IdempotencyService // nil if Redis not configured
	sweeper     Sweeper                   // nil if the worker is not wired
	breakers    BreakerStats              // nil without breakers
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, svc *school.Service, repo *db.Repository) *Handler {
	return &Handler{
		logger: logger,
		svc:    svc,
		repo:   repo,
	}
}

// SetIdempotency enables Idempotency-Key replay on creates.
func (h *Handler) SetIdempotency(s *redis.IdempotencyService) {
	h.idempotency = s
}

// SetSweeper enables POST /v1/webhooks/process.
func (h *Handler) SetSweeper(s Sweeper) {
	h.sweeper = s
}

// SetBreakers enables GET /v1/webhooks/breakers.
func (h *Handler) SetBreakers(b BreakerStats) {
	h.breakers = b
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Health(r.Context()); err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// create runs a create under the Idempotency-Key protocol. A repeated key
// replays the stored entity instead of creating a second one.
func (h *Handler) create(w http.ResponseWriter, r *http.Request, kind store.Kind,
	do func(ctx context.Context) (store.Entity, error),
	get func(ctx context.Context, id string) (any, error),
) {
	ctx := r.Context()
	key := r.Header.Get("Idempotency-Key")
	scope := string(kind)
	useKey := key != "" && h.idempotency != nil

	if useKey {
		cached, err := h.idempotency.CheckOrReserve(ctx, scope, key)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
			useKey = false
		case cached != nil:
			metrics.RecordIdempotencyHit()
			entity, err := get(ctx, cached.EntityID)
			if err != nil {
				h.handleError(w, err, "replay "+scope)
				return
			}
			w.Header().Set("X-Idempotency-Replayed", "true")
			writeJSON(w, cached.StatusCode, entity)
			return
		}
	}

	entity, err := do(ctx)
	if err != nil {
		if useKey {
			if rerr := h.idempotency.Release(context.WithoutCancel(ctx), scope, key); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr), zap.String("idempotency_key", key))
			}
		}
		h.handleError(w, err, "create "+scope)
		return
	}

	if useKey {
		result := &redis.IdempotencyResult{
			EntityID:   entity.EntityID(),
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, scope, key, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		}
	}

	writeJSON(w, http.StatusCreated, entity)
}

// handleError maps domain and store errors onto HTTP responses.
func (h *Handler) handleError(w http.ResponseWriter, err error, action string) {
	var verr *school.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, ValidationResponse{Valid: false, Error: verr.Message})
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Resource not found", err.Error())
	case errors.Is(err, store.ErrConflict):
		h.writeError(w, http.StatusConflict, "conflict", "Resource already exists", err.Error())
	case errors.Is(err, store.ErrInvalidInput):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// the governor has already answered, or the client is gone
	default:
		h.logger.Error("request failed", zap.String("action", action), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to "+action, "")
	}
}

func (h *Handler) invalid(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnprocessableEntity, ValidationResponse{Valid: false, Error: msg})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// page slices rows by the limit and offset query parameters, defaulting to
// the first 20.
func page[T any](r *http.Request, rows []T) ListResponse {
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	start := min(offset, len(rows))
	end := min(start+limit, len(rows))
	data := rows[start:end]
	if data == nil {
		data = []T{}
	}
	return ListResponse{
		Data:   data,
		Count:  len(data),
		Total:  len(rows),
		Limit:  limit,
		Offset: offset,
	}
}
