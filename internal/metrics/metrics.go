package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campus_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "campus_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	entityMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campus_entity_mutations_total",
			Help: "Committed entity writes by kind and operation",
		},
		[]string{"kind", "op"},
	)

	validationRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campus_validation_rejections_total",
			Help: "Writes refused by referential integrity checks",
		},
		[]string{"kind"},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campus_webhook_delivery_attempts_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	deadLettersCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campus_webhook_dead_letters_total",
			Help: "Deliveries moved to the dead letter queue",
		},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "campus_webhook_sweep_duration_seconds",
			Help:    "Time spent in one delivery sweep",
			Buckets: []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30},
		},
	)

	governorTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campus_governor_timeouts_total",
			Help: "Operations that overran their timeout bucket",
		},
		[]string{"op"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campus_idempotency_hits_total",
			Help: "Creates answered from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campus_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordMutation counts a committed create, update or delete
func RecordMutation(kind, op string) {
	entityMutations.WithLabelValues(kind, op).Inc()
}

// RecordValidationRejection counts a write refused for a dangling reference
func RecordValidationRejection(kind string) {
	validationRejections.WithLabelValues(kind).Inc()
}

// RecordDeliveryAttempt counts one attempt: success, failure, or skipped
func RecordDeliveryAttempt(outcome string) {
	deliveryAttempts.WithLabelValues(outcome).Inc()
}

// RecordDeadLetter counts a delivery that exhausted its attempts
func RecordDeadLetter() {
	deadLettersCreated.Inc()
}

// RecordSweep records how long a delivery sweep took
func RecordSweep(duration time.Duration) {
	sweepDuration.Observe(duration.Seconds())
}

// RecordGovernorTimeout counts an operation that hit its deadline
func RecordGovernorTimeout(op string) {
	governorTimeouts.WithLabelValues(op).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled with the chi route pattern so ids do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
