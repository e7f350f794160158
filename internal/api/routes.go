package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/db"
	"github.com/lalithlochan/campus/internal/governor"
	"github.com/lalithlochan/campus/internal/metrics"
	"github.com/lalithlochan/campus/internal/redis"
)

// NewRouter mounts every route. Each one runs under its governor deadline.
// limiter may be nil.
func NewRouter(h *Handler, gov *governor.Governor, limiter *redis.RateLimiter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	op := gov.Middleware

	r.With(op("HEALTH_CHECK")).Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter, logger, ClientKeyFunc))

		r.Route("/users", func(r chi.Router) {
			r.With(op("USER_CREATE")).Post("/", h.CreateUser)
			r.With(op("USER_LIST")).Get("/", h.ListUsers)
			r.With(op("USER_GET")).Get("/{id}", h.GetUser)
			r.With(op("USER_UPDATE")).Patch("/{id}", h.UpdateUser)
			r.With(op("USER_DELETE")).Delete("/{id}", h.DeleteUser)
			r.With(op("DEPENDENTS_CHECK")).Get("/{id}/dependents", h.Dependents(db.KindUser))
		})

		r.Route("/classes", func(r chi.Router) {
			r.With(op("CLASS_CREATE")).Post("/", h.CreateClass)
			r.With(op("CLASS_LIST")).Get("/", h.ListClasses)
			r.With(op("CLASS_GET")).Get("/{id}", h.GetClass)
			r.With(op("CLASS_UPDATE")).Patch("/{id}", h.UpdateClass)
			r.With(op("CLASS_DELETE")).Delete("/{id}", h.DeleteClass)
			r.With(op("DEPENDENTS_CHECK")).Get("/{id}/dependents", h.Dependents(db.KindClass))
		})

		r.Route("/courses", func(r chi.Router) {
			r.With(op("COURSE_CREATE")).Post("/", h.CreateCourse)
			r.With(op("COURSE_LIST")).Get("/", h.ListCourses)
			r.With(op("COURSE_GET")).Get("/{id}", h.GetCourse)
			r.With(op("COURSE_UPDATE")).Patch("/{id}", h.UpdateCourse)
			r.With(op("COURSE_DELETE")).Delete("/{id}", h.DeleteCourse)
			r.With(op("GRADES_BY_COURSE")).Get("/{id}/grades", h.ListCourseGrades)
			r.With(op("DEPENDENTS_CHECK")).Get("/{id}/dependents", h.Dependents(db.KindCourse))
		})

		r.Route("/grades", func(r chi.Router) {
			r.With(op("GRADE_CREATE")).Post("/", h.CreateGrade)
			r.With(op("GRADE_LIST")).Get("/", h.ListGrades)
			r.With(op("GRADE_LOOKUP")).Get("/lookup", h.LookupGrade)
			r.With(op("GRADE_GET")).Get("/{id}", h.GetGrade)
			r.With(op("GRADE_UPDATE")).Patch("/{id}", h.UpdateGrade)
			r.With(op("GRADE_DELETE")).Delete("/{id}", h.DeleteGrade)
			r.With(op("DEPENDENTS_CHECK")).Get("/{id}/dependents", h.Dependents(db.KindGrade))
		})

		r.Route("/announcements", func(r chi.Router) {
			r.With(op("ANNOUNCEMENT_CREATE")).Post("/", h.CreateAnnouncement)
			r.With(op("ANNOUNCEMENT_LIST")).Get("/", h.ListAnnouncements)
			r.With(op("ANNOUNCEMENT_GET")).Get("/{id}", h.GetAnnouncement)
			r.With(op("ANNOUNCEMENT_UPDATE")).Patch("/{id}", h.UpdateAnnouncement)
			r.With(op("ANNOUNCEMENT_DELETE")).Delete("/{id}", h.DeleteAnnouncement)
			r.With(op("DEPENDENTS_CHECK")).Get("/{id}/dependents", h.Dependents(db.KindAnnouncement))
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.With(op("WEBHOOK_CONFIG_CREATE")).Post("/configs", h.CreateWebhookConfig)
			r.With(op("WEBHOOK_CONFIG_LIST")).Get("/configs", h.ListWebhookConfigs)
			r.With(op("WEBHOOK_CONFIG_GET")).Get("/configs/{id}", h.GetWebhookConfig)
			r.With(op("WEBHOOK_CONFIG_UPDATE")).Patch("/configs/{id}", h.UpdateWebhookConfig)
			r.With(op("WEBHOOK_CONFIG_DELETE")).Delete("/configs/{id}", h.DeleteWebhookConfig)

			r.With(op("WEBHOOK_EVENT_LIST")).Get("/events", h.ListWebhookEvents)
			r.With(op("WEBHOOK_EVENT_GET")).Get("/events/{id}", h.GetWebhookEvent)

			r.With(op("WEBHOOK_TRIGGER")).Post("/process", h.ProcessWebhooks)
			r.With(op("BREAKER_STATS")).Get("/breakers", h.Breakers)

			r.With(op("DLQ_LIST")).Get("/dlq", h.ListDeadLetters)
			r.With(op("DLQ_GET")).Get("/dlq/{id}", h.GetDeadLetter)
			r.With(op("DLQ_DELETE")).Delete("/dlq/{id}", h.DeleteDeadLetter)
			r.With(op("DLQ_REQUEUE")).Post("/dlq/{id}/requeue", h.RequeueDeadLetter)
		})

		r.With(op("REBUILD_INDEXES")).Post("/admin/rebuild-indexes", h.RebuildIndexes)
	})

	return r
}
