package api

import (
	"context"
	"net/http"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/db"
	"github.com/lalithlochan/campus/internal/school"
	"github.com/lalithlochan/campus/internal/store"
)

// UserRequest is the body of POST /v1/users
type UserRequest struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	ClassID string `json:"class_id"`
}

// CreateUser handles POST /v1/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Email != "" && !govalidator.IsEmail(req.Email) {
		h.invalid(w, "email is not a valid address")
		return
	}

	h.create(w, r, db.KindUser, func(ctx context.Context) (store.Entity, error) {
		return h.svc.CreateUser(ctx, &db.User{
			ID:      req.ID,
			Name:    req.Name,
			Email:   req.Email,
			Role:    req.Role,
			ClassID: req.ClassID,
		})
	}, func(ctx context.Context, id string) (any, error) {
		return h.repo.GetUser(ctx, id)
	})
}

// GetUser handles GET /v1/users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.repo.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, err, "get user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ListUsers handles GET /v1/users?role=student
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.repo.ListUsers(r.Context())
	if err != nil {
		h.handleError(w, err, "list users")
		return
	}
	if role := r.URL.Query().Get("role"); role != "" {
		filtered := make([]*db.User, 0, len(users))
		for _, u := range users {
			if u.Role == role {
				filtered = append(filtered, u)
			}
		}
		users = filtered
	}
	writeJSON(w, http.StatusOK, page(r, users))
}

// UpdateUser handles PATCH /v1/users/{id}
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var patch school.UserPatch
	if !h.decode(w, r, &patch) {
		return
	}
	if patch.Email != nil && *patch.Email != "" && !govalidator.IsEmail(*patch.Email) {
		h.invalid(w, "email is not a valid address")
		return
	}

	u, err := h.svc.UpdateUser(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.handleError(w, err, "update user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// DeleteUser handles DELETE /v1/users/{id}
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	h.writeDelete(w, r, "delete user", h.svc.DeleteUser)
}

// ClassRequest is the body of POST /v1/classes
type ClassRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TeacherID string `json:"teacher_id"`
}

// CreateClass handles POST /v1/classes
func (h *Handler) CreateClass(w http.ResponseWriter, r *http.Request) {
	var req ClassRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.create(w, r, db.KindClass, func(ctx context.Context) (store.Entity, error) {
		return h.svc.CreateClass(ctx, &db.Class{ID: req.ID, Name: req.Name, TeacherID: req.TeacherID})
	}, func(ctx context.Context, id string) (any, error) {
		return h.repo.GetClass(ctx, id)
	})
}

// GetClass handles GET /v1/classes/{id}
func (h *Handler) GetClass(w http.ResponseWriter, r *http.Request) {
	c, err := h.repo.GetClass(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, err, "get class")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListClasses handles GET /v1/classes
func (h *Handler) ListClasses(w http.ResponseWriter, r *http.Request) {
	classes, err := h.repo.ListClasses(r.Context())
	if err != nil {
		h.handleError(w, err, "list classes")
		return
	}
	writeJSON(w, http.StatusOK, page(r, classes))
}

// UpdateClass handles PATCH /v1/classes/{id}
func (h *Handler) UpdateClass(w http.ResponseWriter, r *http.Request) {
	var patch school.ClassPatch
	if !h.decode(w, r, &patch) {
		return
	}
	c, err := h.svc.UpdateClass(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.handleError(w, err, "update class")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// DeleteClass handles DELETE /v1/classes/{id}
func (h *Handler) DeleteClass(w http.ResponseWriter, r *http.Request) {
	h.writeDelete(w, r, "delete class", h.svc.DeleteClass)
}

// CourseRequest is the body of POST /v1/courses
type CourseRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TeacherID string `json:"teacher_id"`
}

// CreateCourse handles POST /v1/courses
func (h *Handler) CreateCourse(w http.ResponseWriter, r *http.Request) {
	var req CourseRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.create(w, r, db.KindCourse, func(ctx context.Context) (store.Entity, error) {
		return h.svc.CreateCourse(ctx, &db.Course{ID: req.ID, Name: req.Name, TeacherID: req.TeacherID})
	}, func(ctx context.Context, id string) (any, error) {
		return h.repo.GetCourse(ctx, id)
	})
}

// GetCourse handles GET /v1/courses/{id}
func (h *Handler) GetCourse(w http.ResponseWriter, r *http.Request) {
	c, err := h.repo.GetCourse(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, err, "get course")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListCourses handles GET /v1/courses
func (h *Handler) ListCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := h.repo.ListCourses(r.Context())
	if err != nil {
		h.handleError(w, err, "list courses")
		return
	}
	writeJSON(w, http.StatusOK, page(r, courses))
}

// UpdateCourse handles PATCH /v1/courses/{id}
func (h *Handler) UpdateCourse(w http.ResponseWriter, r *http.Request) {
	var patch school.CoursePatch
	if !h.decode(w, r, &patch) {
		return
	}
	c, err := h.svc.UpdateCourse(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.handleError(w, err, "update course")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// DeleteCourse handles DELETE /v1/courses/{id}
func (h *Handler) DeleteCourse(w http.ResponseWriter, r *http.Request) {
	h.writeDelete(w, r, "delete course", h.svc.DeleteCourse)
}

// ListCourseGrades handles GET /v1/courses/{id}/grades
func (h *Handler) ListCourseGrades(w http.ResponseWriter, r *http.Request) {
	grades, err := h.svc.ListGradesByCourse(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, err, "list course grades")
		return
	}
	writeJSON(w, http.StatusOK, page(r, grades))
}

// GradeRequest is the body of POST /v1/grades
type GradeRequest struct {
	ID        string  `json:"id"`
	StudentID string  `json:"student_id"`
	CourseID  string  `json:"course_id"`
	Score     float64 `json:"score"`
	Feedback  string  `json:"feedback"`
}

// CreateGrade handles POST /v1/grades
func (h *Handler) CreateGrade(w http.ResponseWriter, r *http.Request) {
	var req GradeRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.create(w, r, db.KindGrade, func(ctx context.Context) (store.Entity, error) {
		return h.svc.CreateGrade(ctx, &db.Grade{
			ID:        req.ID,
			StudentID: req.StudentID,
			CourseID:  req.CourseID,
			Score:     req.Score,
			Feedback:  req.Feedback,
		})
	}, func(ctx context.Context, id string) (any, error) {
		return h.repo.GetGrade(ctx, id)
	})
}

// GetGrade handles GET /v1/grades/{id}
func (h *Handler) GetGrade(w http.ResponseWriter, r *http.Request) {
	g, err := h.repo.GetGrade(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, err, "get grade")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// ListGrades handles GET /v1/grades
func (h *Handler) ListGrades(w http.ResponseWriter, r *http.Request) {
	grades, err := h.repo.ListGrades(r.Context())
	if err != nil {
		h.handleError(w, err, "list grades")
		return
	}
	writeJSON(w, http.StatusOK, page(r, grades))
}

// LookupGrade handles GET /v1/grades/lookup?student_id=xxx&course_id=yyy
func (h *Handler) LookupGrade(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	g, err := h.svc.GetGradeByStudentAndCourse(r.Context(), q.Get("student_id"), q.Get("course_id"))
	if err != nil {
		h.handleError(w, err, "look up grade")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// UpdateGrade handles PATCH /v1/grades/{id}. Only score and feedback change.
func (h *Handler) UpdateGrade(w http.ResponseWriter, r *http.Request) {
	var patch school.GradePatch
	if !h.decode(w, r, &patch) {
		return
	}
	g, err := h.svc.UpdateGrade(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.handleError(w, err, "update grade")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// DeleteGrade handles DELETE /v1/grades/{id}
func (h *Handler) DeleteGrade(w http.ResponseWriter, r *http.Request) {
	h.writeDelete(w, r, "delete grade", h.svc.DeleteGrade)
}

// AnnouncementRequest is the body of POST /v1/announcements
type AnnouncementRequest struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	AuthorID string `json:"author_id"`
}

// CreateAnnouncement handles POST /v1/announcements
func (h *Handler) CreateAnnouncement(w http.ResponseWriter, r *http.Request) {
	var req AnnouncementRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.create(w, r, db.KindAnnouncement, func(ctx context.Context) (store.Entity, error) {
		return h.svc.CreateAnnouncement(ctx, &db.Announcement{
			ID:       req.ID,
			Title:    req.Title,
			Content:  req.Content,
			AuthorID: req.AuthorID,
		})
	}, func(ctx context.Context, id string) (any, error) {
		return h.repo.GetAnnouncement(ctx, id)
	})
}

// GetAnnouncement handles GET /v1/announcements/{id}
func (h *Handler) GetAnnouncement(w http.ResponseWriter, r *http.Request) {
	a, err := h.repo.GetAnnouncement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, err, "get announcement")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ListAnnouncements handles GET /v1/announcements
func (h *Handler) ListAnnouncements(w http.ResponseWriter, r *http.Request) {
	announcements, err := h.repo.ListAnnouncements(r.Context())
	if err != nil {
		h.handleError(w, err, "list announcements")
		return
	}
	writeJSON(w, http.StatusOK, page(r, announcements))
}

// UpdateAnnouncement handles PATCH /v1/announcements/{id}
func (h *Handler) UpdateAnnouncement(w http.ResponseWriter, r *http.Request) {
	var patch school.AnnouncementPatch
	if !h.decode(w, r, &patch) {
		return
	}
	a, err := h.svc.UpdateAnnouncement(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.handleError(w, err, "update announcement")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// DeleteAnnouncement handles DELETE /v1/announcements/{id}
func (h *Handler) DeleteAnnouncement(w http.ResponseWriter, r *http.Request) {
	h.writeDelete(w, r, "delete announcement", h.svc.DeleteAnnouncement)
}

// Dependents handles GET /v1/{kind}/{id}/dependents for kind.
func (h *Handler) Dependents(kind store.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		warnings, err := h.svc.CheckDependents(r.Context(), kind, id)
		if err != nil {
			h.handleError(w, err, "check dependents")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"kind":     kind,
			"id":       id,
			"warnings": warnings,
		})
	}
}

func (h *Handler) writeDelete(w http.ResponseWriter, r *http.Request, action string,
	del func(ctx context.Context, id string) (*school.DeleteResult, error),
) {
	res, err := del(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, err, action)
		return
	}
	if len(res.Warnings) > 0 {
		h.logger.Info("delete left dependents",
			zap.String("action", action),
			zap.String("id", res.ID),
			zap.Int("warnings", len(res.Warnings)),
		)
	}
	writeJSON(w, http.StatusOK, res)
}
