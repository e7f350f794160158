// Package school is the write path for school records. Every create and
// update is checked against live rows inside the same transaction that
// stores it, and every mutation records the matching webhook event.
package school

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/db"
	"github.com/lalithlochan/campus/internal/integrity"
	"github.com/lalithlochan/campus/internal/metrics"
	"github.com/lalithlochan/campus/internal/store"
)

// ValidationError rejects a payload. Message is safe to show to the caller.
type ValidationError struct {
	Kind    store.Kind
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Kind, e.Message)
}

// DeleteResult reports a completed delete and the rows that still point at it.
type DeleteResult struct {
	ID       string   `json:"id"`
	Deleted  bool     `json:"deleted"`
	Warnings []string `json:"warnings"`
}

// Service validates and applies mutations to school records.
type Service struct {
	repo      *db.Repository
	validator *integrity.Validator
	logger    *zap.Logger
}

func New(repo *db.Repository, logger *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		validator: integrity.NewValidator(repo, logger),
		logger:    logger,
	}
}

// Validator exposes the read-side checks for callers that only want a verdict.
func (s *Service) Validator() *integrity.Validator {
	return s.validator
}

type check func(ctx context.Context, v *integrity.Validator) (integrity.Result, error)

// guard runs checks against the write transaction's view of the store.
func (s *Service) guard(ctx context.Context, kind store.Kind, checks ...check) db.Guard {
	return func(r db.TxReader) error {
		v := integrity.NewValidator(r, s.logger)
		for _, c := range checks {
			res, err := c(ctx, v)
			if err != nil {
				return err
			}
			if !res.Valid {
				return &ValidationError{Kind: kind, Message: res.Error}
			}
		}
		return nil
	}
}

func (s *Service) reject(kind store.Kind, msg string) error {
	metrics.RecordValidationRejection(string(kind))
	return &ValidationError{Kind: kind, Message: msg}
}

// observe records the outcome of a mutation. Validation failures raised
// inside the transaction are counted here.
func (s *Service) observe(kind store.Kind, op string, err error) error {
	if err == nil {
		metrics.RecordMutation(string(kind), op)
		return nil
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		metrics.RecordValidationRejection(string(kind))
		s.logger.Debug("mutation rejected",
			zap.String("kind", string(kind)),
			zap.String("op", op),
			zap.String("reason", verr.Message),
		)
		return verr
	}
	return err
}

func (s *Service) delete(ctx context.Context, kind store.Kind, id, eventType string) (*DeleteResult, error) {
	warnings, err := s.validator.CheckDependents(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.DeleteWithEvent(ctx, kind, id, eventType); err != nil {
		return nil, err
	}
	metrics.RecordMutation(string(kind), "delete")

	if len(warnings) > 0 {
		s.logger.Warn("deleted row still referenced",
			zap.String("kind", string(kind)),
			zap.String("id", id),
			zap.Strings("warnings", warnings),
		)
	}
	return &DeleteResult{ID: id, Deleted: true, Warnings: warnings}, nil
}

func newID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

// Users

// UserPatch carries the mutable user fields; nil leaves a field unchanged.
type UserPatch struct {
	Name    *string `json:"name"`
	Email   *string `json:"email"`
	Role    *string `json:"role"`
	ClassID *string `json:"class_id"`
}

func (s *Service) userChecks(u *db.User) []check {
	if u.Role != db.RoleStudent {
		return nil
	}
	return []check{func(ctx context.Context, v *integrity.Validator) (integrity.Result, error) {
		return v.ValidateStudent(ctx, u)
	}}
}

func validateUserFields(u *db.User) string {
	switch {
	case strings.TrimSpace(u.Name) == "":
		return "name is required"
	case strings.TrimSpace(u.Email) == "":
		return "email is required"
	case u.Role == "":
		return "role is required"
	case !db.ValidRole(u.Role):
		return fmt.Sprintf("unknown role: %s", u.Role)
	case u.Role != db.RoleStudent && u.ClassID != "":
		return "class_id only applies to students"
	}
	return ""
}

func (s *Service) CreateUser(ctx context.Context, u *db.User) (*db.User, error) {
	if msg := validateUserFields(u); msg != "" {
		return nil, s.reject(db.KindUser, msg)
	}
	u.ID = newID(u.ID)

	_, err := s.repo.CreateChecked(ctx, db.KindUser, u, db.EventUserCreated, s.guard(ctx, db.KindUser, s.userChecks(u)...))
	if err := s.observe(db.KindUser, "create", err); err != nil {
		return nil, err
	}
	return u, nil
}

// UpdateUser applies patch. A user's role never changes once created.
func (s *Service) UpdateUser(ctx context.Context, id string, patch UserPatch) (*db.User, error) {
	var u db.User
	mutate := func() error {
		if patch.Role != nil && *patch.Role != u.Role {
			return &ValidationError{Kind: db.KindUser, Message: "role is immutable"}
		}
		if patch.Name != nil {
			u.Name = *patch.Name
		}
		if patch.Email != nil {
			u.Email = *patch.Email
		}
		if patch.ClassID != nil {
			u.ClassID = *patch.ClassID
		}
		if msg := validateUserFields(&u); msg != "" {
			return &ValidationError{Kind: db.KindUser, Message: msg}
		}
		return nil
	}
	guard := func(r db.TxReader) error {
		return s.guard(ctx, db.KindUser, s.userChecks(&u)...)(r)
	}

	_, err := s.repo.UpdateChecked(ctx, db.KindUser, id, &u, mutate, db.EventUserUpdated, guard)
	if err := s.observe(db.KindUser, "update", err); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Service) DeleteUser(ctx context.Context, id string) (*DeleteResult, error) {
	return s.delete(ctx, db.KindUser, id, db.EventUserDeleted)
}

// Classes

// ClassPatch carries the mutable class fields.
type ClassPatch struct {
	Name      *string `json:"name"`
	TeacherID *string `json:"teacher_id"`
}

func (s *Service) CreateClass(ctx context.Context, c *db.Class) (*db.Class, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, s.reject(db.KindClass, "name is required")
	}
	c.ID = newID(c.ID)

	guard := s.guard(ctx, db.KindClass, func(ctx context.Context, v *integrity.Validator) (integrity.Result, error) {
		return v.ValidateClass(ctx, c)
	})
	_, err := s.repo.CreateChecked(ctx, db.KindClass, c, db.EventClassCreated, guard)
	if err := s.observe(db.KindClass, "create", err); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) UpdateClass(ctx context.Context, id string, patch ClassPatch) (*db.Class, error) {
	var c db.Class
	mutate := func() error {
		if patch.Name != nil {
			if strings.TrimSpace(*patch.Name) == "" {
				return &ValidationError{Kind: db.KindClass, Message: "name is required"}
			}
			c.Name = *patch.Name
		}
		if patch.TeacherID != nil {
			c.TeacherID = *patch.TeacherID
		}
		return nil
	}
	guard := s.guard(ctx, db.KindClass, func(ctx context.Context, v *integrity.Validator) (integrity.Result, error) {
		return v.ValidateClass(ctx, &c)
	})

	_, err := s.repo.UpdateChecked(ctx, db.KindClass, id, &c, mutate, db.EventClassUpdated, guard)
	if err := s.observe(db.KindClass, "update", err); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Service) DeleteClass(ctx context.Context, id string) (*DeleteResult, error) {
	return s.delete(ctx, db.KindClass, id, db.EventClassDeleted)
}

// Courses

// CoursePatch carries the mutable course fields.
type CoursePatch struct {
	Name      *string `json:"name"`
	TeacherID *string `json:"teacher_id"`
}

func (s *Service) CreateCourse(ctx context.Context, c *db.Course) (*db.Course, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, s.reject(db.KindCourse, "name is required")
	}
	c.ID = newID(c.ID)

	guard := s.guard(ctx, db.KindCourse, func(ctx context.Context, v *integrity.Validator) (integrity.Result, error) {
		return v.ValidateCourse(ctx, c)
	})
	_, err := s.repo.CreateChecked(ctx, db.KindCourse, c, db.EventCourseCreated, guard)
	if err := s.observe(db.KindCourse, "create", err); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) UpdateCourse(ctx context.Context, id string, patch CoursePatch) (*db.Course, error) {
	var c db.Course
	mutate := func() error {
		if patch.Name != nil {
			if strings.TrimSpace(*patch.Name) == "" {
				return &ValidationError{Kind: db.KindCourse, Message: "name is required"}
			}
			c.Name = *patch.Name
		}
		if patch.TeacherID != nil {
			c.TeacherID = *patch.TeacherID
		}
		return nil
	}
	guard := s.guard(ctx, db.KindCourse, func(ctx context.Context, v *integrity.Validator) (integrity.Result, error) {
		return v.ValidateCourse(ctx, &c)
	})

	_, err := s.repo.UpdateChecked(ctx, db.KindCourse, id, &c, mutate, db.EventCourseUpdated, guard)
	if err := s.observe(db.KindCourse, "update", err); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Service) DeleteCourse(ctx context.Context, id string) (*DeleteResult, error) {
	return s.delete(ctx, db.KindCourse, id, db.EventCourseDeleted)
}

// Grades

// MaxScore is the top of the grading scale.
const MaxScore = 100

// GradePatch carries the only grade fields that change after creation.
type GradePatch struct {
	Score    *float64 `json:"score"`
	Feedback *string  `json:"feedback"`
}

func scoreInRange(score float64) bool {
	return score >= 0 && score <= MaxScore
}

// CreateGrade records a student's score in a course. A second grade for the
// same student and course is a conflict.
func (s *Service) CreateGrade(ctx context.Context, g *db.Grade) (*db.Grade, error) {
	if !scoreInRange(g.Score) {
		return nil, s.reject(db.KindGrade, "score must be between 0 and 100")
	}
	g.ID = newID(g.ID)

	guard := s.guard(ctx, db.KindGrade, func(ctx context.Context, v *integrity.Validator) (integrity.Result, error) {
		return v.ValidateGrade(ctx, g)
	})
	_, err := s.repo.CreateChecked(ctx, db.KindGrade, g, db.EventGradeCreated, guard)
	if err := s.observe(db.KindGrade, "create", err); err != nil {
		return nil, err
	}
	return g, nil
}

// UpdateGrade changes score and feedback. Student and course are fixed.
func (s *Service) UpdateGrade(ctx context.Context, id string, patch GradePatch) (*db.Grade, error) {
	if patch.Score != nil && !scoreInRange(*patch.Score) {
		return nil, s.reject(db.KindGrade, "score must be between 0 and 100")
	}

	var g db.Grade
	mutate := func() error {
		if patch.Score != nil {
			g.Score = *patch.Score
		}
		if patch.Feedback != nil {
			g.Feedback = *patch.Feedback
		}
		return nil
	}

	_, err := s.repo.UpdateWithEvent(ctx, db.KindGrade, id, &g, mutate, db.EventGradeUpdated)
	if err := s.observe(db.KindGrade, "update", err); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Service) DeleteGrade(ctx context.Context, id string) (*DeleteResult, error) {
	return s.delete(ctx, db.KindGrade, id, db.EventGradeDeleted)
}

func (s *Service) GetGradeByStudentAndCourse(ctx context.Context, studentID, courseID string) (*db.Grade, error) {
	if studentID == "" || courseID == "" {
		return nil, s.reject(db.KindGrade, "student_id and course_id are required")
	}
	return s.repo.GetGradeByStudentAndCourse(ctx, studentID, courseID)
}

func (s *Service) ListGradesByCourse(ctx context.Context, courseID string) ([]*db.Grade, error) {
	if _, err := s.repo.GetCourse(ctx, courseID); err != nil {
		return nil, err
	}
	return s.repo.ListGradesByCourse(ctx, courseID)
}

// Announcements

// AnnouncementPatch carries the mutable announcement fields. The author is fixed.
type AnnouncementPatch struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
}

func (s *Service) CreateAnnouncement(ctx context.Context, a *db.Announcement) (*db.Announcement, error) {
	if strings.TrimSpace(a.Title) == "" {
		return nil, s.reject(db.KindAnnouncement, "title is required")
	}
	a.ID = newID(a.ID)

	guard := s.guard(ctx, db.KindAnnouncement, func(ctx context.Context, v *integrity.Validator) (integrity.Result, error) {
		return v.ValidateAnnouncement(ctx, a)
	})
	_, err := s.repo.CreateChecked(ctx, db.KindAnnouncement, a, db.EventAnnouncementCreated, guard)
	if err := s.observe(db.KindAnnouncement, "create", err); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) UpdateAnnouncement(ctx context.Context, id string, patch AnnouncementPatch) (*db.Announcement, error) {
	var a db.Announcement
	mutate := func() error {
		if patch.Title != nil {
			if strings.TrimSpace(*patch.Title) == "" {
				return &ValidationError{Kind: db.KindAnnouncement, Message: "title is required"}
			}
			a.Title = *patch.Title
		}
		if patch.Content != nil {
			a.Content = *patch.Content
		}
		return nil
	}

	_, err := s.repo.UpdateWithEvent(ctx, db.KindAnnouncement, id, &a, mutate, db.EventAnnouncementUpdated)
	if err := s.observe(db.KindAnnouncement, "update", err); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Service) DeleteAnnouncement(ctx context.Context, id string) (*DeleteResult, error) {
	return s.delete(ctx, db.KindAnnouncement, id, db.EventAnnouncementDeleted)
}

// CheckDependents lists the rows that still reference kind/id.
func (s *Service) CheckDependents(ctx context.Context, kind store.Kind, id string) ([]string, error) {
	return s.validator.CheckDependents(ctx, kind, id)
}
