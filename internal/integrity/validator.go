// Package integrity checks foreign keys before a write is allowed and reports
// which rows still point at a row about to be deleted.
//
// Every lookup is read-only. A reference that does not resolve to a live row
// is a validation failure, reported in Result. Only infrastructure failures
// come back as errors.
package integrity

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/db"
	"github.com/lalithlochan/campus/internal/store"
)

// Reader is the slice of the repository the validator needs.
type Reader interface {
	GetUser(ctx context.Context, id string) (*db.User, error)
	GetClass(ctx context.Context, id string) (*db.Class, error)
	GetCourse(ctx context.Context, id string) (*db.Course, error)
	ListIndex(ctx context.Context, index, key string) ([]string, error)
}

// Result is the outcome of validating one payload.
type Result struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

var valid = Result{Valid: true}

func invalid(format string, args ...any) Result {
	return Result{Valid: false, Error: fmt.Sprintf(format, args...)}
}

// Validator resolves foreign keys against live rows.
type Validator struct {
	reader Reader
	logger *zap.Logger
}

func NewValidator(reader Reader, logger *zap.Logger) *Validator {
	return &Validator{reader: reader, logger: logger}
}

// ValidateGrade requires a live student and a live course.
func (v *Validator) ValidateGrade(ctx context.Context, g *db.Grade) (Result, error) {
	if g == nil || g.StudentID == "" {
		return invalid("student_id is required"), nil
	}
	if g.CourseID == "" {
		return invalid("course_id is required"), nil
	}

	student, err := v.reader.GetUser(ctx, g.StudentID)
	if errors.Is(err, store.ErrNotFound) {
		return invalid("student not found: %s", g.StudentID), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("look up student %s: %w", g.StudentID, err)
	}
	if student.Role != db.RoleStudent {
		return invalid("user %s is not a student", g.StudentID), nil
	}

	_, err = v.reader.GetCourse(ctx, g.CourseID)
	if errors.Is(err, store.ErrNotFound) {
		return invalid("course not found: %s", g.CourseID), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("look up course %s: %w", g.CourseID, err)
	}
	return valid, nil
}

// ValidateClass requires a live teacher.
func (v *Validator) ValidateClass(ctx context.Context, c *db.Class) (Result, error) {
	if c == nil {
		return v.validateTeacher(ctx, "")
	}
	return v.validateTeacher(ctx, c.TeacherID)
}

// ValidateCourse requires a live teacher.
func (v *Validator) ValidateCourse(ctx context.Context, c *db.Course) (Result, error) {
	if c == nil {
		return v.validateTeacher(ctx, "")
	}
	return v.validateTeacher(ctx, c.TeacherID)
}

func (v *Validator) validateTeacher(ctx context.Context, teacherID string) (Result, error) {
	if teacherID == "" {
		return invalid("teacher_id is required"), nil
	}
	teacher, err := v.reader.GetUser(ctx, teacherID)
	if errors.Is(err, store.ErrNotFound) {
		return invalid("teacher not found: %s", teacherID), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("look up teacher %s: %w", teacherID, err)
	}
	if teacher.Role != db.RoleTeacher {
		return invalid("user %s is not a teacher", teacherID), nil
	}
	return valid, nil
}

// ValidateStudent requires a live class for a user with the student role.
func (v *Validator) ValidateStudent(ctx context.Context, u *db.User) (Result, error) {
	if u == nil || u.ClassID == "" {
		return invalid("class_id is required"), nil
	}
	_, err := v.reader.GetClass(ctx, u.ClassID)
	if errors.Is(err, store.ErrNotFound) {
		return invalid("class not found: %s", u.ClassID), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("look up class %s: %w", u.ClassID, err)
	}
	return valid, nil
}

// ValidateAnnouncement requires a live author of any role.
func (v *Validator) ValidateAnnouncement(ctx context.Context, a *db.Announcement) (Result, error) {
	if a == nil || a.AuthorID == "" {
		return invalid("author_id is required"), nil
	}
	_, err := v.reader.GetUser(ctx, a.AuthorID)
	if errors.Is(err, store.ErrNotFound) {
		return invalid("author not found: %s", a.AuthorID), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("look up author %s: %w", a.AuthorID, err)
	}
	return valid, nil
}
