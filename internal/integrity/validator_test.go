package integrity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/db"
	"github.com/lalithlochan/campus/internal/store"
)

// fakeReader resolves ids from maps. A missing map entry is ErrNotFound.
type fakeReader struct {
	users   map[string]*db.User
	classes map[string]*db.Class
	courses map[string]*db.Course
	indexes map[string]map[string][]string
	err     error
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		users: map[string]*db.User{
			"t1": {ID: "t1", Role: db.RoleTeacher},
			"s1": {ID: "s1", Role: db.RoleStudent, ClassID: "k1"},
			"p1": {ID: "p1", Role: db.RoleParent},
		},
		classes: map[string]*db.Class{"k1": {ID: "k1", TeacherID: "t1"}},
		courses: map[string]*db.Course{"c1": {ID: "c1", TeacherID: "t1"}},
		indexes: map[string]map[string][]string{},
	}
}

func (f *fakeReader) GetUser(_ context.Context, id string) (*db.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("users %s: %w", id, store.ErrNotFound)
}

func (f *fakeReader) GetClass(_ context.Context, id string) (*db.Class, error) {
	if f.err != nil {
		return nil, f.err
	}
	if c, ok := f.classes[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("classes %s: %w", id, store.ErrNotFound)
}

func (f *fakeReader) GetCourse(_ context.Context, id string) (*db.Course, error) {
	if f.err != nil {
		return nil, f.err
	}
	if c, ok := f.courses[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("courses %s: %w", id, store.ErrNotFound)
}

func (f *fakeReader) ListIndex(_ context.Context, index, key string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.indexes[index][key], nil
}

func (f *fakeReader) file(index, key, id string) {
	if f.indexes[index] == nil {
		f.indexes[index] = map[string][]string{}
	}
	f.indexes[index][key] = append(f.indexes[index][key], id)
}

func TestValidateGrade(t *testing.T) {
	v := NewValidator(newFakeReader(), zap.NewNop())

	tests := []struct {
		name    string
		grade   *db.Grade
		valid   bool
		wantErr string
	}{
		{"nil payload", nil, false, "student_id"},
		{"empty payload", &db.Grade{}, false, "student_id"},
		{"missing student", &db.Grade{CourseID: "c1"}, false, "student_id"},
		{"missing course", &db.Grade{StudentID: "s1"}, false, "course_id"},
		{"unknown student", &db.Grade{StudentID: "s9", CourseID: "c1"}, false, "student not found: s9"},
		{"unknown course", &db.Grade{StudentID: "s1", CourseID: "c9"}, false, "course not found: c9"},
		{"teacher as student", &db.Grade{StudentID: "t1", CourseID: "c1"}, false, "not a student"},
		{"valid", &db.Grade{StudentID: "s1", CourseID: "c1", Score: 95}, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := v.ValidateGrade(context.Background(), tt.grade)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Valid != tt.valid {
				t.Errorf("expected valid=%v, got %+v", tt.valid, res)
			}
			if !strings.Contains(res.Error, tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, res.Error)
			}
		})
	}
}

func TestValidateTeacherReferences(t *testing.T) {
	v := NewValidator(newFakeReader(), zap.NewNop())
	ctx := context.Background()

	tests := []struct {
		name      string
		teacherID string
		wantErr   string
	}{
		{"missing", "", "teacher_id is required"},
		{"unknown", "t9", "teacher not found: t9"},
		{"wrong role", "p1", "user p1 is not a teacher"},
		{"valid", "t1", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classRes, err := v.ValidateClass(ctx, &db.Class{TeacherID: tt.teacherID})
			if err != nil {
				t.Fatalf("class: %v", err)
			}
			courseRes, err := v.ValidateCourse(ctx, &db.Course{TeacherID: tt.teacherID})
			if err != nil {
				t.Fatalf("course: %v", err)
			}
			for _, res := range []Result{classRes, courseRes} {
				if res.Valid != (tt.wantErr == "") || res.Error != tt.wantErr {
					t.Errorf("expected %q, got %+v", tt.wantErr, res)
				}
			}
		})
	}
}

func TestValidateStudentAndAnnouncement(t *testing.T) {
	v := NewValidator(newFakeReader(), zap.NewNop())
	ctx := context.Background()

	res, _ := v.ValidateStudent(ctx, &db.User{Role: db.RoleStudent})
	if res.Valid || res.Error != "class_id is required" {
		t.Errorf("student without class: %+v", res)
	}
	res, _ = v.ValidateStudent(ctx, &db.User{Role: db.RoleStudent, ClassID: "c9"})
	if res.Valid || res.Error != "class not found: c9" {
		t.Errorf("student with unknown class: %+v", res)
	}
	res, _ = v.ValidateStudent(ctx, &db.User{Role: db.RoleStudent, ClassID: "k1"})
	if !res.Valid {
		t.Errorf("student with live class: %+v", res)
	}

	res, _ = v.ValidateAnnouncement(ctx, &db.Announcement{})
	if res.Valid || res.Error != "author_id is required" {
		t.Errorf("announcement without author: %+v", res)
	}
	res, _ = v.ValidateAnnouncement(ctx, &db.Announcement{AuthorID: "a1"})
	if res.Valid || res.Error != "author not found: a1" {
		t.Errorf("announcement with unknown author: %+v", res)
	}
	res, _ = v.ValidateAnnouncement(ctx, &db.Announcement{AuthorID: "p1"})
	if !res.Valid {
		t.Errorf("any live user may author: %+v", res)
	}
}

func TestEmptyPayloadsAlwaysRejected(t *testing.T) {
	v := NewValidator(newFakeReader(), zap.NewNop())
	ctx := context.Background()

	checks := map[string]func() (Result, error){
		"grade":        func() (Result, error) { return v.ValidateGrade(ctx, &db.Grade{}) },
		"class":        func() (Result, error) { return v.ValidateClass(ctx, &db.Class{}) },
		"course":       func() (Result, error) { return v.ValidateCourse(ctx, &db.Course{}) },
		"student":      func() (Result, error) { return v.ValidateStudent(ctx, &db.User{}) },
		"announcement": func() (Result, error) { return v.ValidateAnnouncement(ctx, &db.Announcement{}) },
	}
	for kind, check := range checks {
		res, err := check()
		if err != nil {
			t.Errorf("%s: empty payload returned error %v", kind, err)
		}
		if res.Valid || res.Error == "" {
			t.Errorf("%s: empty payload accepted: %+v", kind, res)
		}
	}
}

func TestInfrastructureErrorsAreReturned(t *testing.T) {
	reader := newFakeReader()
	reader.err = errors.New("bolt: database not open")
	v := NewValidator(reader, zap.NewNop())

	_, err := v.ValidateGrade(context.Background(), &db.Grade{StudentID: "s1", CourseID: "c1"})
	if err == nil || !strings.Contains(err.Error(), "database not open") {
		t.Errorf("expected lookup error, got %v", err)
	}
	if _, err := v.CheckDependents(context.Background(), db.KindUser, "t1"); err == nil {
		t.Error("expected dependents lookup error")
	}
}

func TestCheckDependents(t *testing.T) {
	reader := newFakeReader()
	v := NewValidator(reader, zap.NewNop())
	ctx := context.Background()

	warnings, err := v.CheckDependents(ctx, db.KindCourse, "c1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if warnings == nil || len(warnings) != 0 {
		t.Errorf("fresh course should have an empty, non-nil warning list, got %#v", warnings)
	}

	unknown, err := v.CheckDependents(ctx, db.KindUser, "nobody")
	if err != nil || len(unknown) != 0 {
		t.Errorf("unknown id: %v %v", unknown, err)
	}

	reader.file(db.IndexGradesByCourse, "c1", "g1")
	reader.file(db.IndexGradesByCourse, "c1", "g2")
	warnings, _ = v.CheckDependents(ctx, db.KindCourse, "c1")
	if len(warnings) != 1 || warnings[0] != "2 grades still reference course c1" {
		t.Errorf("unexpected warnings %v", warnings)
	}

	reader.file(db.IndexClassesByTeacher, "t1", "k1")
	reader.file(db.IndexAnnouncementsByAuthor, "t1", "a1")
	warnings, _ = v.CheckDependents(ctx, db.KindUser, "t1")
	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", warnings)
	}
	if warnings[0] != "1 class still references user t1" {
		t.Errorf("unexpected first warning %q", warnings[0])
	}
}
