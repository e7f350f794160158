package integrity

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/db"
	"github.com/lalithlochan/campus/internal/store"
)

type dependent struct {
	index string
	label string
}

// dependentsOf maps a kind to the indexes whose keys are ids of that kind.
var dependentsOf = map[store.Kind][]dependent{
	db.KindUser: {
		{db.IndexGradesByStudent, "grade"},
		{db.IndexClassesByTeacher, "class"},
		{db.IndexCoursesByTeacher, "course"},
		{db.IndexAnnouncementsByAuthor, "announcement"},
	},
	db.KindClass: {
		{db.IndexStudentsByClass, "student"},
	},
	db.KindCourse: {
		{db.IndexGradesByCourse, "grade"},
	},
}

// CheckDependents lists the live rows that still reference kind/id, one
// warning per referencing kind. It never blocks a delete. An id nothing points
// at, including an unknown one, yields an empty slice.
func (v *Validator) CheckDependents(ctx context.Context, kind store.Kind, id string) ([]string, error) {
	warnings := make([]string, 0)
	if id == "" {
		return warnings, nil
	}

	for _, dep := range dependentsOf[kind] {
		ids, err := v.reader.ListIndex(ctx, dep.index, id)
		if err != nil {
			return nil, fmt.Errorf("check %s dependents of %s: %w", dep.label, id, err)
		}
		if len(ids) == 0 {
			continue
		}
		verb := "reference"
		if len(ids) == 1 {
			verb = "references"
		}
		warnings = append(warnings, fmt.Sprintf("%d %s still %s %s %s",
			len(ids), plural(dep.label, len(ids)), verb, singular(kind), id))
	}

	if len(warnings) > 0 {
		v.logger.Debug("dependents found",
			zap.String("kind", string(kind)),
			zap.String("id", id),
			zap.Strings("warnings", warnings),
		)
	}
	return warnings, nil
}

func plural(label string, n int) string {
	if n == 1 {
		return label
	}
	if label == "class" {
		return "classes"
	}
	return label + "s"
}

func singular(kind store.Kind) string {
	switch kind {
	case db.KindUser:
		return "user"
	case db.KindClass:
		return "class"
	case db.KindCourse:
		return "course"
	case db.KindGrade:
		return "grade"
	case db.KindAnnouncement:
		return "announcement"
	}
	return string(kind)
}
