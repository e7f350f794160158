package db

import (
	"strings"

	"github.com/lalithlochan/campus/internal/store"
)

// collections lists every kind the repository persists together with the
// index entries each live row owns.
func collections() []store.Collection {
	return []store.Collection{
		{
			Kind:    KindUser,
			New:     func() store.Entity { return &User{} },
			Indexes: []string{IndexUsersByEmail, IndexStudentsByClass},
			Index: func(e store.Entity) []store.IndexEntry {
				u := e.(*User)
				var entries []store.IndexEntry
				if u.Email != "" {
					entries = append(entries, store.IndexEntry{Index: IndexUsersByEmail, Key: strings.ToLower(u.Email), Unique: true})
				}
				if u.Role == RoleStudent && u.ClassID != "" {
					entries = append(entries, store.IndexEntry{Index: IndexStudentsByClass, Key: u.ClassID})
				}
				return entries
			},
		},
		{
			Kind:    KindClass,
			New:     func() store.Entity { return &Class{} },
			Indexes: []string{IndexClassesByTeacher},
			Index: func(e store.Entity) []store.IndexEntry {
				return []store.IndexEntry{{Index: IndexClassesByTeacher, Key: e.(*Class).TeacherID}}
			},
		},
		{
			Kind:    KindCourse,
			New:     func() store.Entity { return &Course{} },
			Indexes: []string{IndexCoursesByTeacher},
			Index: func(e store.Entity) []store.IndexEntry {
				return []store.IndexEntry{{Index: IndexCoursesByTeacher, Key: e.(*Course).TeacherID}}
			},
		},
		{
			Kind:    KindGrade,
			New:     func() store.Entity { return &Grade{} },
			Indexes: []string{IndexGradesByStudentCourse, IndexGradesByCourse, IndexGradesByStudent},
			Index: func(e store.Entity) []store.IndexEntry {
				g := e.(*Grade)
				return []store.IndexEntry{
					{Index: IndexGradesByStudentCourse, Key: store.CompoundKey(g.StudentID, g.CourseID), Unique: true},
					{Index: IndexGradesByCourse, Key: g.CourseID},
					{Index: IndexGradesByStudent, Key: g.StudentID},
				}
			},
		},
		{
			Kind:    KindAnnouncement,
			New:     func() store.Entity { return &Announcement{} },
			Indexes: []string{IndexAnnouncementsByAuthor},
			Index: func(e store.Entity) []store.IndexEntry {
				return []store.IndexEntry{{Index: IndexAnnouncementsByAuthor, Key: e.(*Announcement).AuthorID}}
			},
		},
		{
			Kind: KindWebhookConfig,
			New:  func() store.Entity { return &WebhookConfig{} },
		},
		{
			Kind: KindWebhookEvent,
			New:  func() store.Entity { return &WebhookEvent{} },
		},
		{
			Kind:    KindWebhookDelivery,
			New:     func() store.Entity { return &WebhookDelivery{} },
			Indexes: []string{IndexDeliveriesByEvent, IndexDeliveriesDue},
			Index: func(e store.Entity) []store.IndexEntry {
				d := e.(*WebhookDelivery)
				entries := []store.IndexEntry{{Index: IndexDeliveriesByEvent, Key: d.EventID}}
				// concluded deliveries drop out of every future sweep
				if !d.Concluded() {
					entries = append(entries, store.IndexEntry{Index: IndexDeliveriesDue, Key: deliveriesDueKey})
				}
				return entries
			},
		},
		{
			Kind: KindDeadLetter,
			New:  func() store.Entity { return &DeadLetterEntry{} },
		},
	}
}
