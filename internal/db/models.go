package db

import (
	"encoding/json"
	"time"

	"github.com/lalithlochan/campus/internal/store"
)

// Collection names
const (
	KindUser            store.Kind = "users"
	KindClass           store.Kind = "classes"
	KindCourse          store.Kind = "courses"
	KindGrade           store.Kind = "grades"
	KindAnnouncement    store.Kind = "announcements"
	KindWebhookConfig   store.Kind = "webhook_configs"
	KindWebhookEvent    store.Kind = "webhook_events"
	KindWebhookDelivery store.Kind = "webhook_deliveries"
	KindDeadLetter      store.Kind = "dead_letter_entries"
)

// Index names
const (
	IndexGradesByStudentCourse = "grades_by_student_course"
	IndexGradesByCourse        = "grades_by_course"
	IndexGradesByStudent       = "grades_by_student"
	IndexUsersByEmail          = "users_by_email"
	IndexStudentsByClass       = "students_by_class"
	IndexClassesByTeacher      = "classes_by_teacher"
	IndexCoursesByTeacher      = "courses_by_teacher"
	IndexAnnouncementsByAuthor = "announcements_by_author"
	IndexDeliveriesByEvent     = "deliveries_by_event"
	IndexDeliveriesDue         = "deliveries_due"
)

// deliveriesDueKey is the single key every due delivery is filed under.
const deliveriesDueKey = "due"

// Role constants
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleParent  = "parent"
	RoleAdmin   = "admin"
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r string) bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleParent, RoleAdmin:
		return true
	}
	return false
}

// Delivery status constants
const (
	DeliveryPending = "pending"
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

// Event types emitted by the write path
const (
	EventUserCreated         = "user.created"
	EventUserUpdated         = "user.updated"
	EventUserDeleted         = "user.deleted"
	EventClassCreated        = "class.created"
	EventClassUpdated        = "class.updated"
	EventClassDeleted        = "class.deleted"
	EventCourseCreated       = "course.created"
	EventCourseUpdated       = "course.updated"
	EventCourseDeleted       = "course.deleted"
	EventGradeCreated        = "grade.created"
	EventGradeUpdated        = "grade.updated"
	EventGradeDeleted        = "grade.deleted"
	EventAnnouncementCreated = "announcement.created"
	EventAnnouncementUpdated = "announcement.updated"
	EventAnnouncementDeleted = "announcement.deleted"

	// EventWildcard subscribes a webhook config to every event type.
	EventWildcard = "*"
)

// EventTypes lists every event the write path emits.
var EventTypes = []string{
	EventUserCreated, EventUserUpdated, EventUserDeleted,
	EventClassCreated, EventClassUpdated, EventClassDeleted,
	EventCourseCreated, EventCourseUpdated, EventCourseDeleted,
	EventGradeCreated, EventGradeUpdated, EventGradeDeleted,
	EventAnnouncementCreated, EventAnnouncementUpdated, EventAnnouncementDeleted,
}

// KnownEventType reports whether a config may subscribe to t.
func KnownEventType(t string) bool {
	if t == EventWildcard {
		return true
	}
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// User is any account. ClassID only means something for students.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	ClassID string `json:"class_id,omitempty"`
	store.Meta
}

func (u *User) EntityID() string { return u.ID }

// Class is a homeroom group led by a teacher.
type Class struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TeacherID string `json:"teacher_id"`
	store.Meta
}

func (c *Class) EntityID() string { return c.ID }

// Course is a subject taught by a teacher.
type Course struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TeacherID string `json:"teacher_id"`
	store.Meta
}

func (c *Course) EntityID() string { return c.ID }

// Grade is a student's score in a course.
type Grade struct {
	ID        string  `json:"id"`
	StudentID string  `json:"student_id"`
	CourseID  string  `json:"course_id"`
	Score     float64 `json:"score"`
	Feedback  string  `json:"feedback,omitempty"`
	store.Meta
}

func (g *Grade) EntityID() string { return g.ID }

// Announcement is a message posted by a user.
type Announcement struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	AuthorID string `json:"author_id"`
	store.Meta
}

func (a *Announcement) EntityID() string { return a.ID }

// WebhookConfig registers a delivery target for a set of event types.
type WebhookConfig struct {
	ID         string   `json:"id"`
	TargetURL  string   `json:"target_url"`
	EventTypes []string `json:"event_types"`
	Secret     string   `json:"secret,omitempty"`
	Active     bool     `json:"active"`
	store.Meta
}

func (c *WebhookConfig) EntityID() string { return c.ID }

// Subscribes reports whether the config wants events of eventType.
func (c *WebhookConfig) Subscribes(eventType string) bool {
	if !c.Active {
		return false
	}
	for _, t := range c.EventTypes {
		if t == eventType || t == EventWildcard {
			return true
		}
	}
	return false
}

// WebhookEvent is the append-only record of a domain occurrence.
type WebhookEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Processed bool            `json:"processed"`
	store.Meta
}

func (e *WebhookEvent) EntityID() string { return e.ID }

// WebhookDelivery tracks delivery of one event to one config across retries.
type WebhookDelivery struct {
	ID              string     `json:"id"`
	WebhookConfigID string     `json:"webhook_config_id"`
	EventID         string     `json:"event_id"`
	Status          string     `json:"status"`
	StatusCode      int        `json:"status_code,omitempty"`
	ResponseBody    string     `json:"response_body,omitempty"`
	AttemptCount    int        `json:"attempt_count"`
	LastAttemptAt   *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt   *time.Time `json:"next_attempt_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	ClaimedUntil    *time.Time `json:"claimed_until,omitempty"`
	ClaimToken      string     `json:"claim_token,omitempty"`
	DeadLetterID    string     `json:"dead_letter_id,omitempty"`
	store.Meta
}

func (d *WebhookDelivery) EntityID() string { return d.ID }

// Concluded reports whether the delivery will never be attempted again.
func (d *WebhookDelivery) Concluded() bool {
	return d.Status == DeliverySuccess || d.DeadLetterID != ""
}

// Due reports whether a sweep at now may attempt the delivery.
func (d *WebhookDelivery) Due(now time.Time, maxAttempts int) bool {
	if d.Concluded() || d.AttemptCount >= maxAttempts {
		return false
	}
	if d.ClaimedUntil != nil && d.ClaimedUntil.After(now) {
		return false
	}
	if d.NextAttemptAt != nil && d.NextAttemptAt.After(now) {
		return false
	}
	return true
}

// DeadLetterEntry is the terminal record of a delivery that ran out of attempts.
type DeadLetterEntry struct {
	ID                 string    `json:"id"`
	WebhookConfigID    string    `json:"webhook_config_id"`
	EventID            string    `json:"event_id"`
	OriginalDeliveryID string    `json:"original_delivery_id"`
	FailureReason      string    `json:"failure_reason"`
	AttemptCount       int       `json:"attempt_count"`
	LastAttemptAt      time.Time `json:"last_attempt_at"`
	store.Meta
}

func (d *DeadLetterEntry) EntityID() string { return d.ID }

// Attempt bundles what a sender needs to deliver one event to one target.
type Attempt struct {
	Delivery *WebhookDelivery
	Config   *WebhookConfig
	Event    *WebhookEvent
}

// AttemptResult is what the target answered. Senders that get no answer
// (network error, open circuit) return a nil result.
type AttemptResult struct {
	StatusCode   int
	ResponseBody string
}
