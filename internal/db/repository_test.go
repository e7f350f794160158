package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/store"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	backend, err := store.OpenBolt(filepath.Join(t.TempDir(), "campus.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	s := store.New(backend, zap.NewNop())
	t.Cleanup(func() { _ = s.Close() })

	return NewRepository(s, zap.NewNop(), DefaultMaxAttempts)
}

func seedSchool(t *testing.T, repo *Repository) {
	t.Helper()
	ctx := context.Background()

	rows := []struct {
		kind store.Kind
		e    store.Entity
	}{
		{KindUser, &User{ID: "t1", Name: "Ada", Email: "ada@school.test", Role: RoleTeacher}},
		{KindClass, &Class{ID: "k1", Name: "7B", TeacherID: "t1"}},
		{KindUser, &User{ID: "s1", Name: "Sam", Email: "sam@school.test", Role: RoleStudent, ClassID: "k1"}},
		{KindCourse, &Course{ID: "c1", Name: "Algebra", TeacherID: "t1"}},
	}
	for _, row := range rows {
		if _, err := repo.CreateWithEvent(ctx, row.kind, row.e, ""); err != nil {
			t.Fatalf("seed %s: %v", row.kind, err)
		}
	}
}

func TestGradeLookups(t *testing.T) {
	repo := newTestRepository(t)
	seedSchool(t, repo)
	ctx := context.Background()

	grade := &Grade{ID: "g1", StudentID: "s1", CourseID: "c1", Score: 95}
	if _, err := repo.CreateWithEvent(ctx, KindGrade, grade, EventGradeCreated); err != nil {
		t.Fatalf("create grade: %v", err)
	}

	got, err := repo.GetGradeByStudentAndCourse(ctx, "s1", "c1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != "g1" || got.Score != 95 {
		t.Errorf("lookup returned %+v", got)
	}

	byCourse, err := repo.ListGradesByCourse(ctx, "c1")
	if err != nil {
		t.Fatalf("list by course: %v", err)
	}
	if len(byCourse) != 1 || byCourse[0].ID != "g1" {
		t.Errorf("expected [g1], got %d grades", len(byCourse))
	}

	dup := &Grade{ID: "g2", StudentID: "s1", CourseID: "c1", Score: 50}
	if _, err := repo.CreateWithEvent(ctx, KindGrade, dup, EventGradeCreated); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict for second grade, got %v", err)
	}

	if _, err := repo.DeleteWithEvent(ctx, KindGrade, "g1", EventGradeDeleted); err != nil {
		t.Fatalf("delete grade: %v", err)
	}
	if _, err := repo.GetGradeByStudentAndCourse(ctx, "s1", "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	byCourse, _ = repo.ListGradesByCourse(ctx, "c1")
	if len(byCourse) != 0 {
		t.Errorf("expected no grades after delete, got %d", len(byCourse))
	}
}

func TestUpdateMovesGradeIndex(t *testing.T) {
	repo := newTestRepository(t)
	seedSchool(t, repo)
	ctx := context.Background()

	if _, err := repo.CreateWithEvent(ctx, KindCourse, &Course{ID: "c2", Name: "Physics", TeacherID: "t1"}, ""); err != nil {
		t.Fatalf("create course: %v", err)
	}
	if _, err := repo.CreateWithEvent(ctx, KindGrade, &Grade{ID: "g1", StudentID: "s1", CourseID: "c1", Score: 70}, ""); err != nil {
		t.Fatalf("create grade: %v", err)
	}

	var g Grade
	_, err := repo.UpdateWithEvent(ctx, KindGrade, "g1", &g, func() error {
		g.CourseID = "c2"
		return nil
	}, EventGradeUpdated)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := repo.GetGradeByStudentAndCourse(ctx, "s1", "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("old compound key should be gone, got %v", err)
	}
	if _, err := repo.GetGradeByStudentAndCourse(ctx, "s1", "c2"); err != nil {
		t.Errorf("new compound key missing: %v", err)
	}
}

func TestRecordEventFanOut(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	configs := []*WebhookConfig{
		{ID: "w-grades", TargetURL: "https://a.test/hook", EventTypes: []string{EventGradeCreated}, Active: true},
		{ID: "w-all", TargetURL: "https://b.test/hook", EventTypes: []string{EventWildcard}, Active: true},
		{ID: "w-paused", TargetURL: "https://c.test/hook", EventTypes: []string{EventGradeCreated}, Active: false},
		{ID: "w-users", TargetURL: "https://d.test/hook", EventTypes: []string{EventUserCreated}, Active: true},
	}
	for _, c := range configs {
		if err := repo.CreateWebhookConfig(ctx, c); err != nil {
			t.Fatalf("create config: %v", err)
		}
	}

	event, err := repo.RecordEvent(ctx, EventGradeCreated, map[string]string{"id": "g1"})
	if err != nil {
		t.Fatalf("record event: %v", err)
	}
	if event.Processed {
		t.Error("event with subscribers should start unprocessed")
	}

	_, deliveries, err := repo.GetWebhookEventWithDeliveries(ctx, event.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	targets := map[string]bool{}
	for _, d := range deliveries {
		if d.Status != DeliveryPending || d.AttemptCount != 0 {
			t.Errorf("delivery %s: status %s attempts %d", d.ID, d.Status, d.AttemptCount)
		}
		targets[d.WebhookConfigID] = true
	}
	if len(deliveries) != 2 || !targets["w-grades"] || !targets["w-all"] {
		t.Errorf("expected deliveries to w-grades and w-all, got %v", targets)
	}

	lonely, err := repo.RecordEvent(ctx, EventAnnouncementDeleted, map[string]string{"id": "a1"})
	if err != nil {
		t.Fatalf("record event: %v", err)
	}
	// w-all still subscribes
	if lonely.Processed {
		t.Error("wildcard subscriber should keep the event unprocessed")
	}

	if err := repo.DeleteWebhookConfig(ctx, "w-all"); err != nil {
		t.Fatalf("delete config: %v", err)
	}
	orphan, err := repo.RecordEvent(ctx, EventClassUpdated, nil)
	if err != nil {
		t.Fatalf("record event: %v", err)
	}
	if !orphan.Processed {
		t.Error("event without subscribers should be processed at birth")
	}
}

func failAttempt(t *testing.T, repo *Repository, id, reason string) *Completion {
	t.Helper()
	ctx := context.Background()

	_, token, err := repo.ClaimDelivery(ctx, id, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	c, err := repo.CompleteAttempt(ctx, id, token, Outcome{StatusCode: 503, FailureReason: reason})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return c
}

func TestThreeFailuresDeadLetterOnce(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if err := repo.CreateWebhookConfig(ctx, &WebhookConfig{ID: "w1", TargetURL: "https://down.test", EventTypes: []string{EventWildcard}, Active: true}); err != nil {
		t.Fatalf("create config: %v", err)
	}
	event, err := repo.RecordEvent(ctx, EventGradeCreated, map[string]string{"id": "g1"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	due, err := repo.ListDueDeliveries(ctx, 0)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected 1 due delivery, got %d (%v)", len(due), err)
	}
	id := due[0].ID

	for i := 1; i <= 3; i++ {
		c := failAttempt(t, repo, id, fmt.Sprintf("HTTP 503 on try %d", i))
		if c.Delivery.AttemptCount != i {
			t.Errorf("try %d: attempt count %d", i, c.Delivery.AttemptCount)
		}
		if i < 3 && c.DeadLetter != nil {
			t.Errorf("try %d: dead-lettered too early", i)
		}
	}

	entries, err := repo.ListDeadLetterEntries(ctx)
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 dlq entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.AttemptCount != 3 {
		t.Errorf("expected attempt count 3, got %d", entry.AttemptCount)
	}
	if entry.FailureReason != "HTTP 503 on try 3" {
		t.Errorf("expected last failure reason, got %q", entry.FailureReason)
	}
	if entry.OriginalDeliveryID != id || entry.EventID != event.ID || entry.WebhookConfigID != "w1" {
		t.Errorf("dlq entry references wrong rows: %+v", entry)
	}

	due, _ = repo.ListDueDeliveries(ctx, 0)
	if len(due) != 0 {
		t.Errorf("dead-lettered delivery still due")
	}
	if _, _, err := repo.ClaimDelivery(ctx, id, time.Minute); !errors.Is(err, ErrDeliveryNotDue) {
		t.Errorf("expected ErrDeliveryNotDue, got %v", err)
	}

	got, _, err := repo.GetWebhookEventWithDeliveries(ctx, event.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if !got.Processed {
		t.Error("event should be processed once its only delivery is dead-lettered")
	}
}

func TestCompleteAttemptSuccess(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_ = repo.CreateWebhookConfig(ctx, &WebhookConfig{ID: "w1", TargetURL: "https://ok.test", EventTypes: []string{EventWildcard}, Active: true})
	_ = repo.CreateWebhookConfig(ctx, &WebhookConfig{ID: "w2", TargetURL: "https://ok2.test", EventTypes: []string{EventWildcard}, Active: true})
	event, _ := repo.RecordEvent(ctx, EventUserCreated, nil)

	due, _ := repo.ListDueDeliveries(ctx, 0)
	if len(due) != 2 {
		t.Fatalf("expected 2 due deliveries, got %d", len(due))
	}

	for i, d := range due {
		_, token, err := repo.ClaimDelivery(ctx, d.ID, time.Minute)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		c, err := repo.CompleteAttempt(ctx, d.ID, token, Outcome{StatusCode: 200, ResponseBody: "ok"})
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		if c.Delivery.Status != DeliverySuccess || c.Delivery.StatusCode != 200 || c.Delivery.ResponseBody != "ok" {
			t.Errorf("unexpected delivery %+v", c.Delivery)
		}
		// the event concludes with its last delivery, not before
		if wantProcessed := i == 1; c.EventProcessed != wantProcessed {
			t.Errorf("delivery %d: event processed = %v", i, c.EventProcessed)
		}
	}

	got, _, _ := repo.GetWebhookEventWithDeliveries(ctx, event.ID)
	if !got.Processed {
		t.Error("event should be processed")
	}
}

func TestClaimIsExclusive(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_ = repo.CreateWebhookConfig(ctx, &WebhookConfig{ID: "w1", TargetURL: "https://ok.test", EventTypes: []string{EventWildcard}, Active: true})
	_, _ = repo.RecordEvent(ctx, EventUserCreated, nil)
	due, _ := repo.ListDueDeliveries(ctx, 0)
	id := due[0].ID

	_, token, err := repo.ClaimDelivery(ctx, id, time.Minute)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, _, err := repo.ClaimDelivery(ctx, id, time.Minute); !errors.Is(err, ErrDeliveryNotDue) {
		t.Errorf("second claim should fail with ErrDeliveryNotDue, got %v", err)
	}
	if _, err := repo.CompleteAttempt(ctx, id, "someone-else", Outcome{StatusCode: 200}); !errors.Is(err, ErrClaimLost) {
		t.Errorf("foreign token should fail with ErrClaimLost, got %v", err)
	}

	if err := repo.ReleaseDelivery(ctx, id, token); err != nil {
		t.Fatalf("release: %v", err)
	}
	d, _ := repo.GetDelivery(ctx, id)
	if d.AttemptCount != 0 || d.ClaimedUntil != nil {
		t.Errorf("release should not count an attempt: %+v", d)
	}
}

func TestExpiredClaimIsReclaimable(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	repo.Store().SetClock(func() time.Time { return now })

	_ = repo.CreateWebhookConfig(ctx, &WebhookConfig{ID: "w1", TargetURL: "https://ok.test", EventTypes: []string{EventWildcard}, Active: true})
	_, _ = repo.RecordEvent(ctx, EventUserCreated, nil)
	due, _ := repo.ListDueDeliveries(ctx, 0)
	id := due[0].ID

	if _, _, err := repo.ClaimDelivery(ctx, id, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if due, _ := repo.ListDueDeliveries(ctx, 0); len(due) != 0 {
		t.Error("claimed delivery should not be due")
	}

	now = now.Add(2 * time.Minute)
	if _, _, err := repo.ClaimDelivery(ctx, id, time.Minute); err != nil {
		t.Errorf("expired claim should be reclaimable: %v", err)
	}
}

func TestListDeadLetterEntriesOrdered(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	offsets := []int{4, 1, 3, 0, 2}
	for _, off := range offsets {
		entry := &DeadLetterEntry{
			ID:            fmt.Sprintf("dlq-%d", off),
			FailureReason: "boom",
			AttemptCount:  3,
		}
		entry.CreatedAt = base.Add(time.Duration(off) * time.Minute)
		if err := repo.Store().Create(ctx, KindDeadLetter, entry); err != nil {
			t.Fatalf("create entry: %v", err)
		}
	}

	entries, err := repo.ListDeadLetterEntries(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != len(offsets) {
		t.Fatalf("expected %d entries, got %d", len(offsets), len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].CreatedAt.Before(entries[i-1].CreatedAt) {
			t.Errorf("entries out of order at %d: %s before %s", i, entries[i-1].ID, entries[i].ID)
		}
	}
	if entries[0].ID != "dlq-0" {
		t.Errorf("expected dlq-0 first, got %s", entries[0].ID)
	}
}

func TestDeleteDeadLetterEntryTwice(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if err := repo.Store().Create(ctx, KindDeadLetter, &DeadLetterEntry{ID: "dlq-1", FailureReason: "boom"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := repo.DeleteDeadLetterEntry(ctx, "dlq-1"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := repo.DeleteDeadLetterEntry(ctx, "dlq-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete should be not found, got %v", err)
	}
	if _, err := repo.GetDeadLetterEntry(ctx, "dlq-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted entry should not be readable, got %v", err)
	}
	if err := repo.DeleteDeadLetterEntry(ctx, "never-existed"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown id should be not found, got %v", err)
	}
}

func TestRequeueDeadLetterEntry(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_ = repo.CreateWebhookConfig(ctx, &WebhookConfig{ID: "w1", TargetURL: "https://down.test", EventTypes: []string{EventWildcard}, Active: true})
	event, _ := repo.RecordEvent(ctx, EventGradeUpdated, nil)
	due, _ := repo.ListDueDeliveries(ctx, 0)
	id := due[0].ID

	var last *Completion
	for i := 0; i < DefaultMaxAttempts; i++ {
		last = failAttempt(t, repo, id, "connection refused")
	}
	if last.DeadLetter == nil {
		t.Fatal("expected dead letter after max attempts")
	}

	fresh, err := repo.RequeueDeadLetterEntry(ctx, last.DeadLetter.ID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if fresh.Status != DeliveryPending || fresh.AttemptCount != 0 || fresh.ID == id {
		t.Errorf("unexpected requeued delivery %+v", fresh)
	}

	due, _ = repo.ListDueDeliveries(ctx, 0)
	if len(due) != 1 || due[0].ID != fresh.ID {
		t.Errorf("requeued delivery should be the only due one")
	}
	got, deliveries, _ := repo.GetWebhookEventWithDeliveries(ctx, event.ID)
	if got.Processed {
		t.Error("event should be unprocessed again")
	}
	if len(deliveries) != 2 {
		t.Errorf("expected old and new delivery on the event, got %d", len(deliveries))
	}

	if _, err := repo.RequeueDeadLetterEntry(ctx, last.DeadLetter.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("requeue of a retired entry should be not found, got %v", err)
	}
}

func TestRebuildIndexesKeepsLookups(t *testing.T) {
	repo := newTestRepository(t)
	seedSchool(t, repo)
	ctx := context.Background()

	if _, err := repo.CreateWithEvent(ctx, KindGrade, &Grade{ID: "g1", StudentID: "s1", CourseID: "c1", Score: 88}, ""); err != nil {
		t.Fatalf("create grade: %v", err)
	}

	stats, err := repo.RebuildIndexes(ctx)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if stats.Entities < 5 {
		t.Errorf("expected at least 5 indexed entities, got %d", stats.Entities)
	}

	if _, err := repo.GetGradeByStudentAndCourse(ctx, "s1", "c1"); err != nil {
		t.Errorf("lookup after rebuild: %v", err)
	}
	students, _ := repo.ListIndex(ctx, IndexStudentsByClass, "k1")
	if len(students) != 1 || students[0] != "s1" {
		t.Errorf("students_by_class after rebuild: %v", students)
	}
}

func TestDueDeliveriesSkipPausedConfigs(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	for _, id := range []string{"paused", "live", "gone"} {
		if err := repo.CreateWebhookConfig(ctx, &WebhookConfig{ID: id, TargetURL: "https://" + id + ".test", EventTypes: []string{EventWildcard}, Active: true}); err != nil {
			t.Fatalf("create config %s: %v", id, err)
		}
	}
	if _, err := repo.RecordEvent(ctx, EventGradeCreated, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := repo.SetWebhookConfigActive(ctx, "paused", false); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := repo.DeleteWebhookConfig(ctx, "gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	due, err := repo.ListDueDeliveries(ctx, 0)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	got := map[string]bool{}
	for _, d := range due {
		got[d.WebhookConfigID] = true
	}
	if len(due) != 2 || !got["live"] || !got["gone"] {
		t.Fatalf("expected live and deleted-config deliveries, got %v", got)
	}

	if _, err := repo.SetWebhookConfigActive(ctx, "paused", true); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if due, _ := repo.ListDueDeliveries(ctx, 0); len(due) != 3 {
		t.Errorf("resumed config should be due again, got %d", len(due))
	}
}

func TestGradeLookupWithColonIDs(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	first := &Grade{ID: "g1", StudentID: "a:b", CourseID: "c", Score: 70}
	second := &Grade{ID: "g2", StudentID: "a", CourseID: "b:c", Score: 80}
	for _, g := range []*Grade{first, second} {
		if _, err := repo.CreateWithEvent(ctx, KindGrade, g, ""); err != nil {
			t.Fatalf("create %s: %v", g.ID, err)
		}
	}

	got, err := repo.GetGradeByStudentAndCourse(ctx, "a", "b:c")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != "g2" {
		t.Errorf("expected g2, got %s for student %q course %q", got.ID, got.StudentID, got.CourseID)
	}
	if got, _ := repo.GetGradeByStudentAndCourse(ctx, "a:b", "c"); got == nil || got.ID != "g1" {
		t.Errorf("expected g1, got %+v", got)
	}
}
