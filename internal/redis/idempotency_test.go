package redis

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())

	result, err := svc.CheckOrReserve(context.Background(), "grades", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_DuplicateWhileProcessing(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "grades", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "grades", "key-1"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_ReplaysStoredResult(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	reserved, err := svc.Reserve(ctx, "grades", "key-1")
	if err != nil || !reserved {
		t.Fatalf("reserve failed: %v, reserved: %v", err, reserved)
	}

	if err := svc.Store(ctx, "grades", "key-1", &IdempotencyResult{EntityID: "g1", StatusCode: 201}, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	cached, err := svc.CheckOrReserve(ctx, "grades", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if cached == nil || cached.EntityID != "g1" || cached.StatusCode != 201 {
		t.Fatalf("expected stored result for g1, got %+v", cached)
	}
	if cached.CreatedAt == 0 {
		t.Error("created_at should be filled in")
	}
}

func TestIdempotencyService_ScopeIsolation(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "grades", "same-key"); err != nil {
		t.Fatalf("grades failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "announcements", "same-key")
	if err != nil {
		t.Fatalf("announcements should succeed: %v", err)
	}
	if result != nil {
		t.Fatal("announcements should get nil (new request)")
	}
}

func TestIdempotencyService_ReleaseAllowsRetry(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "grades", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := svc.Release(ctx, "grades", "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "grades", "key-1"); err != nil {
		t.Fatalf("retry after release should reserve again: %v", err)
	}
}
