package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return Wrap(rdb, zap.NewNop()), mr
}

func TestIdempotency_FirstClaimOwnsKey(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())

	result, err := svc.Claim(context.Background(), ScopeAcceptance, "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new key, got: %+v", result)
	}
}

func TestIdempotency_SecondClaimWhileProcessing(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Claim(ctx, ScopeAcceptance, "key-1"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}

	if _, err := svc.Claim(ctx, ScopeAcceptance, "key-1"); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got: %v", err)
	}
}

func TestIdempotency_CompletedKeyReplays(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Claim(ctx, ScopeAcceptance, "key-1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	body := json.RawMessage(`{"id":42,"status":"pending"}`)
	if err := svc.Complete(ctx, ScopeAcceptance, "key-1", &Result{ResourceID: "42", StatusCode: 201, Body: body}, KeyTTL); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	cached, err := svc.Claim(ctx, ScopeAcceptance, "key-1")
	if err != nil {
		t.Fatalf("claim after complete failed: %v", err)
	}
	if cached == nil {
		t.Fatal("expected cached result")
	}
	if cached.ResourceID != "42" || cached.StatusCode != 201 {
		t.Errorf("unexpected cached result: %+v", cached)
	}
	if string(cached.Body) != string(body) {
		t.Errorf("expected body %s, got %s", body, cached.Body)
	}
	if cached.CreatedAt == 0 {
		t.Error("expected created_at to be set")
	}

	if ttl := mr.TTL("idempotency:accept:key-1"); ttl != KeyTTL {
		t.Errorf("expected ttl %v, got %v", KeyTTL, ttl)
	}
}

func TestIdempotency_ScopesAreIsolated(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Claim(ctx, ScopeAcceptance, "evt_1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	result, err := svc.Claim(ctx, ScopePaymentEvent, "evt_1")
	if err != nil {
		t.Fatalf("other scope should succeed: %v", err)
	}
	if result != nil {
		t.Fatal("other scope should get nil (new key)")
	}
}

func TestIdempotency_ReleaseAllowsRetry(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Claim(ctx, ScopePaymentEvent, "evt_1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := svc.Release(ctx, ScopePaymentEvent, "evt_1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	result, err := svc.Claim(ctx, ScopePaymentEvent, "evt_1")
	if err != nil || result != nil {
		t.Fatalf("expected fresh claim after release, got result=%+v err=%v", result, err)
	}
}

func TestIdempotency_ReleaseKeepsCompletedResult(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Claim(ctx, ScopePaymentEvent, "evt_1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := svc.Complete(ctx, ScopePaymentEvent, "evt_1", &Result{StatusCode: 200}, EventTTL); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if err := svc.Release(ctx, ScopePaymentEvent, "evt_1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	cached, err := svc.Claim(ctx, ScopePaymentEvent, "evt_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cached == nil || cached.StatusCode != 200 {
		t.Fatalf("expected completed result to survive release, got %+v", cached)
	}
}

func TestIdempotency_ClaimExpires(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Claim(ctx, ScopeAcceptance, "key-1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	mr.FastForward(processingTTL + time.Second)

	result, err := svc.Claim(ctx, ScopeAcceptance, "key-1")
	if err != nil || result != nil {
		t.Fatalf("expected abandoned claim to expire, got result=%+v err=%v", result, err)
	}
}

func TestIdempotency_RedisDown(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	mr.Close()

	if _, err := svc.Claim(context.Background(), ScopeAcceptance, "key-1"); err == nil {
		t.Fatal("expected error when redis is unavailable")
	}
}
