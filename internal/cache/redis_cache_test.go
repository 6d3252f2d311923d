package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisCache_StoreReceipt_Success(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	cache := NewRedisCache(rdb, 10*time.Second)
	ctx := context.Background()

	if err := cache.StoreReceipt(ctx, "REF-ABC", "rcpt-123"); err != nil {
		t.Fatalf("StoreReceipt() error: %v", err)
	}

	key := "receipt:REF-ABC"
	if !mr.Exists(key) {
		t.Fatalf("expected key %q to exist", key)
	}
	if ttl := mr.TTL(key); ttl <= 0 {
		t.Fatalf("expected TTL to be set, got %v", ttl)
	}

	raw, err := mr.Get(key)
	if err != nil {
		t.Fatalf("failed to get key %q: %v", key, err)
	}
	var got receiptValue
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("failed to unmarshal value: %v", err)
	}
	if got.Handle != "rcpt-123" {
		t.Fatalf("expected handle %q, got %q", "rcpt-123", got.Handle)
	}
	if got.IssuedAt.IsZero() {
		t.Fatalf("expected IssuedAt to be set")
	}

	handle, ok, err := cache.GetReceipt(ctx, "REF-ABC")
	if err != nil {
		t.Fatalf("GetReceipt() error: %v", err)
	}
	if !ok || handle != "rcpt-123" {
		t.Fatalf("expected cached handle rcpt-123, got %q ok=%v", handle, ok)
	}
}

func TestRedisCache_StoreReceipt_KeepsFirstHandle(t *testing.T) {
	t.Parallel()

	_, rdb := newTestRedis(t)
	cache := NewRedisCache(rdb, time.Minute)
	ctx := context.Background()

	if err := cache.StoreReceipt(ctx, "REF-1", "first"); err != nil {
		t.Fatalf("first StoreReceipt() error: %v", err)
	}
	if err := cache.StoreReceipt(ctx, "REF-1", "second"); err != nil {
		t.Fatalf("second StoreReceipt() error: %v", err)
	}

	handle, _, err := cache.GetReceipt(ctx, "REF-1")
	if err != nil {
		t.Fatalf("GetReceipt() error: %v", err)
	}
	if handle != "first" {
		t.Fatalf("expected first handle to be kept, got %q", handle)
	}
}

func TestRedisCache_GetReceipt_Miss(t *testing.T) {
	t.Parallel()

	_, rdb := newTestRedis(t)
	cache := NewRedisCache(rdb, time.Minute)

	handle, ok, err := cache.GetReceipt(context.Background(), "REF-NONE")
	if err != nil {
		t.Fatalf("GetReceipt() error: %v", err)
	}
	if ok || handle != "" {
		t.Fatalf("expected miss, got %q ok=%v", handle, ok)
	}
}

func TestRedisCache_GetReceipt_CorruptValue(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	cache := NewRedisCache(rdb, time.Minute)

	if err := mr.Set("receipt:REF-BAD", "not-json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, _, err := cache.GetReceipt(context.Background(), "REF-BAD"); err == nil {
		t.Fatalf("expected decode error, got nil")
	}
}

func TestRedisCache_StoreReceipt_ContextCanceled(t *testing.T) {
	t.Parallel()

	_, rdb := newTestRedis(t)
	cache := NewRedisCache(rdb, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cache.StoreReceipt(ctx, "REF-1", "x"); err == nil {
		t.Fatalf("expected error due to canceled context, got nil")
	}
}

func TestMemoryCache_KeepsFirstHandle(t *testing.T) {
	t.Parallel()

	cache := NewMemoryCache()
	ctx := context.Background()

	if _, ok, _ := cache.GetReceipt(ctx, "REF-1"); ok {
		t.Fatalf("expected miss on empty cache")
	}
	_ = cache.StoreReceipt(ctx, "REF-1", "first")
	_ = cache.StoreReceipt(ctx, "REF-1", "second")

	handle, ok, err := cache.GetReceipt(ctx, "REF-1")
	if err != nil || !ok || handle != "first" {
		t.Fatalf("expected first handle, got %q ok=%v err=%v", handle, ok, err)
	}
}
