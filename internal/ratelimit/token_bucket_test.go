package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, refill, time.Minute)
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "rl:doc")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "rl:doc")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "rl:doc")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
	allowed, _, _ = bucket.Allow(ctx, "rl:other")
	if !allowed {
		t.Fatalf("buckets must be independent per key")
	}
}

func TestTokenBucketRefillWithInjectedClock(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 1, 1)
	now := time.Now()
	bucket.now = func() time.Time { return now }

	if ok, _, _ := bucket.Allow(ctx, "k"); !ok {
		t.Fatalf("expected first token")
	}
	if ok, _, _ := bucket.Allow(ctx, "k"); ok {
		t.Fatalf("expected empty bucket")
	}
	now = now.Add(1500 * time.Millisecond)
	if ok, _, _ := bucket.Allow(ctx, "k"); !ok {
		t.Fatalf("expected token after refill")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	bucket := newBucket(t, 1, 0)
	ctx := context.Background()
	if err := bucket.Wait(ctx, "k"); err != nil {
		t.Fatalf("first wait should pass immediately: %v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := bucket.Wait(ctx, "k"); err == nil {
		t.Fatalf("expected wait to stop on context deadline")
	}
}
