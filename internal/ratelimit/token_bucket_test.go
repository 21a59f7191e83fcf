package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"portal-scrape-queue/internal/config"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, "test:", 2, 1, time.Minute)
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	bucket.now = func() time.Time { return now }

	allowed, _, err := bucket.Allow(ctx, "a@b.com")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "a@b.com")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "a@b.com")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if allowed, _, _ := bucket.Allow(ctx, "other@b.com"); !allowed {
		t.Fatalf("buckets must be per requester")
	}

	now = now.Add(1500 * time.Millisecond)
	allowed, left, err := bucket.Allow(ctx, "a@b.com")
	if err != nil || !allowed {
		t.Fatalf("expected refill after 1.5s, allowed=%v err=%v", allowed, err)
	}
	if left < 0.4 || left > 0.6 {
		t.Fatalf("expected about half a token left, got %v", left)
	}
}

func TestFromConfigDisabled(t *testing.T) {
	if b := FromConfig(nil, config.Config{}); b != nil {
		t.Fatalf("zero capacity should disable the limiter")
	}
}
