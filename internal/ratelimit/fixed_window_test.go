package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestFixedWindow(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewFixedWindow(client, 2, time.Minute)

	allowed, remaining, err := limiter.Allow(ctx, "client")
	if err != nil || !allowed || remaining != 1 {
		t.Fatalf("first request: allowed=%v remaining=%d err=%v", allowed, remaining, err)
	}
	allowed, remaining, _ = limiter.Allow(ctx, "client")
	if !allowed || remaining != 0 {
		t.Fatalf("second request: allowed=%v remaining=%d", allowed, remaining)
	}
	allowed, _, _ = limiter.Allow(ctx, "client")
	if allowed {
		t.Fatal("third request should be rejected")
	}

	// Other clients have their own window.
	allowed, _, _ = limiter.Allow(ctx, "other")
	if !allowed {
		t.Fatal("independent key should be allowed")
	}

	// A lapsed window resets the counter.
	mr.FastForward(2 * time.Minute)
	allowed, _, _ = limiter.Allow(ctx, "client")
	if !allowed {
		t.Fatal("expired window should allow again")
	}
}
