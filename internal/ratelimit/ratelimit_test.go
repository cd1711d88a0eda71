package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestNilLimiterAllows(t *testing.T) {
	var limiter *Limiter
	if !limiter.Allow(context.Background(), "login", "1.2.3.4", 1) {
		t.Fatalf("expected nil limiter to allow")
	}
	if !New(nil).Allow(context.Background(), "login", "1.2.3.4", 1) {
		t.Fatalf("expected limiter without client to allow")
	}
}

func TestFixedWindowLimit(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	limiter := New(client)
	key := uuid.NewString()

	for i := 0; i < 3; i++ {
		if !limiter.Allow(ctx, "test", key, 3) {
			t.Fatalf("expected request %d under limit", i+1)
		}
	}
	if limiter.Allow(ctx, "test", key, 3) {
		t.Fatalf("expected fourth request over limit")
	}

	// The window key must carry an expiry so counters do not pile up.
	keys, err := client.Keys(ctx, "ratelimit:test:"+key+":*").Result()
	if err != nil || len(keys) == 0 {
		t.Fatalf("expected window key, got %v (%v)", keys, err)
	}
	for _, windowKey := range keys {
		ttl, err := client.TTL(ctx, windowKey).Result()
		if err != nil {
			t.Fatalf("ttl error: %v", err)
		}
		if ttl <= 0 {
			t.Fatalf("expected %s to expire, ttl %s", windowKey, ttl)
		}
	}
}
