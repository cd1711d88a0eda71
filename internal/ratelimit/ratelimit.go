package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a fixed-window per-minute counter backed by redis. A nil
// client disables limiting, mirroring the optional redis wiring in main.
type Limiter struct {
	client *redis.Client
}

func New(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow reports whether the caller identified by scope+key is under limit
// for the current minute window. Redis being down fails open: throttling
// is a safeguard, not an authorization control.
func (l *Limiter) Allow(ctx context.Context, scope, key string, limit int) bool {
	if l == nil || l.client == nil || limit <= 0 {
		return true
	}

	window := time.Now().UTC().Unix() / 60
	redisKey := fmt.Sprintf("ratelimit:%s:%s:%d", scope, key, window)

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, 2*time.Minute).Err(); err != nil {
			return true
		}
	}
	return count <= int64(limit)
}
