package api

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const idempotencyNamespace = "tasksync:idem"

// RedisDeduper keeps idempotency keys in Redis so that every instance behind
// the load balancer refuses the same replay. Keys are scoped per user.
type RedisDeduper struct {
	rc  *redis.Client
	ttl time.Duration
}

func NewRedisDeduper(rc *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{rc: rc, ttl: ttl}
}

func idempotencyKey(userID, key string) string {
	return strings.Join([]string{idempotencyNamespace, userID, key}, ":")
}

// Claim reserves key for userID. It returns false when the key is already held.
func (d *RedisDeduper) Claim(ctx context.Context, userID, key string) (bool, error) {
	return d.rc.SetNX(ctx, idempotencyKey(userID, key), time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
}

// Release drops a claim so the client may retry the request.
func (d *RedisDeduper) Release(ctx context.Context, userID, key string) error {
	return d.rc.Del(ctx, idempotencyKey(userID, key)).Err()
}
