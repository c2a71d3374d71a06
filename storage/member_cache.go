package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"tasksync/domain"
)

// MemberCache wraps a MemberRegistry with Redis-backed caching of lookups.
// Redis failures fall back to the wrapped registry. Writes go through to the
// registry and evict the cached rows.
type MemberCache struct {
	base  MemberRegistry
	redis *redis.Client
	ttl   time.Duration
}

// NewMemberCache creates a caching directory using the provided Redis client and TTL.
func NewMemberCache(base MemberRegistry, client *redis.Client, ttl time.Duration) *MemberCache {
	if base == nil {
		panic("storage.NewMemberCache: base directory is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &MemberCache{base: base, redis: client, ttl: ttl}
}

func (c *MemberCache) Member(ctx context.Context, workspaceID, userID string) (domain.Member, error) {
	key := memberCacheKey(workspaceID, userID)
	if m, ok := c.load(ctx, key); ok {
		return m, nil
	}
	m, err := c.base.Member(ctx, workspaceID, userID)
	if err != nil {
		return domain.Member{}, err
	}
	c.store(ctx, key, m)
	return m, nil
}

func (c *MemberCache) MemberByUsername(ctx context.Context, workspaceID, username string) (domain.Member, error) {
	key := usernameCacheKey(workspaceID, username)
	if m, ok := c.load(ctx, key); ok {
		return m, nil
	}
	m, err := c.base.MemberByUsername(ctx, workspaceID, username)
	if err != nil {
		return domain.Member{}, err
	}
	c.store(ctx, key, m)
	return m, nil
}

// UpsertMember writes m to the registry and evicts the cached member and
// username rows, including the username m held before.
func (c *MemberCache) UpsertMember(ctx context.Context, m domain.Member) error {
	prev, err := c.base.Member(ctx, m.WorkspaceID, m.UserID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if err := c.base.UpsertMember(ctx, m); err != nil {
		return err
	}
	c.Evict(ctx, m)
	if prev.Username != "" && !strings.EqualFold(prev.Username, m.Username) {
		c.Evict(ctx, prev)
	}
	return nil
}

// Evict drops cached lookups for a member.
func (c *MemberCache) Evict(ctx context.Context, m domain.Member) {
	if c.redis == nil {
		return
	}
	keys := []string{memberCacheKey(m.WorkspaceID, m.UserID)}
	if m.Username != "" {
		keys = append(keys, usernameCacheKey(m.WorkspaceID, m.Username))
	}
	_, _ = c.redis.Del(ctx, keys...).Result()
}

func (c *MemberCache) load(ctx context.Context, key string) (domain.Member, bool) {
	if c.redis == nil {
		return domain.Member{}, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, key).Err()
		}
		return domain.Member{}, false
	}
	var m domain.Member
	if err := sonic.ConfigStd.Unmarshal(data, &m); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return domain.Member{}, false
	}
	return m, true
}

func (c *MemberCache) store(ctx context.Context, key string, m domain.Member) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.ConfigStd.Marshal(m)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func memberCacheKey(workspaceID, userID string) string {
	return "member:" + workspaceID + ":" + userID
}

func usernameCacheKey(workspaceID, username string) string {
	return "username:" + workspaceID + ":" + strings.ToLower(username)
}
