package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	revokedKeyPrefix = "chronicle:auth:revoked:"
	permsKeyPrefix   = "chronicle:auth:perms:"
)

// RedisRevocationList shares revoked token ids across processes. Each entry
// carries a TTL equal to the remaining token lifetime, so Redis expires it
// exactly when the token would have died anyway.
type RedisRevocationList struct {
	client *redis.Client
}

// NewRedisRevocationList wraps an existing client.
func NewRedisRevocationList(client *redis.Client) (*RedisRevocationList, error) {
	if client == nil {
		return nil, errors.New("auth: redis client is required")
	}
	return &RedisRevocationList{client: client}, nil
}

func (l *RedisRevocationList) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return fmt.Errorf("%w: jti is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return nil
	}
	if err := l.client.Set(ctx, revokedKeyPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (l *RedisRevocationList) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	n, err := l.client.Exists(ctx, revokedKeyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("revocation lookup: %w", err)
	}
	return n > 0, nil
}

// Purge is a no-op: Redis expires entries by itself.
func (l *RedisRevocationList) Purge(ctx context.Context) error { return nil }

// RedisPermissionCache shares permission snapshots across processes as JSON
// values with a server-side TTL.
type RedisPermissionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPermissionCache wraps an existing client; a non-positive ttl falls
// back to DefaultPermissionCacheTTL.
func NewRedisPermissionCache(client *redis.Client, ttl time.Duration) (*RedisPermissionCache, error) {
	if client == nil {
		return nil, errors.New("auth: redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultPermissionCacheTTL
	}
	return &RedisPermissionCache{client: client, ttl: ttl}, nil
}

func (c *RedisPermissionCache) Get(ctx context.Context, userID string) (UserPermissions, bool, error) {
	raw, err := c.client.Get(ctx, permsKeyPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return UserPermissions{}, false, nil
	}
	if err != nil {
		return UserPermissions{}, false, fmt.Errorf("permission cache get: %w", err)
	}
	var perms UserPermissions
	if err := json.Unmarshal(raw, &perms); err != nil {
		// Stale encoding from an older build; treat as a miss and let the
		// caller overwrite it.
		return UserPermissions{}, false, nil
	}
	return perms, true, nil
}

func (c *RedisPermissionCache) Set(ctx context.Context, perms UserPermissions) error {
	if strings.TrimSpace(perms.UserID) == "" {
		return nil
	}
	raw, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("permission cache encode: %w", err)
	}
	if err := c.client.Set(ctx, permsKeyPrefix+perms.UserID, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("permission cache set: %w", err)
	}
	return nil
}

func (c *RedisPermissionCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, permsKeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("permission cache invalidate: %w", err)
	}
	return nil
}

func (c *RedisPermissionCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, permsKeyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("permission cache scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("permission cache clear: %w", err)
	}
	return nil
}
