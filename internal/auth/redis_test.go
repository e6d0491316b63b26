package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisRevocationList(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	list, err := NewRedisRevocationList(client)
	if err != nil {
		t.Fatalf("NewRedisRevocationList: %v", err)
	}

	if revoked, err := list.IsRevoked(ctx, "jti-1"); err != nil || revoked {
		t.Fatalf("fresh list: revoked=%v err=%v", revoked, err)
	}
	if err := list.Revoke(ctx, "jti-1", 10*time.Minute); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if revoked, _ := list.IsRevoked(ctx, "jti-1"); !revoked {
		t.Fatalf("expected revoked")
	}

	mr.FastForward(11 * time.Minute)
	if revoked, _ := list.IsRevoked(ctx, "jti-1"); revoked {
		t.Fatalf("entry must expire with the token lifetime")
	}

	// Expired tokens need no tracking at all.
	if err := list.Revoke(ctx, "jti-2", 0); err != nil {
		t.Fatalf("Revoke zero ttl: %v", err)
	}
	if mr.Exists(revokedKeyPrefix + "jti-2") {
		t.Fatalf("zero-ttl revocation must not write a key")
	}
}

func TestRedisPermissionCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	cache, err := NewRedisPermissionCache(client, 5*time.Minute)
	if err != nil {
		t.Fatalf("NewRedisPermissionCache: %v", err)
	}

	if _, ok, err := cache.Get(ctx, "u1"); err != nil || ok {
		t.Fatalf("empty cache: ok=%v err=%v", ok, err)
	}

	perms := UserPermissions{
		UserID:      "u1",
		Username:    "casey",
		Roles:       []string{RoleViewer},
		Permissions: []string{"adr:read", "decision:read"},
	}
	if err := cache.Set(ctx, perms); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := cache.Get(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Username != "casey" || len(got.Permissions) != 2 {
		t.Fatalf("snapshot wrong: %+v", got)
	}

	mr.FastForward(6 * time.Minute)
	if _, ok, _ := cache.Get(ctx, "u1"); ok {
		t.Fatalf("entry survived past ttl")
	}
}

func TestRedisPermissionCacheCorruptEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	cache, err := NewRedisPermissionCache(client, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisPermissionCache: %v", err)
	}
	if err := mr.Set(permsKeyPrefix+"u1", "{broken"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, ok, err := cache.Get(ctx, "u1"); err != nil || ok {
		t.Fatalf("corrupt entry must read as a miss: ok=%v err=%v", ok, err)
	}
}

func TestRedisPermissionCacheInvalidateAndClear(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	cache, err := NewRedisPermissionCache(client, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisPermissionCache: %v", err)
	}
	for _, id := range []string{"u1", "u2", "u3"} {
		if err := cache.Set(ctx, UserPermissions{UserID: id}); err != nil {
			t.Fatalf("Set %s: %v", id, err)
		}
	}

	if err := cache.Invalidate(ctx, "u2"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "u2"); ok {
		t.Fatalf("u2 still cached")
	}
	if _, ok, _ := cache.Get(ctx, "u1"); !ok {
		t.Fatalf("u1 dropped by single invalidate")
	}

	if err := cache.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	for _, id := range []string{"u1", "u3"} {
		if _, ok, _ := cache.Get(ctx, id); ok {
			t.Fatalf("%s survived clear", id)
		}
	}
}
