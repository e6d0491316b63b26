package auth

import (
	"context"
	"testing"
	"time"
)

func TestMemoryPermissionCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cache := NewMemoryPermissionCache(5 * time.Minute)
	cache.now = clock.Now

	if _, ok, err := cache.Get(ctx, "u1"); err != nil || ok {
		t.Fatalf("empty cache hit: ok=%v err=%v", ok, err)
	}

	perms := UserPermissions{UserID: "u1", Permissions: []string{"adr:read"}, ComputedAt: clock.Now()}
	if err := cache.Set(ctx, perms); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := cache.Get(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.UserID != "u1" || !got.Has("adr:read") {
		t.Fatalf("cached snapshot wrong: %+v", got)
	}
}

func TestMemoryPermissionCacheExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cache := NewMemoryPermissionCache(5 * time.Minute)
	cache.now = clock.Now

	if err := cache.Set(ctx, UserPermissions{UserID: "u1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	clock.Advance(4 * time.Minute)
	if _, ok, _ := cache.Get(ctx, "u1"); !ok {
		t.Fatalf("entry expired early")
	}
	clock.Advance(2 * time.Minute)
	if _, ok, _ := cache.Get(ctx, "u1"); ok {
		t.Fatalf("entry survived past ttl")
	}
}

func TestMemoryPermissionCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryPermissionCache(0) // default ttl
	if err := cache.Set(ctx, UserPermissions{UserID: "u1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := cache.Set(ctx, UserPermissions{UserID: "u2"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := cache.Invalidate(ctx, "u1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "u1"); ok {
		t.Fatalf("u1 still cached after invalidate")
	}
	if _, ok, _ := cache.Get(ctx, "u2"); !ok {
		t.Fatalf("invalidate must only drop the named user")
	}

	if err := cache.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("cache not empty after clear")
	}
}

func TestMemoryPermissionCacheSweepsOnWrite(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cache := NewMemoryPermissionCache(time.Minute)
	cache.now = clock.Now

	if err := cache.Set(ctx, UserPermissions{UserID: "stale"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if err := cache.Set(ctx, UserPermissions{UserID: "live"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected stale entry swept on write, have %d", cache.Len())
	}
}
