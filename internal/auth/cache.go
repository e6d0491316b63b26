package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultPermissionCacheTTL bounds how stale a cached permission snapshot
// may get before the next request recomputes it.
const DefaultPermissionCacheTTL = 5 * time.Minute

// PermissionCache stores computed permission snapshots for a short TTL so
// the hot request path avoids three-table joins.
type PermissionCache interface {
	Get(ctx context.Context, userID string) (UserPermissions, bool, error)
	Set(ctx context.Context, perms UserPermissions) error
	Invalidate(ctx context.Context, userID string) error
	Clear(ctx context.Context) error
}

type cachedPermissions struct {
	perms     UserPermissions
	expiresAt time.Time
}

// MemoryPermissionCache is a mutex-guarded TTL map for a single process.
type MemoryPermissionCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cachedPermissions
	now     func() time.Time
}

// NewMemoryPermissionCache constructs a cache; a non-positive ttl falls back
// to DefaultPermissionCacheTTL.
func NewMemoryPermissionCache(ttl time.Duration) *MemoryPermissionCache {
	if ttl <= 0 {
		ttl = DefaultPermissionCacheTTL
	}
	return &MemoryPermissionCache{
		ttl:     ttl,
		entries: make(map[string]cachedPermissions),
		now:     time.Now,
	}
}

func (c *MemoryPermissionCache) Get(ctx context.Context, userID string) (UserPermissions, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok || !c.now().Before(entry.expiresAt) {
		return UserPermissions{}, false, nil
	}
	return entry.perms, true, nil
}

func (c *MemoryPermissionCache) Set(ctx context.Context, perms UserPermissions) error {
	if strings.TrimSpace(perms.UserID) == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries[perms.UserID] = cachedPermissions{perms: perms, expiresAt: now.Add(c.ttl)}
	// Piggyback expired-entry cleanup on writes so the map cannot grow
	// unbounded between explicit Clear calls.
	for id, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, id)
		}
	}
	return nil
}

func (c *MemoryPermissionCache) Invalidate(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	return nil
}

func (c *MemoryPermissionCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cachedPermissions)
	return nil
}

// Len reports live plus not-yet-swept entries.
func (c *MemoryPermissionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
