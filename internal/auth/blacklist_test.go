package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryRevocationList(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	list := NewMemoryRevocationList()
	list.now = clock.Now

	if revoked, err := list.IsRevoked(ctx, "jti-1"); err != nil || revoked {
		t.Fatalf("fresh list reports revoked=%v err=%v", revoked, err)
	}
	if err := list.Revoke(ctx, "jti-1", 10*time.Minute); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if revoked, _ := list.IsRevoked(ctx, "jti-1"); !revoked {
		t.Fatalf("expected jti-1 revoked")
	}

	// Revocation only matters until the token would have expired anyway.
	clock.Advance(11 * time.Minute)
	if revoked, _ := list.IsRevoked(ctx, "jti-1"); revoked {
		t.Fatalf("revocation must lapse with the token lifetime")
	}
}

func TestMemoryRevocationListNonPositiveTTL(t *testing.T) {
	ctx := context.Background()
	list := NewMemoryRevocationList()
	if err := list.Revoke(ctx, "jti-1", 0); err != nil {
		t.Fatalf("Revoke with zero ttl: %v", err)
	}
	if list.Len() != 0 {
		t.Fatalf("already-expired token must not be tracked")
	}
	if err := list.Revoke(ctx, "  ", time.Minute); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank jti: %v", err)
	}
}

func TestMemoryRevocationListPurge(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	list := NewMemoryRevocationList()
	list.now = clock.Now

	if err := list.Revoke(ctx, "old", time.Minute); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := list.Revoke(ctx, "fresh", time.Hour); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	clock.Advance(10 * time.Minute)
	if err := list.Purge(ctx); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if list.Len() != 1 {
		t.Fatalf("expected one live entry, got %d", list.Len())
	}
	if revoked, _ := list.IsRevoked(ctx, "fresh"); !revoked {
		t.Fatalf("live entry dropped by purge")
	}
}

func TestMemoryRevocationListOpportunisticSweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	list := NewMemoryRevocationList()
	list.now = clock.Now

	if err := list.Revoke(ctx, "short", time.Minute); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	// Past the sweep interval the next write collects expired entries.
	clock.Advance(revocationSweepInterval + time.Minute)
	if err := list.Revoke(ctx, "next", time.Hour); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if list.Len() != 1 {
		t.Fatalf("expected sweep on write, have %d entries", list.Len())
	}
}
