package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const revocationSweepInterval = time.Hour

// RevocationList tracks token ids that must be rejected before their natural
// expiry. Implementations are safe for concurrent use.
type RevocationList interface {
	// Revoke blocks jti for ttl. A non-positive ttl means the token is
	// already expired and nothing needs tracking.
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	// Purge drops entries whose tokens have expired on their own.
	Purge(ctx context.Context) error
}

// MemoryRevocationList keeps revoked token ids in process memory. Suitable
// for a single process only; use RedisRevocationList when several instances
// share traffic.
type MemoryRevocationList struct {
	mu        sync.RWMutex
	entries   map[string]time.Time
	now       func() time.Time
	lastSweep time.Time
}

// NewMemoryRevocationList constructs an empty in-memory list.
func NewMemoryRevocationList() *MemoryRevocationList {
	return &MemoryRevocationList{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (l *MemoryRevocationList) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return fmt.Errorf("%w: jti is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.entries[jti] = now.Add(ttl)
	if now.Sub(l.lastSweep) >= revocationSweepInterval {
		l.sweepLocked(now)
	}
	return nil
}

func (l *MemoryRevocationList) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	exp, ok := l.entries[jti]
	if !ok {
		return false, nil
	}
	return l.now().Before(exp), nil
}

func (l *MemoryRevocationList) Purge(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(l.now())
	return nil
}

// Len reports tracked entries, including ones waiting for the next sweep.
func (l *MemoryRevocationList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *MemoryRevocationList) sweepLocked(now time.Time) {
	for jti, exp := range l.entries {
		if !now.Before(exp) {
			delete(l.entries, jti)
		}
	}
	l.lastSweep = now
}
