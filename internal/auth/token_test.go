package auth

import (
	"errors"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTokenManager(t *testing.T, clock *fakeClock) *TokenManager {
	t.Helper()
	tm, err := NewTokenManager(testSecret, WithTokenClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	return tm
}

func TestTokenManagerRejectsShortSecret(t *testing.T) {
	if _, err := NewTokenManager("too-short"); err == nil {
		t.Fatalf("expected error for short secret")
	}
}

func TestIssueAccessCarriesSnapshot(t *testing.T) {
	clock := newFakeClock()
	tm := newTestTokenManager(t, clock)
	user := &User{ID: "u1", Username: "casey", Email: "casey@example.com"}
	perms := UserPermissions{
		UserID:      "u1",
		Roles:       []string{RoleEditor},
		Permissions: []string{"adr:read", "adr:write"},
	}

	raw, issued, err := tm.IssueAccess(user, perms)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	claims, err := tm.DecodeExpecting(raw, TokenTypeAccess)
	if err != nil {
		t.Fatalf("DecodeExpecting: %v", err)
	}
	if claims.Subject != "u1" || claims.Username != "casey" || claims.Email != "casey@example.com" {
		t.Fatalf("identity claims wrong: %+v", claims)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != RoleEditor {
		t.Fatalf("roles wrong: %v", claims.Roles)
	}
	if len(claims.Permissions) != 2 {
		t.Fatalf("permissions wrong: %v", claims.Permissions)
	}
	if claims.ID == "" || claims.ID != issued.ID {
		t.Fatalf("jti mismatch: %q vs %q", claims.ID, issued.ID)
	}
	if claims.TokenType != TokenTypeAccess {
		t.Fatalf("token type %q", claims.TokenType)
	}
	if got := claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time); got != defaultAccessTTL {
		t.Fatalf("access ttl %v", got)
	}
	if claims.AuthTime != clock.Now().Unix() {
		t.Fatalf("auth_time %d", claims.AuthTime)
	}
}

func TestIssueRefreshCarriesIdentityOnly(t *testing.T) {
	clock := newFakeClock()
	tm := newTestTokenManager(t, clock)

	raw, _, err := tm.IssueRefresh("u1", 0)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	claims, err := tm.DecodeExpecting(raw, TokenTypeRefresh)
	if err != nil {
		t.Fatalf("DecodeExpecting: %v", err)
	}
	if claims.Subject != "u1" || claims.TokenType != TokenTypeRefresh {
		t.Fatalf("claims wrong: %+v", claims)
	}
	if len(claims.Permissions) != 0 || len(claims.Roles) != 0 {
		t.Fatalf("refresh token must not embed grants: %+v", claims)
	}
	if got := claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time); got != defaultRefreshTTL {
		t.Fatalf("refresh ttl %v", got)
	}
}

func TestDecodeExpiredToken(t *testing.T) {
	clock := newFakeClock()
	tm := newTestTokenManager(t, clock)
	raw, _, err := tm.IssueAccess(&User{ID: "u1"}, UserPermissions{})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	clock.Advance(defaultAccessTTL + time.Minute)
	if _, err := tm.Decode(raw); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	// Expiry must stay distinguishable from forgery.
	if _, err := tm.Decode(raw); errors.Is(err, ErrTokenSignatureInvalid) {
		t.Fatalf("expired token misreported as forged")
	}
}

func TestDecodeWithinLeeway(t *testing.T) {
	clock := newFakeClock()
	tm := newTestTokenManager(t, clock)
	raw, _, err := tm.IssueAccess(&User{ID: "u1"}, UserPermissions{})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	// Just past expiry but inside the clock-skew allowance.
	clock.Advance(defaultAccessTTL + 2*time.Second)
	if _, err := tm.Decode(raw); err != nil {
		t.Fatalf("token inside leeway rejected: %v", err)
	}
}

func TestDecodeForgedSignature(t *testing.T) {
	clock := newFakeClock()
	tm := newTestTokenManager(t, clock)
	other, err := NewTokenManager("ffffffffffffffffffffffffffffffff", WithTokenClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	raw, _, err := other.IssueAccess(&User{ID: "u1"}, UserPermissions{})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if _, err := tm.Decode(raw); !errors.Is(err, ErrTokenSignatureInvalid) {
		t.Fatalf("expected ErrTokenSignatureInvalid, got %v", err)
	}
}

func TestDecodeWrongIssuerAndAudience(t *testing.T) {
	clock := newFakeClock()
	tm := newTestTokenManager(t, clock)

	foreignIssuer, err := NewTokenManager(testSecret, WithTokenClock(clock.Now), WithIssuer("someone-else"))
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	raw, _, err := foreignIssuer.IssueAccess(&User{ID: "u1"}, UserPermissions{})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if _, err := tm.Decode(raw); !errors.Is(err, ErrTokenIssuerInvalid) {
		t.Fatalf("expected ErrTokenIssuerInvalid, got %v", err)
	}

	foreignAudience, err := NewTokenManager(testSecret, WithTokenClock(clock.Now), WithAudience("other-api"))
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	raw, _, err = foreignAudience.IssueAccess(&User{ID: "u1"}, UserPermissions{})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if _, err := tm.Decode(raw); !errors.Is(err, ErrTokenAudienceInvalid) {
		t.Fatalf("expected ErrTokenAudienceInvalid, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tm := newTestTokenManager(t, newFakeClock())
	for _, raw := range []string{"", "not-a-jwt", "a.b", "a.b.c.d"} {
		if _, err := tm.Decode(raw); !errors.Is(err, ErrTokenMalformed) {
			t.Fatalf("Decode(%q): expected ErrTokenMalformed, got %v", raw, err)
		}
	}
}

func TestDecodeExpectingTypeMismatch(t *testing.T) {
	clock := newFakeClock()
	tm := newTestTokenManager(t, clock)
	refresh, _, err := tm.IssueRefresh("u1", 0)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	if _, err := tm.DecodeExpecting(refresh, TokenTypeAccess); !errors.Is(err, ErrTokenTypeMismatch) {
		t.Fatalf("expected ErrTokenTypeMismatch, got %v", err)
	}
}

func TestPeekClaimsIgnoresExpiry(t *testing.T) {
	clock := newFakeClock()
	tm := newTestTokenManager(t, clock)
	raw, issued, err := tm.IssueAccess(&User{ID: "u1"}, UserPermissions{})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	clock.Advance(48 * time.Hour)

	claims, err := tm.PeekClaims(raw)
	if err != nil {
		t.Fatalf("PeekClaims: %v", err)
	}
	if claims.ID != issued.ID || claims.Subject != "u1" {
		t.Fatalf("peeked claims wrong: %+v", claims)
	}
	if jti, err := tm.ExtractJTI(raw); err != nil || jti != issued.ID {
		t.Fatalf("ExtractJTI: %q, %v", jti, err)
	}
}

func TestRemainingTTL(t *testing.T) {
	clock := newFakeClock()
	tm := newTestTokenManager(t, clock)
	_, claims, err := tm.IssueAccess(&User{ID: "u1"}, UserPermissions{})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if got := tm.RemainingTTL(claims); got != defaultAccessTTL {
		t.Fatalf("remaining %v", got)
	}
	clock.Advance(10 * time.Minute)
	if got := tm.RemainingTTL(claims); got != defaultAccessTTL-10*time.Minute {
		t.Fatalf("remaining after advance %v", got)
	}
	clock.Advance(time.Hour)
	if got := tm.RemainingTTL(claims); got != 0 {
		t.Fatalf("expired remaining must clamp to zero, got %v", got)
	}
}

func TestJTIsAreUnique(t *testing.T) {
	tm := newTestTokenManager(t, newFakeClock())
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		_, claims, err := tm.IssueAccess(&User{ID: "u1"}, UserPermissions{})
		if err != nil {
			t.Fatalf("IssueAccess: %v", err)
		}
		if seen[claims.ID] {
			t.Fatalf("duplicate jti %q", claims.ID)
		}
		seen[claims.ID] = true
	}
}
