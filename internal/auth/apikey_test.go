package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestAPIKeys(t *testing.T, clock *fakeClock) (*APIKeyService, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	svc, err := NewAPIKeyService(store, WithAPIKeyClock(clock.Now))
	if err != nil {
		t.Fatalf("NewAPIKeyService: %v", err)
	}
	return svc, store
}

func TestAPIKeyCreateAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc, _ := newTestAPIKeys(t, clock)

	key, plaintext, err := svc.Create(ctx, CreateAPIKeyInput{
		Name:      "ci-importer",
		Scopes:    []string{string(ScopeADRRead), string(ScopeADRWrite)},
		CreatedBy: "u1",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(plaintext, "ck_") || len(plaintext) != len("ck_")+64 {
		t.Fatalf("plaintext format: %q", plaintext)
	}
	if key.KeyPrefix != plaintext[:8] {
		t.Fatalf("display prefix %q does not match plaintext", key.KeyPrefix)
	}
	if key.KeyHash == "" || strings.Contains(key.KeyHash, plaintext) {
		t.Fatalf("hash must not embed the plaintext")
	}

	got, err := svc.Authenticate(ctx, plaintext)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != key.ID {
		t.Fatalf("resolved wrong key: %s", got.ID)
	}

	// Each successful authentication bumps the usage counters.
	if _, err := svc.Authenticate(ctx, plaintext); err != nil {
		t.Fatalf("second Authenticate: %v", err)
	}
	stored, err := svc.Get(ctx, key.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.UsageCount != 2 || stored.LastUsedAt == nil {
		t.Fatalf("usage not recorded: count=%d last=%v", stored.UsageCount, stored.LastUsedAt)
	}
}

func TestAPIKeyCreateValidation(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc, _ := newTestAPIKeys(t, clock)

	cases := []struct {
		name string
		in   CreateAPIKeyInput
	}{
		{"empty name", CreateAPIKeyInput{Scopes: []string{string(ScopeADRRead)}, CreatedBy: "u1"}},
		{"no scopes", CreateAPIKeyInput{Name: "k", CreatedBy: "u1"}},
		{"unknown scope", CreateAPIKeyInput{Name: "k", Scopes: []string{"adr:frobnicate"}, CreatedBy: "u1"}},
	}
	for _, tc := range cases {
		if _, _, err := svc.Create(ctx, tc.in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: err = %v, want ErrInvalidInput", tc.name, err)
		}
	}

	past := clock.Now().Add(-time.Hour)
	if _, _, err := svc.Create(ctx, CreateAPIKeyInput{
		Name: "k", Scopes: []string{string(ScopeADRRead)}, ExpiresAt: &past, CreatedBy: "u1",
	}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("past expiry: err = %v, want ErrInvalidInput", err)
	}
}

func TestAPIKeyAuthenticateRejections(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc, _ := newTestAPIKeys(t, clock)

	if _, err := svc.Authenticate(ctx, "sk_wrong_scheme"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("malformed: err = %v", err)
	}
	if _, err := svc.Authenticate(ctx, "ck_"+strings.Repeat("0", 64)); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("unknown: err = %v", err)
	}

	key, plaintext, err := svc.Create(ctx, CreateAPIKeyInput{
		Name: "short-lived", Scopes: []string{string(ScopeADRRead)}, CreatedBy: "u1",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Revoke(ctx, key.ID, "admin-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := svc.Authenticate(ctx, plaintext); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("revoked: err = %v", err)
	}
	if err := svc.Revoke(ctx, "ghost", "admin-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("revoke unknown: err = %v", err)
	}

	expiry := clock.Now().Add(time.Hour)
	_, plaintext, err = svc.Create(ctx, CreateAPIKeyInput{
		Name: "expiring", Scopes: []string{string(ScopeADRRead)}, ExpiresAt: &expiry, CreatedBy: "u1",
	})
	if err != nil {
		t.Fatalf("Create expiring: %v", err)
	}
	if _, err := svc.Authenticate(ctx, plaintext); err != nil {
		t.Fatalf("before expiry: %v", err)
	}
	clock.Advance(2 * time.Hour)
	if _, err := svc.Authenticate(ctx, plaintext); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("after expiry: err = %v", err)
	}
}

func TestAPIKeyPrincipal(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc, _ := newTestAPIKeys(t, clock)

	key, _, err := svc.Create(ctx, CreateAPIKeyInput{
		Name: "reporting", Scopes: []string{string(ScopeADRRead), string(ScopeAuditRead)}, CreatedBy: "u1",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	p := svc.PrincipalFor(key)
	if p.UserID != "u1" || p.Username != "reporting" {
		t.Fatalf("identity: %+v", p)
	}
	if p.TokenType != TokenTypeAPIKey || p.TokenID != key.ID {
		t.Fatalf("credential tags: %+v", p)
	}
	if !p.HasPermission(string(ScopeADRRead)) || p.HasPermission(string(ScopeADRWrite)) {
		t.Fatalf("key scopes leaked or missing")
	}
	// Keys never inherit the creator's roles or admin standing.
	if len(p.Roles) != 0 || p.IsAdmin || p.IsSuperAdmin {
		t.Fatalf("key principal carries user standing: %+v", p)
	}
}

func TestAPIKeyList(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc, _ := newTestAPIKeys(t, clock)

	for _, name := range []string{"one", "two"} {
		if _, _, err := svc.Create(ctx, CreateAPIKeyInput{
			Name: name, Scopes: []string{string(ScopeADRRead)}, CreatedBy: "u1",
		}); err != nil {
			t.Fatalf("Create %s: %v", name, err)
		}
	}
	if _, _, err := svc.Create(ctx, CreateAPIKeyInput{
		Name: "other", Scopes: []string{string(ScopeADRRead)}, CreatedBy: "u2",
	}); err != nil {
		t.Fatalf("Create other: %v", err)
	}

	keys, err := svc.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2", len(keys))
	}
	for _, k := range keys {
		if k.CreatedBy != "u1" {
			t.Fatalf("foreign key in listing: %+v", k)
		}
	}
}
