package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryUserListFilters(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore()
	store.now = clock.Now

	seed := []*User{
		{Username: "alice", Email: "alice@example.com", FullName: "Alice Archivist", Status: UserStatusActive},
		{Username: "bob", Email: "bob@example.com", Status: UserStatusSuspended},
		{Username: "carol", Email: "carol@example.com", FullName: "Carol Keeper", Status: UserStatusActive},
	}
	for _, u := range seed {
		if err := store.Users(ctx).Create(ctx, u); err != nil {
			t.Fatalf("create %s: %v", u.Username, err)
		}
		clock.Advance(time.Second)
	}

	users, total, err := store.Users(ctx).List(ctx, UserFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(users) != 3 {
		t.Fatalf("total=%d len=%d", total, len(users))
	}
	if users[0].Username != "alice" || users[2].Username != "carol" {
		t.Fatalf("ordering: %s..%s", users[0].Username, users[2].Username)
	}

	users, total, err = store.Users(ctx).List(ctx, UserFilter{Status: UserStatusSuspended})
	if err != nil {
		t.Fatalf("List by status: %v", err)
	}
	if total != 1 || users[0].Username != "bob" {
		t.Fatalf("status filter: total=%d users=%+v", total, users)
	}

	// Search spans username, email and full name.
	users, total, err = store.Users(ctx).List(ctx, UserFilter{Search: "KEEPER"})
	if err != nil {
		t.Fatalf("List by search: %v", err)
	}
	if total != 1 || users[0].Username != "carol" {
		t.Fatalf("search filter: total=%d", total)
	}

	users, total, err = store.Users(ctx).List(ctx, UserFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List paged: %v", err)
	}
	if total != 3 || len(users) != 1 || users[0].Username != "bob" {
		t.Fatalf("pagination: total=%d users=%+v", total, users)
	}
	users, _, err = store.Users(ctx).List(ctx, UserFilter{Offset: 10})
	if err != nil {
		t.Fatalf("List past end: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("offset past end returned %d rows", len(users))
	}
}

func TestMemoryUserLoginBookkeeping(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore()
	store.now = clock.Now

	u := &User{Username: "alice", Email: "alice@example.com", Status: UserStatusActive}
	if err := store.Users(ctx).Create(ctx, u); err != nil {
		t.Fatalf("create: %v", err)
	}

	for want := 1; want <= 3; want++ {
		got, err := store.Users(ctx).IncrementLoginFailures(ctx, u.ID)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Fatalf("counter = %d, want %d", got, want)
		}
	}
	until := clock.Now().Add(30 * time.Minute)
	if err := store.Users(ctx).SetLockedUntil(ctx, u.ID, until); err != nil {
		t.Fatalf("SetLockedUntil: %v", err)
	}
	stored, err := store.Users(ctx).Find(ctx, u.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if stored.FailedLoginAttempts != 3 || stored.LockedUntil == nil || !stored.LockedUntil.Equal(until) {
		t.Fatalf("lock state: %+v", stored)
	}

	at := clock.Now()
	if err := store.Users(ctx).ResetLoginFailures(ctx, u.ID, at, "203.0.113.9"); err != nil {
		t.Fatalf("ResetLoginFailures: %v", err)
	}
	stored, _ = store.Users(ctx).Find(ctx, u.ID)
	if stored.FailedLoginAttempts != 0 || stored.LockedUntil != nil {
		t.Fatalf("reset incomplete: %+v", stored)
	}
	if stored.LastLoginAt == nil || !stored.LastLoginAt.Equal(at) || stored.LastLoginIP != "203.0.113.9" {
		t.Fatalf("last login not stamped: %+v", stored)
	}
}

func TestMemoryRoleStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	role := &Role{Name: "curator", IsActive: true}
	if err := store.Roles(ctx).Create(ctx, role); err != nil {
		t.Fatalf("create: %v", err)
	}
	var conflict *ConflictError
	if err := store.Roles(ctx).Create(ctx, &Role{Name: "Curator"}); !errors.As(err, &conflict) || conflict.Field != "role" {
		t.Fatalf("case-insensitive duplicate: err = %v", err)
	}

	if _, err := store.Roles(ctx).Assign(ctx, "u1", "ghost", "admin", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("assign unknown role: err = %v", err)
	}
	created, err := store.Roles(ctx).Assign(ctx, "u1", role.ID, "admin", time.Now())
	if err != nil || !created {
		t.Fatalf("assign: created=%v err=%v", created, err)
	}
	created, err = store.Roles(ctx).Assign(ctx, "u1", role.ID, "admin", time.Now())
	if err != nil || created {
		t.Fatalf("duplicate assign: created=%v err=%v", created, err)
	}

	assignments, err := store.Roles(ctx).AssignmentsForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("AssignmentsForUser: %v", err)
	}
	if len(assignments) != 1 || assignments[0].RoleName != "curator" || assignments[0].AssignedBy != "admin" {
		t.Fatalf("assignments = %+v", assignments)
	}

	// ForUser reports inactive roles too; permission resolution filters.
	role.IsActive = false
	if err := store.Roles(ctx).Update(ctx, role); err != nil {
		t.Fatalf("update: %v", err)
	}
	roles, err := store.Roles(ctx).ForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ForUser: %v", err)
	}
	if len(roles) != 1 || roles[0].IsActive {
		t.Fatalf("roles = %+v", roles)
	}

	removed, err := store.Roles(ctx).Remove(ctx, "u1", role.ID)
	if err != nil || !removed {
		t.Fatalf("remove: removed=%v err=%v", removed, err)
	}
	removed, err = store.Roles(ctx).Remove(ctx, "u1", role.ID)
	if err != nil || removed {
		t.Fatalf("second remove: removed=%v err=%v", removed, err)
	}
}

func TestMemoryPermissionEnsureIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Permissions(ctx).Ensure(ctx, BuiltinPermissions()); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	first, err := store.Permissions(ctx).List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if err := store.Permissions(ctx).Ensure(ctx, BuiltinPermissions()); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	second, err := store.Permissions(ctx).List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(first) != len(Scopes()) || len(second) != len(first) {
		t.Fatalf("catalog sizes: %d then %d, want %d", len(first), len(second), len(Scopes()))
	}
	// IDs are stable across re-seeds.
	if first[0].ID != second[0].ID {
		t.Fatalf("ensure replaced existing rows")
	}

	if err := store.Permissions(ctx).SetForRole(ctx, "ghost", []string{string(ScopeADRRead)}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetForRole unknown role: err = %v", err)
	}
}

func TestMemorySessionLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore()
	store.now = clock.Now

	expiry := clock.Now().Add(time.Hour)
	s1 := &Session{UserID: "u1", JTI: "jti-1", ExpiresAt: expiry, IsActive: true}
	if err := store.Sessions(ctx).Create(ctx, s1); err != nil {
		t.Fatalf("create: %v", err)
	}
	var conflict *ConflictError
	if err := store.Sessions(ctx).Create(ctx, &Session{UserID: "u2", JTI: "jti-1", ExpiresAt: expiry}); !errors.As(err, &conflict) || conflict.Field != "jti" {
		t.Fatalf("duplicate jti: err = %v", err)
	}

	found, err := store.Sessions(ctx).FindByJTI(ctx, "jti-1")
	if err != nil || found.ID != s1.ID {
		t.Fatalf("FindByJTI: %+v err=%v", found, err)
	}

	later := clock.Now().Add(10 * time.Minute)
	if err := store.Sessions(ctx).Touch(ctx, "jti-1", later); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	found, _ = store.Sessions(ctx).FindByJTI(ctx, "jti-1")
	if !found.LastActivityAt.Equal(later) {
		t.Fatalf("LastActivityAt = %v", found.LastActivityAt)
	}
	if err := store.Sessions(ctx).Touch(ctx, "ghost", later); !errors.Is(err, ErrNotFound) {
		t.Fatalf("touch unknown: err = %v", err)
	}

	s2 := &Session{UserID: "u1", JTI: "jti-2", ExpiresAt: expiry, IsActive: true}
	if err := store.Sessions(ctx).Create(ctx, s2); err != nil {
		t.Fatalf("create second: %v", err)
	}
	count, err := store.Sessions(ctx).DeactivateByUser(ctx, "u1", clock.Now())
	if err != nil || count != 2 {
		t.Fatalf("DeactivateByUser: count=%d err=%v", count, err)
	}
	found, _ = store.Sessions(ctx).Find(ctx, s1.ID)
	if found.IsActive || found.RevokedAt == nil {
		t.Fatalf("session not deactivated: %+v", found)
	}

	clock.Advance(2 * time.Hour)
	deleted, err := store.Sessions(ctx).DeleteExpired(ctx, clock.Now())
	if err != nil || deleted != 2 {
		t.Fatalf("DeleteExpired: deleted=%d err=%v", deleted, err)
	}
	if _, err := store.Sessions(ctx).Find(ctx, s1.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired row still present: err = %v", err)
	}
}

func TestMemoryAuditRecentFailures(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore()
	store.now = clock.Now
	base := clock.Now()

	events := []*AuditEvent{
		{UserID: "u1", EventType: EventLoginAttempt, Success: false, CreatedAt: base.Add(-2 * time.Hour)},
		{UserID: "u1", EventType: EventLoginAttempt, Success: false, CreatedAt: base.Add(-20 * time.Minute)},
		{UserID: "u1", EventType: EventLoginAttempt, Success: false, CreatedAt: base.Add(-10 * time.Minute)},
		{UserID: "u1", EventType: EventLoginAttempt, Success: true, CreatedAt: base.Add(-5 * time.Minute)},
		{UserID: "u1", EventType: EventPasswordChange, Success: false, CreatedAt: base.Add(-5 * time.Minute)},
		{UserID: "u2", EventType: EventLoginAttempt, Success: false, CreatedAt: base.Add(-5 * time.Minute)},
	}
	for _, ev := range events {
		if err := store.Audit(ctx).Append(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	count, oldest, err := store.Audit(ctx).RecentFailures(ctx, "u1", EventLoginAttempt, base.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("RecentFailures: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	if !oldest.Equal(base.Add(-20 * time.Minute)) {
		t.Fatalf("oldest = %v", oldest)
	}

	count, oldest, err = store.Audit(ctx).RecentFailures(ctx, "u1", EventLoginAttempt, base)
	if err != nil {
		t.Fatalf("RecentFailures empty window: %v", err)
	}
	if count != 0 || !oldest.IsZero() {
		t.Fatalf("empty window: count=%d oldest=%v", count, oldest)
	}
}

func TestMemoryAuditListFilters(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore()
	store.now = clock.Now
	base := clock.Now()

	events := []*AuditEvent{
		{UserID: "u1", EventType: EventLoginAttempt, Category: CategoryAuth, Success: true, CreatedAt: base},
		{UserID: "u1", EventType: EventLoginAttempt, Category: CategoryAuth, Success: false, CreatedAt: base.Add(time.Minute)},
		{UserID: "u2", EventType: EventStatusChange, Category: CategoryAdmin, Success: true, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, ev := range events {
		if err := store.Audit(ctx).Append(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, total, err := store.Audit(ctx).List(ctx, AuditFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || !all[0].CreatedAt.After(all[2].CreatedAt) {
		t.Fatalf("ordering: total=%d first=%v last=%v", total, all[0].CreatedAt, all[2].CreatedAt)
	}

	failed := false
	got, total, err := store.Audit(ctx).List(ctx, AuditFilter{UserID: "u1", Success: &failed})
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if total != 1 || got[0].Success {
		t.Fatalf("success filter: total=%d", total)
	}

	got, total, err = store.Audit(ctx).List(ctx, AuditFilter{Since: base.Add(30 * time.Second), Until: base.Add(90 * time.Second)})
	if err != nil {
		t.Fatalf("List windowed: %v", err)
	}
	if total != 1 || !got[0].CreatedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("time window: total=%d", total)
	}

	got, total, err = store.Audit(ctx).List(ctx, AuditFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List paged: %v", err)
	}
	if total != 3 || len(got) != 1 {
		t.Fatalf("pagination: total=%d len=%d", total, len(got))
	}
}
