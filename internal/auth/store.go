package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
	Sessions(ctx context.Context) SessionStore
	APIKeys(ctx context.Context) APIKeyStore
	Audit(ctx context.Context) AuditStore
}

// UserFilter narrows admin user listings.
type UserFilter struct {
	Status string
	// Search matches username, email and full name, case-insensitively.
	Search string
	Limit  int
	Offset int
}

// AuditFilter narrows audit log queries.
type AuditFilter struct {
	UserID    string
	EventType string
	Category  string
	Success   *bool
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// UserStore manages user accounts and their login bookkeeping.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	// FindByLogin matches login against username or email.
	FindByLogin(ctx context.Context, login string) (*User, error)
	List(ctx context.Context, f UserFilter) ([]*User, int, error)
	UpdateProfile(ctx context.Context, u *User) error
	UpdatePassword(ctx context.Context, userID, passwordHash string, changedAt time.Time) error
	UpdateStatus(ctx context.Context, userID, status string) error
	// IncrementLoginFailures bumps the failure counter and returns its new value.
	IncrementLoginFailures(ctx context.Context, userID string) (int, error)
	SetLockedUntil(ctx context.Context, userID string, until time.Time) error
	ResetLoginFailures(ctx context.Context, userID string, lastLoginAt time.Time, lastLoginIP string) error
}

// RoleStore manages roles and user assignments.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
	Update(ctx context.Context, role *Role) error
	// Assign links user and role; it reports false when the link already
	// existed. Remove reports false when there was nothing to remove.
	Assign(ctx context.Context, userID, roleID, assignedBy string, at time.Time) (bool, error)
	Remove(ctx context.Context, userID, roleID string) (bool, error)
	// ForUser returns every assigned role including inactive ones; callers
	// filter on IsActive.
	ForUser(ctx context.Context, userID string) ([]*Role, error)
	AssignmentsForUser(ctx context.Context, userID string) ([]RoleAssignment, error)
}

// PermissionStore manages the permission catalog and role grants.
type PermissionStore interface {
	// Ensure inserts catalog entries that do not exist yet; present rows
	// stay untouched.
	Ensure(ctx context.Context, perms []Permission) error
	List(ctx context.Context) ([]Permission, error)
	ForRole(ctx context.Context, roleID string) ([]Permission, error)
	SetForRole(ctx context.Context, roleID string, scopes []string) error
	// ScopesForUser returns the deduplicated scope union over the user's
	// active roles.
	ScopesForUser(ctx context.Context, userID string) ([]string, error)
}

// SessionStore manages refresh-token lineages.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	FindByJTI(ctx context.Context, jti string) (*Session, error)
	ActiveByUser(ctx context.Context, userID string) ([]*Session, error)
	Deactivate(ctx context.Context, id string, at time.Time) error
	DeactivateByJTI(ctx context.Context, jti string, at time.Time) error
	DeactivateByUser(ctx context.Context, userID string, at time.Time) (int, error)
	Touch(ctx context.Context, jti string, at time.Time) error
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// APIKeyStore manages opaque machine credentials.
type APIKeyStore interface {
	Create(ctx context.Context, k *APIKey) error
	Find(ctx context.Context, id string) (*APIKey, error)
	FindByHash(ctx context.Context, keyHash string) (*APIKey, error)
	ListByCreator(ctx context.Context, userID string) ([]*APIKey, error)
	Revoke(ctx context.Context, id, revokedBy string, at time.Time) error
	RecordUsage(ctx context.Context, id string, at time.Time) error
}

// AuditStore appends immutable security events and answers lockout queries.
type AuditStore interface {
	Append(ctx context.Context, ev *AuditEvent) error
	// RecentFailures counts failed events of eventType for the user since
	// the cutoff and returns the oldest matching timestamp, which callers
	// use to compute when the rolling window releases.
	RecentFailures(ctx context.Context, userID, eventType string, since time.Time) (int, time.Time, error)
	List(ctx context.Context, f AuditFilter) ([]*AuditEvent, int, error)
}
