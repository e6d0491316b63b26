package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"chroniclekeeper.org/internal/obs"
)

var roleNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{1,63}$`)

// RBACService answers "what may this user do" and manages the role and
// permission catalog behind that answer. The permission cache is injected
// explicitly so single-process and Redis deployments share one code path.
type RBACService struct {
	store Store
	cache PermissionCache
	now   func() time.Time
}

// RBACOption configures RBACService behavior.
type RBACOption func(*RBACService) error

// WithRBACClock overrides time source (useful for tests).
func WithRBACClock(fn func() time.Time) RBACOption {
	return func(s *RBACService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewRBACService constructs the service. Both store and cache are required;
// use NewMemoryPermissionCache for single-process deployments.
func NewRBACService(store Store, cache PermissionCache, opts ...RBACOption) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("auth: rbac service requires a store")
	}
	if cache == nil {
		return nil, errors.New("auth: rbac service requires a permission cache")
	}
	svc := &RBACService{store: store, cache: cache, now: time.Now}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// UserPermissions recomputes the effective snapshot from storage, bypassing
// the cache. Token refresh must use this path so role revocations take
// effect on the next rotation.
func (s *RBACService) UserPermissions(ctx context.Context, userID string) (UserPermissions, error) {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return UserPermissions{}, &NotFoundError{Entity: "user"}
		}
		return UserPermissions{}, err
	}
	roles, err := s.store.Roles(ctx).ForUser(ctx, userID)
	if err != nil {
		return UserPermissions{}, err
	}
	var (
		roleNames    []string
		isAdmin      bool
		isSuperAdmin bool
	)
	for _, role := range roles {
		if !role.IsActive {
			continue
		}
		roleNames = append(roleNames, role.Name)
		switch role.Name {
		case RoleSuperAdmin:
			isSuperAdmin = true
			isAdmin = true
		case RoleAdmin:
			isAdmin = true
		}
	}
	scopes, err := s.store.Permissions(ctx).ScopesForUser(ctx, userID)
	if err != nil {
		return UserPermissions{}, err
	}
	return UserPermissions{
		UserID:       user.ID,
		Username:     user.Username,
		Roles:        roleNames,
		Permissions:  scopes,
		IsAdmin:      isAdmin,
		IsSuperAdmin: isSuperAdmin,
		ComputedAt:   s.now().UTC(),
	}, nil
}

// CachedUserPermissions serves the hot request path. Cache failures degrade
// to a recompute, never to a denied request.
func (s *RBACService) CachedUserPermissions(ctx context.Context, userID string) (UserPermissions, error) {
	cached, ok, err := s.cache.Get(ctx, userID)
	if err != nil {
		obs.Event("warn", "permission cache read failed", map[string]any{"error": err.Error()})
	} else if ok {
		obs.RecordCacheEvent("hit")
		return cached, nil
	}
	obs.RecordCacheEvent("miss")
	perms, err := s.UserPermissions(ctx, userID)
	if err != nil {
		return UserPermissions{}, err
	}
	if err := s.cache.Set(ctx, perms); err != nil {
		obs.Event("warn", "permission cache write failed", map[string]any{"error": err.Error()})
	}
	return perms, nil
}

// RefreshUserPermissions recomputes from storage and replaces whatever the
// cache held. Login and token rotation use this so a stale cache entry can
// never leak into a freshly issued token.
func (s *RBACService) RefreshUserPermissions(ctx context.Context, userID string) (UserPermissions, error) {
	perms, err := s.UserPermissions(ctx, userID)
	if err != nil {
		return UserPermissions{}, err
	}
	if err := s.cache.Set(ctx, perms); err != nil {
		obs.Event("warn", "permission cache write failed", map[string]any{"error": err.Error()})
	}
	return perms, nil
}

// InvalidateUser drops one user's cached snapshot after a grant change.
func (s *RBACService) InvalidateUser(ctx context.Context, userID string) {
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		obs.Event("warn", "permission cache invalidate failed", map[string]any{"error": err.Error()})
		return
	}
	obs.RecordCacheEvent("invalidate")
}

// CreateRoleInput carries everything needed to create a custom role.
type CreateRoleInput struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Description string   `json:"description"`
	Scopes      []string `json:"scopes"`
	CreatedBy   string   `json:"-"`
}

// CreateRole adds a custom, non-system role with the given scopes.
func (s *RBACService) CreateRole(ctx context.Context, in CreateRoleInput) (*Role, error) {
	name := strings.ToLower(strings.TrimSpace(in.Name))
	if !roleNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: role name must be lowercase letters, digits or underscores", ErrInvalidInput)
	}
	scopes, err := ParseScopes(in.Scopes)
	if err != nil {
		return nil, err
	}
	role := &Role{
		Name:        name,
		DisplayName: strings.TrimSpace(in.DisplayName),
		Description: strings.TrimSpace(in.Description),
		IsActive:    true,
		CreatedBy:   in.CreatedBy,
	}
	if role.DisplayName == "" {
		role.DisplayName = name
	}
	if err := s.store.Roles(ctx).Create(ctx, role); err != nil {
		return nil, err
	}
	if len(scopes) > 0 {
		if err := s.store.Permissions(ctx).SetForRole(ctx, role.ID, scopeStrings(scopes)); err != nil {
			return nil, err
		}
	}
	return role, nil
}

// GetRole returns a role together with its granted permissions.
func (s *RBACService) GetRole(ctx context.Context, roleID string) (*Role, []Permission, error) {
	role, err := s.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, &NotFoundError{Entity: "role"}
		}
		return nil, nil, err
	}
	perms, err := s.store.Permissions(ctx).ForRole(ctx, roleID)
	if err != nil {
		return nil, nil, err
	}
	return role, perms, nil
}

// RoleByName is GetRole keyed by the stable role name, which is what the
// HTTP surface exposes.
func (s *RBACService) RoleByName(ctx context.Context, name string) (*Role, []Permission, error) {
	role, err := s.store.Roles(ctx).FindByName(ctx, strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, &NotFoundError{Entity: "role"}
		}
		return nil, nil, err
	}
	perms, err := s.store.Permissions(ctx).ForRole(ctx, role.ID)
	if err != nil {
		return nil, nil, err
	}
	return role, perms, nil
}

// ListRoles returns every role, active or not.
func (s *RBACService) ListRoles(ctx context.Context) ([]*Role, error) {
	return s.store.Roles(ctx).List(ctx)
}

// ListPermissions returns the seeded permission catalog.
func (s *RBACService) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.Permissions(ctx).List(ctx)
}

// SetRolePermissions replaces a role's scope grant wholesale. Every cached
// snapshot is dropped because any user holding the role is affected.
func (s *RBACService) SetRolePermissions(ctx context.Context, roleID string, rawScopes []string) error {
	scopes, err := ParseScopes(rawScopes)
	if err != nil {
		return err
	}
	role, err := s.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &NotFoundError{Entity: "role"}
		}
		return err
	}
	if err := s.store.Permissions(ctx).SetForRole(ctx, role.ID, scopeStrings(scopes)); err != nil {
		return err
	}
	if err := s.cache.Clear(ctx); err != nil {
		obs.Event("warn", "permission cache clear failed", map[string]any{"error": err.Error()})
	} else {
		obs.RecordCacheEvent("clear")
	}
	return nil
}

// UpdateRole changes display metadata or deactivates a role. System roles
// cannot be deactivated.
func (s *RBACService) UpdateRole(ctx context.Context, role *Role) error {
	existing, err := s.store.Roles(ctx).Find(ctx, role.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &NotFoundError{Entity: "role"}
		}
		return err
	}
	if existing.IsSystem && !role.IsActive {
		return fmt.Errorf("%w: system role %q cannot be deactivated", ErrInvalidInput, existing.Name)
	}
	if err := s.store.Roles(ctx).Update(ctx, role); err != nil {
		return err
	}
	if err := s.cache.Clear(ctx); err != nil {
		obs.Event("warn", "permission cache clear failed", map[string]any{"error": err.Error()})
	} else {
		obs.RecordCacheEvent("clear")
	}
	return nil
}

// AssignRole grants a role to a user. The call is idempotent; the returned
// bool reports whether a new assignment was created.
func (s *RBACService) AssignRole(ctx context.Context, userID, roleID, assignedBy string) (bool, error) {
	if _, err := s.store.Users(ctx).Find(ctx, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, &NotFoundError{Entity: "user"}
		}
		return false, err
	}
	role, err := s.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, &NotFoundError{Entity: "role"}
		}
		return false, err
	}
	if !role.IsActive {
		return false, fmt.Errorf("%w: role %q is inactive", ErrInvalidInput, role.Name)
	}
	created, err := s.store.Roles(ctx).Assign(ctx, userID, roleID, assignedBy, s.now().UTC())
	if err != nil {
		return false, err
	}
	if created {
		s.InvalidateUser(ctx, userID)
	}
	return created, nil
}

// AssignRoleByName resolves the role name first; used by registration.
func (s *RBACService) AssignRoleByName(ctx context.Context, userID, roleName, assignedBy string) (bool, error) {
	role, err := s.store.Roles(ctx).FindByName(ctx, roleName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, &NotFoundError{Entity: "role"}
		}
		return false, err
	}
	return s.AssignRole(ctx, userID, role.ID, assignedBy)
}

// RemoveRole revokes a role from a user. The returned bool reports whether
// an assignment actually existed.
func (s *RBACService) RemoveRole(ctx context.Context, userID, roleID string) (bool, error) {
	removed, err := s.store.Roles(ctx).Remove(ctx, userID, roleID)
	if err != nil {
		return false, err
	}
	if removed {
		s.InvalidateUser(ctx, userID)
	}
	return removed, nil
}

// UserRoles lists a user's assignments with provenance for the admin view.
func (s *RBACService) UserRoles(ctx context.Context, userID string) ([]RoleAssignment, error) {
	if _, err := s.store.Users(ctx).Find(ctx, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Entity: "user"}
		}
		return nil, err
	}
	return s.store.Roles(ctx).AssignmentsForUser(ctx, userID)
}

// SeedDefaults makes sure the permission catalog and built-in roles exist.
// Existing roles keep their current grants so operator customization
// survives restarts; only newly created roles receive the seed scopes.
func (s *RBACService) SeedDefaults(ctx context.Context) error {
	if err := s.store.Permissions(ctx).Ensure(ctx, BuiltinPermissions()); err != nil {
		return fmt.Errorf("seed permissions: %w", err)
	}
	for _, seed := range BuiltinRoles() {
		existing, err := s.store.Roles(ctx).FindByName(ctx, seed.Name)
		if err == nil && existing != nil {
			continue
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("seed role %s: %w", seed.Name, err)
		}
		role := &Role{
			Name:        seed.Name,
			DisplayName: seed.DisplayName,
			Description: seed.Description,
			IsSystem:    true,
			IsActive:    true,
		}
		if err := s.store.Roles(ctx).Create(ctx, role); err != nil {
			// Lost a race against a concurrent seeder; the role exists now.
			if errors.Is(err, ErrConflict) {
				continue
			}
			return fmt.Errorf("seed role %s: %w", seed.Name, err)
		}
		if err := s.store.Permissions(ctx).SetForRole(ctx, role.ID, scopeStrings(seed.Scopes)); err != nil {
			return fmt.Errorf("seed role %s permissions: %w", seed.Name, err)
		}
	}
	return nil
}
