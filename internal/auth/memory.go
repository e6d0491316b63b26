package auth

import (
	"context"
	"crypto/hmac"
	"sort"
	"strings"
	"sync"
	"time"

	"chroniclekeeper.org/internal/ids"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store entirely in process memory. It backs unit
// tests and the zero-dependency development mode; data does not survive a
// restart.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*User
	roles       map[string]*Role
	perms       map[string]*Permission      // keyed by scope
	rolePerms   map[string]map[string]bool  // roleID -> scope set
	assignments map[string][]RoleAssignment // userID -> assignments
	sessions    map[string]*Session
	apiKeys     map[string]*APIKey
	audit       []*AuditEvent
	now         func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*User),
		roles:       make(map[string]*Role),
		perms:       make(map[string]*Permission),
		rolePerms:   make(map[string]map[string]bool),
		assignments: make(map[string][]RoleAssignment),
		sessions:    make(map[string]*Session),
		apiKeys:     make(map[string]*APIKey),
		now:         time.Now,
	}
}

func (m *MemoryStore) Users(ctx context.Context) UserStore             { return (*memUsers)(m) }
func (m *MemoryStore) Roles(ctx context.Context) RoleStore             { return (*memRoles)(m) }
func (m *MemoryStore) Permissions(ctx context.Context) PermissionStore { return (*memPerms)(m) }
func (m *MemoryStore) Sessions(ctx context.Context) SessionStore       { return (*memSessions)(m) }
func (m *MemoryStore) APIKeys(ctx context.Context) APIKeyStore         { return (*memAPIKeys)(m) }
func (m *MemoryStore) Audit(ctx context.Context) AuditStore            { return (*memAudit)(m) }

// User store ---------------------------------------------------------------

type memUsers MemoryStore

func (m *memUsers) Create(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	for _, existing := range m.users {
		if strings.EqualFold(existing.Username, u.Username) {
			return &ConflictError{Field: "username"}
		}
		if strings.EqualFold(existing.Email, u.Email) {
			return &ConflictError{Field: "email"}
		}
	}
	now := m.now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	clone := *u
	m.users[u.ID] = &clone
	return nil
}

func (m *memUsers) Find(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *u
	return &clone, nil
}

func (m *memUsers) FindByUsername(ctx context.Context, username string) (*User, error) {
	return m.findBy(func(u *User) bool { return strings.EqualFold(u.Username, username) })
}

func (m *memUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	return m.findBy(func(u *User) bool { return strings.EqualFold(u.Email, email) })
}

func (m *memUsers) FindByLogin(ctx context.Context, login string) (*User, error) {
	return m.findBy(func(u *User) bool {
		return strings.EqualFold(u.Username, login) || strings.EqualFold(u.Email, login)
	})
}

func (m *memUsers) findBy(match func(*User) bool) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if match(u) {
			clone := *u
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) List(ctx context.Context, f UserFilter) ([]*User, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*User
	search := strings.ToLower(strings.TrimSpace(f.Search))
	for _, u := range m.users {
		if f.Status != "" && u.Status != f.Status {
			continue
		}
		if search != "" {
			haystack := strings.ToLower(u.Username + " " + u.Email + " " + u.FullName)
			if !strings.Contains(haystack, search) {
				continue
			}
		}
		clone := *u
		matched = append(matched, &clone)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	total := len(matched)
	matched = paginate(matched, f.Offset, f.Limit)
	return matched, total, nil
}

func (m *memUsers) UpdateProfile(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.users[u.ID]
	if !ok {
		return ErrNotFound
	}
	existing.FullName = u.FullName
	existing.AvatarURL = u.AvatarURL
	existing.Department = u.Department
	existing.JobTitle = u.JobTitle
	existing.Timezone = u.Timezone
	existing.Locale = u.Locale
	existing.UpdatedAt = m.now()
	return nil
}

func (m *memUsers) UpdatePassword(ctx context.Context, userID, passwordHash string, changedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.PasswordChangedAt = &changedAt
	u.UpdatedAt = m.now()
	return nil
}

func (m *memUsers) UpdateStatus(ctx context.Context, userID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	u.UpdatedAt = m.now()
	return nil
}

func (m *memUsers) IncrementLoginFailures(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, ErrNotFound
	}
	u.FailedLoginAttempts++
	u.UpdatedAt = m.now()
	return u.FailedLoginAttempts, nil
}

func (m *memUsers) SetLockedUntil(ctx context.Context, userID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.LockedUntil = &until
	u.UpdatedAt = m.now()
	return nil
}

func (m *memUsers) ResetLoginFailures(ctx context.Context, userID string, lastLoginAt time.Time, lastLoginIP string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	u.LastLoginAt = &lastLoginAt
	u.LastLoginIP = lastLoginIP
	u.UpdatedAt = m.now()
	return nil
}

// Role store ---------------------------------------------------------------

type memRoles MemoryStore

func (m *memRoles) Create(ctx context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if role.ID == "" {
		role.ID = ids.New()
	}
	for _, existing := range m.roles {
		if strings.EqualFold(existing.Name, role.Name) {
			return &ConflictError{Field: "role"}
		}
	}
	now := m.now()
	if role.CreatedAt.IsZero() {
		role.CreatedAt = now
	}
	role.UpdatedAt = now
	clone := *role
	m.roles[role.ID] = &clone
	return nil
}

func (m *memRoles) Find(ctx context.Context, id string) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *role
	return &clone, nil
}

func (m *memRoles) FindByName(ctx context.Context, name string) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, role := range m.roles {
		if strings.EqualFold(role.Name, name) {
			clone := *role
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRoles) List(ctx context.Context) ([]*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Role, 0, len(m.roles))
	for _, role := range m.roles {
		clone := *role
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memRoles) Update(ctx context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.roles[role.ID]
	if !ok {
		return ErrNotFound
	}
	existing.DisplayName = role.DisplayName
	existing.Description = role.Description
	existing.IsActive = role.IsActive
	existing.UpdatedAt = m.now()
	return nil
}

func (m *memRoles) Assign(ctx context.Context, userID, roleID, assignedBy string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assignments[userID] {
		if a.RoleID == roleID {
			return false, nil
		}
	}
	role, ok := m.roles[roleID]
	if !ok {
		return false, ErrNotFound
	}
	m.assignments[userID] = append(m.assignments[userID], RoleAssignment{
		UserID:     userID,
		RoleID:     roleID,
		RoleName:   role.Name,
		AssignedBy: assignedBy,
		AssignedAt: at,
	})
	return true, nil
}

func (m *memRoles) Remove(ctx context.Context, userID, roleID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.assignments[userID]
	for i, a := range list {
		if a.RoleID == roleID {
			m.assignments[userID] = append(list[:i], list[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *memRoles) ForUser(ctx context.Context, userID string) ([]*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Role
	for _, a := range m.assignments[userID] {
		if role, ok := m.roles[a.RoleID]; ok {
			clone := *role
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memRoles) AssignmentsForUser(ctx context.Context, userID string) ([]RoleAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]RoleAssignment(nil), m.assignments[userID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out, nil
}

// Permission store ---------------------------------------------------------

type memPerms MemoryStore

func (m *memPerms) Ensure(ctx context.Context, perms []Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range perms {
		if _, ok := m.perms[p.Scope]; ok {
			continue
		}
		clone := p
		if clone.ID == "" {
			clone.ID = ids.New()
		}
		if clone.CreatedAt.IsZero() {
			clone.CreatedAt = m.now()
		}
		m.perms[p.Scope] = &clone
	}
	return nil
}

func (m *memPerms) List(ctx context.Context) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Permission, 0, len(m.perms))
	for _, p := range m.perms {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out, nil
}

func (m *memPerms) ForRole(ctx context.Context, roleID string) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Permission
	for scope := range m.rolePerms[roleID] {
		if p, ok := m.perms[scope]; ok {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out, nil
}

func (m *memPerms) SetForRole(ctx context.Context, roleID string, scopes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; !ok {
		return ErrNotFound
	}
	set := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		set[s] = true
	}
	m.rolePerms[roleID] = set
	return nil
}

func (m *memPerms) ScopesForUser(ctx context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := make(map[string]struct{})
	for _, a := range m.assignments[userID] {
		role, ok := m.roles[a.RoleID]
		if !ok || !role.IsActive {
			continue
		}
		for scope := range m.rolePerms[role.ID] {
			set[scope] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for scope := range set {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out, nil
}

// Session store ------------------------------------------------------------

type memSessions MemoryStore

func (m *memSessions) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = ids.New()
	}
	for _, existing := range m.sessions {
		if existing.JTI == s.JTI {
			return &ConflictError{Field: "jti"}
		}
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	if s.LastActivityAt.IsZero() {
		s.LastActivityAt = s.CreatedAt
	}
	clone := *s
	m.sessions[s.ID] = &clone
	return nil
}

func (m *memSessions) Find(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *s
	return &clone, nil
}

func (m *memSessions) FindByJTI(ctx context.Context, jti string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.JTI == jti {
			clone := *s
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memSessions) ActiveByUser(ctx context.Context, userID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.IsActive {
			clone := *s
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memSessions) Deactivate(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.IsActive = false
	s.RevokedAt = &at
	return nil
}

func (m *memSessions) DeactivateByJTI(ctx context.Context, jti string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.JTI == jti {
			s.IsActive = false
			s.RevokedAt = &at
			return nil
		}
	}
	return ErrNotFound
}

func (m *memSessions) DeactivateByUser(ctx context.Context, userID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, s := range m.sessions {
		if s.UserID == userID && s.IsActive {
			s.IsActive = false
			s.RevokedAt = &at
			count++
		}
	}
	return count, nil
}

func (m *memSessions) Touch(ctx context.Context, jti string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.JTI == jti {
			s.LastActivityAt = at
			return nil
		}
	}
	return ErrNotFound
}

func (m *memSessions) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(before) {
			delete(m.sessions, id)
			count++
		}
	}
	return count, nil
}

// API key store ------------------------------------------------------------

type memAPIKeys MemoryStore

func (m *memAPIKeys) Create(ctx context.Context, k *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k.ID == "" {
		k.ID = ids.New()
	}
	for _, existing := range m.apiKeys {
		if existing.KeyHash == k.KeyHash {
			return &ConflictError{Field: "key"}
		}
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = m.now()
	}
	clone := *k
	clone.Scopes = append([]string(nil), k.Scopes...)
	m.apiKeys[k.ID] = &clone
	return nil
}

func (m *memAPIKeys) Find(ctx context.Context, id string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAPIKey(k), nil
}

func (m *memAPIKeys) FindByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.apiKeys {
		if hmac.Equal([]byte(k.KeyHash), []byte(keyHash)) {
			return cloneAPIKey(k), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memAPIKeys) ListByCreator(ctx context.Context, userID string) ([]*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*APIKey
	for _, k := range m.apiKeys {
		if k.CreatedBy == userID {
			out = append(out, cloneAPIKey(k))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memAPIKeys) Revoke(ctx context.Context, id, revokedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return ErrNotFound
	}
	k.IsActive = false
	k.RevokedAt = &at
	k.RevokedBy = revokedBy
	return nil
}

func (m *memAPIKeys) RecordUsage(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return ErrNotFound
	}
	k.UsageCount++
	k.LastUsedAt = &at
	return nil
}

func cloneAPIKey(k *APIKey) *APIKey {
	clone := *k
	clone.Scopes = append([]string(nil), k.Scopes...)
	return &clone
}

// Audit store --------------------------------------------------------------

type memAudit MemoryStore

func (m *memAudit) Append(ctx context.Context, ev *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	clone := *ev
	if ev.Details != nil {
		clone.Details = make(map[string]any, len(ev.Details))
		for k, v := range ev.Details {
			clone.Details[k] = v
		}
	}
	m.audit = append(m.audit, &clone)
	return nil
}

func (m *memAudit) RecentFailures(ctx context.Context, userID, eventType string, since time.Time) (int, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	var oldest time.Time
	for _, ev := range m.audit {
		if ev.UserID != userID || ev.EventType != eventType || ev.Success {
			continue
		}
		if ev.CreatedAt.Before(since) {
			continue
		}
		count++
		if oldest.IsZero() || ev.CreatedAt.Before(oldest) {
			oldest = ev.CreatedAt
		}
	}
	return count, oldest, nil
}

func (m *memAudit) List(ctx context.Context, f AuditFilter) ([]*AuditEvent, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*AuditEvent
	for _, ev := range m.audit {
		if f.UserID != "" && ev.UserID != f.UserID {
			continue
		}
		if f.EventType != "" && ev.EventType != f.EventType {
			continue
		}
		if f.Category != "" && ev.Category != f.Category {
			continue
		}
		if f.Success != nil && ev.Success != *f.Success {
			continue
		}
		if !f.Since.IsZero() && ev.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && ev.CreatedAt.After(f.Until) {
			continue
		}
		clone := *ev
		matched = append(matched, &clone)
	}
	// Newest first, matching the SQL ordering.
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	matched = paginate(matched, f.Offset, f.Limit)
	return matched, total, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
