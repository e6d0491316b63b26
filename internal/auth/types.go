package auth

import "time"

// Account lifecycle states. Suspended and inactive accounts cannot sign in;
// pending accounts can (email verification gates nothing yet).
const (
	UserStatusActive    = "active"
	UserStatusPending   = "pending_verification"
	UserStatusInactive  = "inactive"
	UserStatusSuspended = "suspended"
)

// ValidUserStatus reports whether status is one of the known lifecycle states.
func ValidUserStatus(status string) bool {
	switch status {
	case UserStatusActive, UserStatusPending, UserStatusInactive, UserStatusSuspended:
		return true
	}
	return false
}

// User is a human account. PasswordHash never leaves the service.
type User struct {
	ID                  string     `json:"id"`
	Username            string     `json:"username"`
	Email               string     `json:"email"`
	FullName            string     `json:"full_name,omitempty"`
	PasswordHash        string     `json:"-"`
	Status              string     `json:"status"`
	EmailVerified       bool       `json:"email_verified"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"-"`
	AvatarURL           string     `json:"avatar_url,omitempty"`
	Department          string     `json:"department,omitempty"`
	JobTitle            string     `json:"job_title,omitempty"`
	Timezone            string     `json:"timezone,omitempty"`
	Locale              string     `json:"locale,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	LastLoginAt         *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP         string     `json:"-"`
	PasswordChangedAt   *time.Time `json:"-"`
}

// Usable reports whether the account may sign in at all. Lockout is a
// separate, temporary condition checked during authentication.
func (u *User) Usable() bool {
	return u.Status == UserStatusActive || u.Status == UserStatusPending
}

// Role groups permissions under a stable name.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name,omitempty"`
	Description string    `json:"description,omitempty"`
	IsSystem    bool      `json:"is_system"`
	IsActive    bool      `json:"is_active"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is one grantable capability, identified by its scope.
type Permission struct {
	ID          string    `json:"id"`
	Scope       string    `json:"scope"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsSystem    bool      `json:"is_system"`
	CreatedAt   time.Time `json:"created_at"`
}

// RoleAssignment links a user to a role with provenance.
type RoleAssignment struct {
	UserID     string    `json:"user_id"`
	RoleID     string    `json:"role_id"`
	RoleName   string    `json:"role_name,omitempty"`
	AssignedBy string    `json:"assigned_by,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Session tracks one refresh-token lineage. JTI always matches exactly one
// issued refresh token and rotates together with it.
type Session struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	JTI            string     `json:"-"`
	IPAddress      string     `json:"ip_address"`
	UserAgent      string     `json:"user_agent,omitempty"`
	RememberMe     bool       `json:"remember_me"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	IsActive       bool       `json:"is_active"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
}

// APIKey is an opaque machine credential. Only the hash and a display prefix
// are stored; the plaintext is shown once at creation.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"key_prefix"`
	KeyHash    string     `json:"-"`
	Scopes     []string   `json:"scopes"`
	IsActive   bool       `json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	UsageCount int64      `json:"usage_count"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	RevokedBy  string     `json:"revoked_by,omitempty"`
}

// AuditEvent is one append-only security log entry.
type AuditEvent struct {
	ID            string         `json:"id"`
	EventType     string         `json:"event_type"`
	Category      string         `json:"category"`
	Description   string         `json:"description,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	APIKeyID      string         `json:"api_key_id,omitempty"`
	ResourceType  string         `json:"resource_type,omitempty"`
	ResourceID    string         `json:"resource_id,omitempty"`
	IPAddress     string         `json:"ip_address,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
	RequestPath   string         `json:"request_path,omitempty"`
	RequestMethod string         `json:"request_method,omitempty"`
	Success       bool           `json:"success"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// UserPermissions is the effective-permission snapshot for one user: the
// deduplicated union of scopes over their active roles.
type UserPermissions struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	Roles        []string  `json:"roles"`
	Permissions  []string  `json:"permissions"`
	IsAdmin      bool      `json:"is_admin"`
	IsSuperAdmin bool      `json:"is_super_admin"`
	ComputedAt   time.Time `json:"computed_at"`
}

// Has reports whether the snapshot contains scope.
func (p UserPermissions) Has(scope string) bool {
	for _, s := range p.Permissions {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenPair bundles freshly issued access and refresh tokens.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}
