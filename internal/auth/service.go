package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"chroniclekeeper.org/internal/obs"
)

// Lockout and session defaults, overridable through service options.
const (
	DefaultMaxFailedLogins = 5
	DefaultLockoutWindow   = 30 * time.Minute
	DefaultMaxSessions     = 10
	DefaultRememberMeTTL   = 30 * 24 * time.Hour
)

// Audit event types written by the service and its callers.
const (
	EventLoginAttempt     = "login_attempt"
	EventRegistration     = "user_registration"
	EventLogout           = "user_logout"
	EventTokenRefresh     = "token_refresh"
	EventPasswordChange   = "password_change"
	EventSessionRevoked   = "session_revoked"
	EventStatusChange     = "user_status_change"
	EventPermissionDenied = "permission_denied"
	EventRoleChange       = "role_change"
	EventAPIKeyChange     = "api_key_change"
)

// Audit categories.
const (
	CategoryAuth     = "auth"
	CategorySecurity = "security"
	CategoryAdmin    = "admin"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{2,31}$`)

// Service implements account lifecycle, credential verification and token
// rotation on top of a Store. Token signing, permission resolution and
// revocation tracking are injected so deployments choose their own backends.
type Service struct {
	store   Store
	tokens  *TokenManager
	rbac    *RBACService
	revoked RevocationList

	hasher *PasswordHasher
	policy PasswordPolicy
	now    func() time.Time

	maxFailedLogins int
	lockoutWindow   time.Duration
	maxSessions     int
	rememberTTL     time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithPasswordHasher overrides the bcrypt cost configuration.
func WithPasswordHasher(h *PasswordHasher) ServiceOption {
	return func(s *Service) error {
		if h == nil {
			return errors.New("auth: nil password hasher")
		}
		s.hasher = h
		return nil
	}
}

// WithPasswordPolicy overrides the complexity rules applied to new passwords.
func WithPasswordPolicy(p PasswordPolicy) ServiceOption {
	return func(s *Service) error {
		if p.MinLength <= 0 {
			return errors.New("auth: password policy needs a positive minimum length")
		}
		s.policy = p
		return nil
	}
}

// WithMaxFailedLogins sets how many consecutive failures lock an account.
func WithMaxFailedLogins(n int) ServiceOption {
	return func(s *Service) error {
		if n > 0 {
			s.maxFailedLogins = n
		}
		return nil
	}
}

// WithLockoutWindow sets both the rolling failure window and the lock
// duration.
func WithLockoutWindow(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.lockoutWindow = d
		}
		return nil
	}
}

// WithMaxSessions caps concurrent sessions per user; the oldest session is
// pruned when the cap is reached.
func WithMaxSessions(n int) ServiceOption {
	return func(s *Service) error {
		if n > 0 {
			s.maxSessions = n
		}
		return nil
	}
}

// WithRememberMeTTL sets the refresh lifetime for remember-me logins.
func WithRememberMeTTL(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.rememberTTL = d
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService wires the authentication core. All four collaborators are
// required; pass the in-memory implementations for single-process setups.
func NewService(store Store, tokens *TokenManager, rbac *RBACService, revoked RevocationList, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: service requires a store")
	}
	if tokens == nil {
		return nil, errors.New("auth: service requires a token manager")
	}
	if rbac == nil {
		return nil, errors.New("auth: service requires an rbac service")
	}
	if revoked == nil {
		return nil, errors.New("auth: service requires a revocation list")
	}
	svc := &Service{
		store:           store,
		tokens:          tokens,
		rbac:            rbac,
		revoked:         revoked,
		hasher:          NewPasswordHasher(DefaultBcryptCost),
		policy:          DefaultPasswordPolicy(),
		now:             time.Now,
		maxFailedLogins: DefaultMaxFailedLogins,
		lockoutWindow:   DefaultLockoutWindow,
		maxSessions:     DefaultMaxSessions,
		rememberTTL:     DefaultRememberMeTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Policy exposes the active password rules, e.g. for a signup form.
func (s *Service) Policy() PasswordPolicy { return s.policy }

// Registration --------------------------------------------------------------

// RegisterInput carries a self-service signup request.
type RegisterInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// Register creates an account, hashes the password and grants the default
// role. Username and email are normalized to lowercase.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	username := strings.ToLower(strings.TrimSpace(in.Username))
	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("%w: username must be 3-32 characters of lowercase letters, digits, dot, dash or underscore", ErrInvalidInput)
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Validate(in.Password); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	user := &User{
		Username:     username,
		Email:        email,
		FullName:     strings.TrimSpace(in.FullName),
		PasswordHash: hash,
		Status:       UserStatusPending,
		Timezone:     "UTC",
		Locale:       "en",
	}
	if err := s.store.Users(ctx).Create(ctx, user); err != nil {
		return nil, err
	}
	if _, err := s.rbac.AssignRoleByName(ctx, user.ID, DefaultRegistrationRole, ""); err != nil {
		return nil, fmt.Errorf("grant default role: %w", err)
	}

	s.audit(ctx, &AuditEvent{
		EventType:   EventRegistration,
		Category:    CategoryAuth,
		Description: "account registered",
		UserID:      user.ID,
		Success:     true,
	})
	return user, nil
}

// Login ---------------------------------------------------------------------

// LoginInput carries a credential login request. Login accepts either the
// username or the email address.
type LoginInput struct {
	Login      string `json:"login"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

// LoginResult is everything a successful authentication produces.
type LoginResult struct {
	User        *User           `json:"user"`
	Tokens      TokenPair       `json:"tokens"`
	Permissions UserPermissions `json:"permissions"`
	Session     *Session        `json:"session"`
}

// Login verifies credentials and issues a token pair. Unknown accounts and
// wrong passwords return the same ErrInvalidCredentials so login responses
// cannot be used to probe which usernames exist.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	login := strings.ToLower(strings.TrimSpace(in.Login))
	if login == "" || in.Password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.store.Users(ctx).FindByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.RecordLogin("failure")
			s.audit(ctx, &AuditEvent{
				EventType:    EventLoginAttempt,
				Category:     CategoryAuth,
				Description:  "login failed for unknown account",
				Success:      false,
				ErrorMessage: "unknown account",
				Details:      map[string]any{"login": login},
			})
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	now := s.now().UTC()
	if lockErr, err := s.lockState(ctx, user, now); err != nil {
		return nil, err
	} else if lockErr != nil {
		obs.RecordLogin("locked")
		s.audit(ctx, &AuditEvent{
			EventType:    EventLoginAttempt,
			Category:     CategorySecurity,
			Description:  "login rejected: account locked",
			UserID:       user.ID,
			Success:      false,
			ErrorMessage: "account locked",
		})
		return nil, lockErr
	}
	if !user.Usable() {
		obs.RecordLogin("disabled")
		s.audit(ctx, &AuditEvent{
			EventType:    EventLoginAttempt,
			Category:     CategoryAuth,
			Description:  "login rejected: account " + user.Status,
			UserID:       user.ID,
			Success:      false,
			ErrorMessage: "account " + user.Status,
		})
		return nil, ErrAccountDisabled
	}

	if err := s.hasher.Verify(user.PasswordHash, in.Password); err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			return nil, err
		}
		return nil, s.recordFailedLogin(ctx, user, now)
	}

	if err := s.store.Users(ctx).ResetLoginFailures(ctx, user.ID, now, clientIP(ctx)); err != nil {
		return nil, err
	}
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now

	result, err := s.issueSession(ctx, user, in.RememberMe, now)
	if err != nil {
		return nil, err
	}
	obs.RecordLogin("success")
	s.audit(ctx, &AuditEvent{
		EventType:   EventLoginAttempt,
		Category:    CategoryAuth,
		Description: "login succeeded",
		UserID:      user.ID,
		Success:     true,
	})
	return result, nil
}

// recordFailedLogin bumps the failure counter, locks the account when the
// threshold is crossed, and always reports ErrInvalidCredentials or the lock
// to the caller.
func (s *Service) recordFailedLogin(ctx context.Context, user *User, now time.Time) error {
	attempts, err := s.store.Users(ctx).IncrementLoginFailures(ctx, user.ID)
	if err != nil {
		return err
	}
	s.audit(ctx, &AuditEvent{
		EventType:    EventLoginAttempt,
		Category:     CategoryAuth,
		Description:  "login failed: wrong password",
		UserID:       user.ID,
		Success:      false,
		ErrorMessage: "wrong password",
		Details:      map[string]any{"failed_attempts": attempts},
	})
	if attempts < s.maxFailedLogins {
		obs.RecordLogin("failure")
		return ErrInvalidCredentials
	}

	until := now.Add(s.lockoutWindow)
	if err := s.store.Users(ctx).SetLockedUntil(ctx, user.ID, until); err != nil {
		return err
	}
	obs.RecordLogin("locked")
	obs.RecordLockout()
	s.audit(ctx, &AuditEvent{
		EventType:   EventLoginAttempt,
		Category:    CategorySecurity,
		Description: fmt.Sprintf("account locked after %d failed attempts", attempts),
		UserID:      user.ID,
		Success:     false,
	})
	return &LockedError{Until: until}
}

// lockState reports whether the account is currently locked, either by the
// explicit locked_until stamp or by enough recent failures in the audit log.
// The second source covers counter resets and process restarts.
func (s *Service) lockState(ctx context.Context, user *User, now time.Time) (*LockedError, error) {
	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		return &LockedError{Until: *user.LockedUntil}, nil
	}
	count, oldest, err := s.store.Audit(ctx).RecentFailures(ctx, user.ID, EventLoginAttempt, now.Add(-s.lockoutWindow))
	if err != nil {
		return nil, err
	}
	if count >= s.maxFailedLogins && !oldest.IsZero() {
		return &LockedError{Until: oldest.Add(s.lockoutWindow)}, nil
	}
	return nil, nil
}

// issueSession resolves fresh permissions, signs both tokens and records the
// session row, pruning the oldest session when the cap is hit.
func (s *Service) issueSession(ctx context.Context, user *User, rememberMe bool, now time.Time) (*LoginResult, error) {
	perms, err := s.rbac.RefreshUserPermissions(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	access, accessClaims, err := s.tokens.IssueAccess(user, perms)
	if err != nil {
		return nil, err
	}
	refreshTTL := s.tokens.RefreshTTL()
	if rememberMe {
		refreshTTL = s.rememberTTL
	}
	refresh, refreshClaims, err := s.tokens.IssueRefresh(user.ID, refreshTTL)
	if err != nil {
		return nil, err
	}

	active, err := s.store.Sessions(ctx).ActiveByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	for len(active) >= s.maxSessions {
		if err := s.revokeSessionRow(ctx, active[0], now); err != nil {
			return nil, err
		}
		active = active[1:]
	}

	client, _ := ClientFromContext(ctx)
	session := &Session{
		UserID:         user.ID,
		JTI:            refreshClaims.ID,
		IPAddress:      client.IPAddress,
		UserAgent:      client.UserAgent,
		RememberMe:     rememberMe,
		CreatedAt:      now,
		ExpiresAt:      refreshClaims.ExpiresAt.Time,
		LastActivityAt: now,
		IsActive:       true,
	}
	if err := s.store.Sessions(ctx).Create(ctx, session); err != nil {
		return nil, err
	}

	return &LoginResult{
		User:        user,
		Permissions: perms,
		Session:     session,
		Tokens: TokenPair{
			AccessToken:      access,
			RefreshToken:     refresh,
			TokenType:        "Bearer",
			AccessExpiresAt:  accessClaims.ExpiresAt.Time,
			RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
		},
	}, nil
}

// Token refresh --------------------------------------------------------------

// Refresh rotates a refresh token: the old token is revoked for its remaining
// lifetime and a brand new pair is issued with permissions recomputed from
// storage, never from the cache. Replaying a rotated token fails with
// ErrTokenRevoked.
func (s *Service) Refresh(ctx context.Context, rawRefresh string) (*LoginResult, error) {
	jti, err := s.tokens.ExtractJTI(rawRefresh)
	if err != nil {
		return nil, err
	}
	if revoked, err := s.revoked.IsRevoked(ctx, jti); err != nil {
		return nil, err
	} else if revoked {
		s.auditRefreshFailure(ctx, rawRefresh, "refresh token revoked")
		return nil, ErrTokenRevoked
	}

	claims, err := s.tokens.DecodeExpecting(rawRefresh, TokenTypeRefresh)
	if err != nil {
		s.auditRefreshFailure(ctx, rawRefresh, err.Error())
		return nil, err
	}

	session, err := s.store.Sessions(ctx).FindByJTI(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.auditRefreshFailure(ctx, rawRefresh, "no session for refresh token")
			return nil, ErrTokenRevoked
		}
		return nil, err
	}
	if !session.IsActive {
		s.auditRefreshFailure(ctx, rawRefresh, "refresh token replayed after rotation")
		return nil, ErrTokenRevoked
	}

	user, err := s.store.Users(ctx).Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !user.Usable() {
		return nil, ErrAccountDisabled
	}

	now := s.now().UTC()
	perms, err := s.rbac.RefreshUserPermissions(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	access, accessClaims, err := s.tokens.IssueAccess(user, perms)
	if err != nil {
		return nil, err
	}
	refreshTTL := s.tokens.RefreshTTL()
	if session.RememberMe {
		refreshTTL = s.rememberTTL
	}
	refresh, refreshClaims, err := s.tokens.IssueRefresh(user.ID, refreshTTL)
	if err != nil {
		return nil, err
	}

	// Rotation: the old token dies now, not at its natural expiry.
	if err := s.revoked.Revoke(ctx, claims.ID, s.tokens.RemainingTTL(claims)); err != nil {
		return nil, err
	}
	obs.RecordRevocation()
	if err := s.store.Sessions(ctx).Deactivate(ctx, session.ID, now); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	client, _ := ClientFromContext(ctx)
	next := &Session{
		UserID:         user.ID,
		JTI:            refreshClaims.ID,
		IPAddress:      session.IPAddress,
		UserAgent:      session.UserAgent,
		RememberMe:     session.RememberMe,
		CreatedAt:      now,
		ExpiresAt:      refreshClaims.ExpiresAt.Time,
		LastActivityAt: now,
		IsActive:       true,
	}
	if client.IPAddress != "" {
		next.IPAddress = client.IPAddress
	}
	if client.UserAgent != "" {
		next.UserAgent = client.UserAgent
	}
	if err := s.store.Sessions(ctx).Create(ctx, next); err != nil {
		return nil, err
	}

	s.audit(ctx, &AuditEvent{
		EventType:   EventTokenRefresh,
		Category:    CategoryAuth,
		Description: "refresh token rotated",
		UserID:      user.ID,
		Success:     true,
	})
	return &LoginResult{
		User:        user,
		Permissions: perms,
		Session:     next,
		Tokens: TokenPair{
			AccessToken:      access,
			RefreshToken:     refresh,
			TokenType:        "Bearer",
			AccessExpiresAt:  accessClaims.ExpiresAt.Time,
			RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
		},
	}, nil
}

func (s *Service) auditRefreshFailure(ctx context.Context, rawRefresh, reason string) {
	ev := &AuditEvent{
		EventType:    EventTokenRefresh,
		Category:     CategorySecurity,
		Description:  "refresh rejected",
		Success:      false,
		ErrorMessage: reason,
	}
	if claims, err := s.tokens.PeekClaims(rawRefresh); err == nil {
		ev.UserID = claims.Subject
	}
	s.audit(ctx, ev)
}

// Access verification --------------------------------------------------------

// VerifyAccess authenticates a bearer token for one request. The revocation
// check runs against the unverified token id first so revoked tokens fail
// fast; authorization data always comes from the verified claims afterwards.
func (s *Service) VerifyAccess(ctx context.Context, rawAccess string) (Principal, *Claims, error) {
	jti, err := s.tokens.ExtractJTI(rawAccess)
	if err != nil {
		obs.RecordTokenCheck("malformed")
		return Principal{}, nil, err
	}
	if revoked, err := s.revoked.IsRevoked(ctx, jti); err != nil {
		return Principal{}, nil, err
	} else if revoked {
		obs.RecordTokenCheck("revoked")
		return Principal{}, nil, ErrTokenRevoked
	}

	claims, err := s.tokens.DecodeExpecting(rawAccess, TokenTypeAccess)
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenExpired):
			obs.RecordTokenCheck("expired")
		case errors.Is(err, ErrTokenTypeMismatch):
			obs.RecordTokenCheck("wrong_type")
		default:
			obs.RecordTokenCheck("invalid")
		}
		return Principal{}, nil, err
	}

	perms, err := s.rbac.CachedUserPermissions(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.RecordTokenCheck("invalid")
			return Principal{}, nil, ErrInvalidToken
		}
		return Principal{}, nil, err
	}

	principal := NewPrincipal(perms)
	principal.TokenID = claims.ID
	principal.TokenType = claims.TokenType
	obs.RecordTokenCheck("ok")
	return principal, claims, nil
}

// Logout ---------------------------------------------------------------------

// Logout revokes the presented tokens for their remaining lifetimes and
// deactivates the session behind the refresh token. Tokens are only peeked,
// not verified: an expired access token must not block logout.
func (s *Service) Logout(ctx context.Context, rawAccess, rawRefresh string) error {
	now := s.now().UTC()
	var userID string

	if claims, err := s.tokens.PeekClaims(rawAccess); err == nil {
		userID = claims.Subject
		if err := s.revoked.Revoke(ctx, claims.ID, s.tokens.RemainingTTL(claims)); err != nil {
			return err
		}
		obs.RecordRevocation()
	}
	if claims, err := s.tokens.PeekClaims(rawRefresh); err == nil {
		if userID == "" {
			userID = claims.Subject
		}
		if err := s.revoked.Revoke(ctx, claims.ID, s.tokens.RemainingTTL(claims)); err != nil {
			return err
		}
		obs.RecordRevocation()
		if err := s.store.Sessions(ctx).DeactivateByJTI(ctx, claims.ID, now); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	if userID != "" {
		s.rbac.InvalidateUser(ctx, userID)
	}

	s.audit(ctx, &AuditEvent{
		EventType:   EventLogout,
		Category:    CategoryAuth,
		Description: "logged out",
		UserID:      userID,
		Success:     true,
	})
	return nil
}

// Password change ------------------------------------------------------------

// ChangePassword verifies the current password, applies the policy to the new
// one and revokes every active session so stolen refresh tokens die with the
// old credential.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &NotFoundError{Entity: "user"}
		}
		return err
	}
	if err := s.hasher.Verify(user.PasswordHash, current); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.audit(ctx, &AuditEvent{
				EventType:    EventPasswordChange,
				Category:     CategorySecurity,
				Description:  "password change rejected: wrong current password",
				UserID:       userID,
				Success:      false,
				ErrorMessage: "wrong current password",
			})
		}
		return err
	}
	if err := s.policy.Validate(next); err != nil {
		return err
	}
	if s.hasher.Verify(user.PasswordHash, next) == nil {
		return fmt.Errorf("%w: new password must differ from the current one", ErrInvalidInput)
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if err := s.store.Users(ctx).UpdatePassword(ctx, userID, hash, now); err != nil {
		return err
	}
	if _, err := s.revokeAllSessions(ctx, userID, now); err != nil {
		return err
	}
	s.rbac.InvalidateUser(ctx, userID)

	s.audit(ctx, &AuditEvent{
		EventType:   EventPasswordChange,
		Category:    CategorySecurity,
		Description: "password changed, all sessions revoked",
		UserID:      userID,
		Success:     true,
	})
	return nil
}

// Profile --------------------------------------------------------------------

// Profile returns the account together with its effective permissions.
func (s *Service) Profile(ctx context.Context, userID string) (*User, UserPermissions, error) {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, UserPermissions{}, &NotFoundError{Entity: "user"}
		}
		return nil, UserPermissions{}, err
	}
	perms, err := s.rbac.CachedUserPermissions(ctx, userID)
	if err != nil {
		return nil, UserPermissions{}, err
	}
	return user, perms, nil
}

// ProfileUpdate carries optional profile fields; nil means leave unchanged.
type ProfileUpdate struct {
	FullName   *string `json:"full_name,omitempty"`
	AvatarURL  *string `json:"avatar_url,omitempty"`
	Department *string `json:"department,omitempty"`
	JobTitle   *string `json:"job_title,omitempty"`
	Timezone   *string `json:"timezone,omitempty"`
	Locale     *string `json:"locale,omitempty"`
}

// UpdateProfile applies the provided fields and returns the updated account.
func (s *Service) UpdateProfile(ctx context.Context, userID string, in ProfileUpdate) (*User, error) {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Entity: "user"}
		}
		return nil, err
	}
	apply := func(dst *string, src *string, field string, max int) error {
		if src == nil {
			return nil
		}
		v := strings.TrimSpace(*src)
		if len(v) > max {
			return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidInput, field, max)
		}
		*dst = v
		return nil
	}
	if err := apply(&user.FullName, in.FullName, "full_name", 255); err != nil {
		return nil, err
	}
	if err := apply(&user.AvatarURL, in.AvatarURL, "avatar_url", 512); err != nil {
		return nil, err
	}
	if err := apply(&user.Department, in.Department, "department", 100); err != nil {
		return nil, err
	}
	if err := apply(&user.JobTitle, in.JobTitle, "job_title", 100); err != nil {
		return nil, err
	}
	if err := apply(&user.Timezone, in.Timezone, "timezone", 64); err != nil {
		return nil, err
	}
	if err := apply(&user.Locale, in.Locale, "locale", 16); err != nil {
		return nil, err
	}
	if err := s.store.Users(ctx).UpdateProfile(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Sessions -------------------------------------------------------------------

// Sessions lists the caller's active sessions.
func (s *Service) Sessions(ctx context.Context, userID string) ([]*Session, error) {
	return s.store.Sessions(ctx).ActiveByUser(ctx, userID)
}

// RevokeSession ends one of the caller's own sessions. Sessions belonging to
// other users read as not found so session ids cannot be probed.
func (s *Service) RevokeSession(ctx context.Context, userID, sessionID string) error {
	session, err := s.store.Sessions(ctx).Find(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &NotFoundError{Entity: "session"}
		}
		return err
	}
	if session.UserID != userID {
		return &NotFoundError{Entity: "session"}
	}
	now := s.now().UTC()
	if err := s.revokeSessionRow(ctx, session, now); err != nil {
		return err
	}
	s.audit(ctx, &AuditEvent{
		EventType:    EventSessionRevoked,
		Category:     CategorySecurity,
		Description:  "session revoked",
		UserID:       userID,
		ResourceType: "session",
		ResourceID:   sessionID,
		Success:      true,
	})
	return nil
}

// RevokeUserSessions ends every active session of a user, e.g. when an
// administrator suspends the account. Returns how many sessions were ended.
func (s *Service) RevokeUserSessions(ctx context.Context, userID string) (int, error) {
	now := s.now().UTC()
	return s.revokeAllSessions(ctx, userID, now)
}

// revokeSessionRow deactivates one session and blocks its refresh token for
// the rest of its lifetime.
func (s *Service) revokeSessionRow(ctx context.Context, session *Session, now time.Time) error {
	if ttl := session.ExpiresAt.Sub(now); ttl > 0 {
		if err := s.revoked.Revoke(ctx, session.JTI, ttl); err != nil {
			return err
		}
		obs.RecordRevocation()
	}
	if err := s.store.Sessions(ctx).Deactivate(ctx, session.ID, now); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (s *Service) revokeAllSessions(ctx context.Context, userID string, now time.Time) (int, error) {
	active, err := s.store.Sessions(ctx).ActiveByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, session := range active {
		if ttl := session.ExpiresAt.Sub(now); ttl > 0 {
			if err := s.revoked.Revoke(ctx, session.JTI, ttl); err != nil {
				return 0, err
			}
			obs.RecordRevocation()
		}
	}
	return s.store.Sessions(ctx).DeactivateByUser(ctx, userID, now)
}

// Administration -------------------------------------------------------------

// Users lists accounts for the admin surface.
func (s *Service) Users(ctx context.Context, f UserFilter) ([]*User, int, error) {
	return s.store.Users(ctx).List(ctx, f)
}

// GetUser returns one account with a freshly computed permission snapshot.
func (s *Service) GetUser(ctx context.Context, userID string) (*User, UserPermissions, error) {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, UserPermissions{}, &NotFoundError{Entity: "user"}
		}
		return nil, UserPermissions{}, err
	}
	perms, err := s.rbac.UserPermissions(ctx, userID)
	if err != nil {
		return nil, UserPermissions{}, err
	}
	return user, perms, nil
}

// SetUserStatus changes an account's lifecycle state. Suspending or
// deactivating also revokes the user's sessions and cached permissions.
// Administrators cannot change their own status.
func (s *Service) SetUserStatus(ctx context.Context, targetID, status, actorID string) (*User, error) {
	if !ValidUserStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	if targetID == actorID {
		return nil, fmt.Errorf("%w: cannot change your own account status", ErrInvalidInput)
	}
	user, err := s.store.Users(ctx).Find(ctx, targetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Entity: "user"}
		}
		return nil, err
	}
	if err := s.store.Users(ctx).UpdateStatus(ctx, targetID, status); err != nil {
		return nil, err
	}
	user.Status = status

	if status == UserStatusSuspended || status == UserStatusInactive {
		if _, err := s.revokeAllSessions(ctx, targetID, s.now().UTC()); err != nil {
			return nil, err
		}
		s.rbac.InvalidateUser(ctx, targetID)
	}

	s.audit(ctx, &AuditEvent{
		EventType:    EventStatusChange,
		Category:     CategoryAdmin,
		Description:  "account status changed to " + status,
		UserID:       actorID,
		ResourceType: "user",
		ResourceID:   targetID,
		Success:      true,
		Details:      map[string]any{"status": status},
	})
	return user, nil
}

// AuditEvents queries the security log.
func (s *Service) AuditEvents(ctx context.Context, f AuditFilter) ([]*AuditEvent, int, error) {
	return s.store.Audit(ctx).List(ctx, f)
}

// RecordEvent appends an audit row on behalf of a caller outside the service,
// such as the HTTP guard logging a denied permission check. Request metadata
// is stamped from the context exactly like internally produced events.
func (s *Service) RecordEvent(ctx context.Context, ev *AuditEvent) {
	s.audit(ctx, ev)
}

// Housekeeping ---------------------------------------------------------------

// Cleanup drops expired session rows and swept revocation entries. Meant to
// run periodically from a background goroutine.
func (s *Service) Cleanup(ctx context.Context) error {
	deleted, err := s.store.Sessions(ctx).DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		return fmt.Errorf("delete expired sessions: %w", err)
	}
	if err := s.revoked.Purge(ctx); err != nil {
		return fmt.Errorf("purge revocation list: %w", err)
	}
	if deleted > 0 {
		obs.Event("info", "expired sessions removed", map[string]any{"count": deleted})
	}
	return nil
}

// Helpers --------------------------------------------------------------------

// audit appends a durable log entry, stamping request metadata from the
// context. Failures are logged, never surfaced: audit writes must not break
// the operation they describe.
func (s *Service) audit(ctx context.Context, ev *AuditEvent) {
	ev.CreatedAt = s.now().UTC()
	if client, ok := ClientFromContext(ctx); ok {
		ev.IPAddress = client.IPAddress
		ev.UserAgent = client.UserAgent
		ev.RequestPath = client.RequestPath
		ev.RequestMethod = client.RequestMethod
	}
	if err := s.store.Audit(ctx).Append(ctx, ev); err != nil {
		obs.Event("warn", "audit append failed", map[string]any{
			"event_type": ev.EventType,
			"error":      err.Error(),
		})
	}
}

func clientIP(ctx context.Context) string {
	client, _ := ClientFromContext(ctx)
	return client.IPAddress
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email address", ErrInvalidInput)
	}
	return email, nil
}
