package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer   = "chronicle-keeper"
	defaultAudience = "chronicle-api"

	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour

	// MinSecretLength is the shortest HMAC secret the service accepts.
	MinSecretLength = 32

	clockLeeway = 5 * time.Second
)

// Token type discriminator carried in the token_type claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims is the JWT payload for both token types. Access tokens embed the
// permission snapshot computed at issue time; refresh tokens carry identity
// only.
type Claims struct {
	Username    string   `json:"username,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"token_type"`
	AuthTime    int64    `json:"auth_time,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies HS256 tokens.
type TokenManager struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	parser     *jwt.Parser
}

// TokenOption configures TokenManager behavior.
type TokenOption func(*TokenManager) error

// WithIssuer overrides the iss claim written to and required from tokens.
func WithIssuer(issuer string) TokenOption {
	return func(m *TokenManager) error {
		issuer = strings.TrimSpace(issuer)
		if issuer == "" {
			return errors.New("auth: issuer must not be empty")
		}
		m.issuer = issuer
		return nil
	}
}

// WithAudience overrides the aud claim written to and required from tokens.
func WithAudience(audience string) TokenOption {
	return func(m *TokenManager) error {
		audience = strings.TrimSpace(audience)
		if audience == "" {
			return errors.New("auth: audience must not be empty")
		}
		m.audience = audience
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(m *TokenManager) error {
		if ttl > 0 {
			m.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(m *TokenManager) error {
		if ttl > 0 {
			m.refreshTTL = ttl
		}
		return nil
	}
}

// WithTokenClock overrides the time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(m *TokenManager) error {
		if fn != nil {
			m.now = fn
		}
		return nil
	}
}

// NewTokenManager constructs a manager. The secret must be long enough to
// make HS256 brute force impractical.
func NewTokenManager(secret string, opts ...TokenOption) (*TokenManager, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("auth: signing secret must be at least %d characters", MinSecretLength)
	}
	m := &TokenManager{
		secret:     []byte(secret),
		issuer:     defaultIssuer,
		audience:   defaultAudience,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	m.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockLeeway),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	)
	return m, nil
}

// AccessTTL returns the configured access token lifetime.
func (m *TokenManager) AccessTTL() time.Duration { return m.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (m *TokenManager) RefreshTTL() time.Duration { return m.refreshTTL }

// IssueAccess signs a short-lived token that embeds the caller's permission
// snapshot. The snapshot goes stale if roles change before expiry; callers
// that need freshness resolve permissions per request instead.
func (m *TokenManager) IssueAccess(user *User, perms UserPermissions) (string, *Claims, error) {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return "", nil, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	now := m.now().UTC()
	claims := &Claims{
		Username:    user.Username,
		Email:       user.Email,
		Roles:       perms.Roles,
		Permissions: perms.Permissions,
		TokenType:   TokenTypeAccess,
		AuthTime:    now.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign access token: %w", err)
	}
	return signed, claims, nil
}

// IssueRefresh signs a long-lived rotation token carrying identity only.
// A non-positive ttl falls back to the configured refresh lifetime.
func (m *TokenManager) IssueRefresh(userID string, ttl time.Duration) (string, *Claims, error) {
	if strings.TrimSpace(userID) == "" {
		return "", nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = m.refreshTTL
	}
	now := m.now().UTC()
	claims := &Claims{
		TokenType: TokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign refresh token: %w", err)
	}
	return signed, claims, nil
}

// Decode verifies the signature and registered claims, mapping each failure
// mode to its own error so callers can answer precisely.
func (m *TokenManager) Decode(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenMalformed
	}
	parsed, err := m.parser.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrTokenSignatureInvalid
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, ErrTokenIssuerInvalid
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, ErrTokenAudienceInvalid
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrTokenMalformed
		default:
			return nil, ErrInvalidToken
		}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// DecodeExpecting verifies raw and additionally pins the token_type claim.
func (m *TokenManager) DecodeExpecting(raw, tokenType string) (*Claims, error) {
	claims, err := m.Decode(raw)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenType {
		return nil, ErrTokenTypeMismatch
	}
	return claims, nil
}

// PeekClaims parses raw WITHOUT verifying the signature. Only suitable for
// revocation pre-checks and logout bookkeeping, never for authorization.
func (m *TokenManager) PeekClaims(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenMalformed
	}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return nil, ErrTokenMalformed
	}
	if claims.ID == "" {
		return nil, ErrTokenMalformed
	}
	return &claims, nil
}

// ExtractJTI reads the token id without verifying the signature.
func (m *TokenManager) ExtractJTI(raw string) (string, error) {
	claims, err := m.PeekClaims(raw)
	if err != nil {
		return "", err
	}
	return claims.ID, nil
}

// RemainingTTL returns how long claims stay valid from the manager's current
// time, clamped at zero.
func (m *TokenManager) RemainingTTL(claims *Claims) time.Duration {
	if claims == nil || claims.ExpiresAt == nil {
		return 0
	}
	d := claims.ExpiresAt.Time.Sub(m.now())
	if d < 0 {
		return 0
	}
	return d
}
