package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"chroniclekeeper.org/internal/obs"
)

const (
	// apiKeyPrefix marks chronicle keys so leaked credentials are easy to
	// grep for in logs and repositories.
	apiKeyPrefix      = "ck_"
	apiKeyRandomBytes = 32
	apiKeyDisplayLen  = 8

	// TokenTypeAPIKey is the principal token type for key-authenticated
	// callers.
	TokenTypeAPIKey = "api_key"
)

// APIKeyService issues and verifies opaque machine credentials. The
// plaintext key is returned exactly once at creation; only its SHA-256
// digest is stored.
type APIKeyService struct {
	store Store
	now   func() time.Time
}

// APIKeyOption configures APIKeyService behavior.
type APIKeyOption func(*APIKeyService) error

// WithAPIKeyClock overrides time source (useful for tests).
func WithAPIKeyClock(fn func() time.Time) APIKeyOption {
	return func(s *APIKeyService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

func NewAPIKeyService(store Store, opts ...APIKeyOption) (*APIKeyService, error) {
	if store == nil {
		return nil, errors.New("auth: api key service requires a store")
	}
	svc := &APIKeyService{store: store, now: time.Now}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// CreateAPIKeyInput carries the request to mint a new key.
type CreateAPIKeyInput struct {
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedBy string     `json:"-"`
}

// Create mints a key and returns it alongside the stored record. The second
// return value is the plaintext credential; it cannot be recovered later.
func (s *APIKeyService) Create(ctx context.Context, in CreateAPIKeyInput) (*APIKey, string, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, "", fmt.Errorf("%w: api key name is required", ErrInvalidInput)
	}
	scopes, err := ParseScopes(in.Scopes)
	if err != nil {
		return nil, "", err
	}
	if len(scopes) == 0 {
		return nil, "", fmt.Errorf("%w: api key needs at least one scope", ErrInvalidInput)
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(s.now()) {
		return nil, "", fmt.Errorf("%w: api key expiry must be in the future", ErrInvalidInput)
	}

	raw, err := generateAPIKey()
	if err != nil {
		return nil, "", err
	}
	key := &APIKey{
		Name:      name,
		KeyPrefix: raw[:apiKeyDisplayLen],
		KeyHash:   hashAPIKey(raw),
		Scopes:    scopeStrings(scopes),
		IsActive:  true,
		ExpiresAt: in.ExpiresAt,
		CreatedBy: in.CreatedBy,
	}
	if err := s.store.APIKeys(ctx).Create(ctx, key); err != nil {
		return nil, "", err
	}
	return key, raw, nil
}

// Authenticate resolves a plaintext key to its active record. Revoked,
// expired and unknown keys all come back as ErrUnauthenticated.
func (s *APIKeyService) Authenticate(ctx context.Context, raw string) (*APIKey, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, apiKeyPrefix) {
		return nil, fmt.Errorf("%w: malformed api key", ErrUnauthenticated)
	}
	key, err := s.store.APIKeys(ctx).FindByHash(ctx, hashAPIKey(raw))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown api key", ErrUnauthenticated)
		}
		return nil, err
	}
	if !key.IsActive {
		return nil, fmt.Errorf("%w: api key revoked", ErrUnauthenticated)
	}
	if key.ExpiresAt != nil && !s.now().Before(*key.ExpiresAt) {
		return nil, fmt.Errorf("%w: api key expired", ErrUnauthenticated)
	}
	if err := s.store.APIKeys(ctx).RecordUsage(ctx, key.ID, s.now().UTC()); err != nil {
		obs.Event("warn", "api key usage update failed", map[string]any{"error": err.Error()})
	}
	return key, nil
}

// PrincipalFor builds the request principal for a key-authenticated caller.
// The key's own scopes apply, not the creating user's current grants.
func (s *APIKeyService) PrincipalFor(key *APIKey) Principal {
	perms := make(map[string]struct{}, len(key.Scopes))
	for _, scope := range key.Scopes {
		perms[scope] = struct{}{}
	}
	return Principal{
		UserID:      key.CreatedBy,
		Username:    key.Name,
		Permissions: perms,
		TokenID:     key.ID,
		TokenType:   TokenTypeAPIKey,
	}
}

// List returns the keys created by one user, hashes omitted by the JSON tags.
func (s *APIKeyService) List(ctx context.Context, userID string) ([]*APIKey, error) {
	return s.store.APIKeys(ctx).ListByCreator(ctx, userID)
}

// Get loads a single key record.
func (s *APIKeyService) Get(ctx context.Context, id string) (*APIKey, error) {
	key, err := s.store.APIKeys(ctx).Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Entity: "api key"}
		}
		return nil, err
	}
	return key, nil
}

// Revoke permanently disables a key.
func (s *APIKeyService) Revoke(ctx context.Context, id, revokedBy string) error {
	err := s.store.APIKeys(ctx).Revoke(ctx, id, revokedBy, s.now().UTC())
	if errors.Is(err, ErrNotFound) {
		return &NotFoundError{Entity: "api key"}
	}
	return err
}

func generateAPIKey() (string, error) {
	buf := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}

func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
