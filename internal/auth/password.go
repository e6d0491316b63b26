package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost is the work factor applied to new password hashes.
const DefaultBcryptCost = 12

// PasswordHasher wraps bcrypt with a pinned work factor.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher builds a hasher, falling back to DefaultBcryptCost when
// cost is outside bcrypt's supported range.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash hashes a plaintext password using bcrypt.
func (h *PasswordHasher) Hash(password string) (string, error) {
	if len(password) == 0 {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify compares a plaintext password with a stored hash.
func (h *PasswordHasher) Verify(hash, password string) error {
	if hash == "" {
		return fmt.Errorf("%w: empty stored hash", ErrInvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// NeedsRehash reports whether hash was produced with a different work factor
// and should be regenerated on the next successful verification.
func (h *PasswordHasher) NeedsRehash(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return true
	}
	return cost != h.cost
}
