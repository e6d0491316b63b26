package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"unicode"
)

const (
	passwordLowercase = "abcdefghijklmnopqrstuvwxyz"
	passwordUppercase = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	passwordDigits    = "0123456789"
	passwordSpecials  = "!@#$%^&*()_+-=[]{}|;:,.<>?"
)

// PasswordPolicy captures the composition rules applied to new passwords.
// An empty SpecialChars falls back to the default charset.
type PasswordPolicy struct {
	MinLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireDigits    bool
	RequireSpecial   bool
	SpecialChars     string
}

// DefaultPasswordPolicy returns the production defaults.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:        12,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireDigits:    true,
		RequireSpecial:   true,
		SpecialChars:     passwordSpecials,
	}
}

func (p PasswordPolicy) specials() string {
	if p.SpecialChars == "" {
		return passwordSpecials
	}
	return p.SpecialChars
}

// Validate checks password against every rule and reports all violations at
// once, not just the first.
func (p PasswordPolicy) Validate(password string) error {
	var violations []string
	if len(password) < p.MinLength {
		violations = append(violations, fmt.Sprintf("must be at least %d characters long", p.MinLength))
	}
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(p.specials(), r):
			hasSpecial = true
		}
	}
	if p.RequireUppercase && !hasUpper {
		violations = append(violations, "must contain at least one uppercase letter")
	}
	if p.RequireLowercase && !hasLower {
		violations = append(violations, "must contain at least one lowercase letter")
	}
	if p.RequireDigits && !hasDigit {
		violations = append(violations, "must contain at least one digit")
	}
	if p.RequireSpecial && !hasSpecial {
		violations = append(violations, "must contain at least one special character")
	}
	if len(violations) > 0 {
		return &PolicyViolationError{Violations: violations}
	}
	return nil
}

// Generate produces a random password that satisfies the policy. Lengths
// below MinLength are raised to it.
func (p PasswordPolicy) Generate(length int) (string, error) {
	if length < p.MinLength {
		length = p.MinLength
	}

	// One guaranteed character per required class, the rest drawn from the
	// combined alphabet.
	var required []string
	alphabet := ""
	if p.RequireLowercase {
		required = append(required, passwordLowercase)
	}
	if p.RequireUppercase {
		required = append(required, passwordUppercase)
	}
	if p.RequireDigits {
		required = append(required, passwordDigits)
	}
	if p.RequireSpecial {
		required = append(required, p.specials())
	}
	alphabet = passwordLowercase + passwordUppercase + passwordDigits + p.specials()
	if length < len(required) {
		length = len(required)
	}

	chars := make([]byte, 0, length)
	for _, class := range required {
		c, err := randomChar(class)
		if err != nil {
			return "", err
		}
		chars = append(chars, c)
	}
	for len(chars) < length {
		c, err := randomChar(alphabet)
		if err != nil {
			return "", err
		}
		chars = append(chars, c)
	}
	if err := shuffleBytes(chars); err != nil {
		return "", err
	}
	return string(chars), nil
}

func randomChar(alphabet string) (byte, error) {
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, fmt.Errorf("random char: %w", err)
	}
	return alphabet[idx.Int64()], nil
}

func shuffleBytes(b []byte) error {
	for i := len(b) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return fmt.Errorf("shuffle: %w", err)
		}
		b[i], b[j.Int64()] = b[j.Int64()], b[i]
	}
	return nil
}
