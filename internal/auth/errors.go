package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: already exists")

	// ErrInvalidCredentials is returned for unknown accounts and wrong
	// passwords alike so callers cannot probe which usernames exist.
	ErrInvalidCredentials = errors.New("auth: invalid username or password")
	ErrAccountDisabled    = errors.New("auth: account is disabled")
	ErrAccountLocked      = errors.New("auth: account is temporarily locked")

	ErrUnauthenticated = errors.New("auth: authentication required")
	ErrUnauthorized    = errors.New("auth: insufficient permissions")

	ErrInvalidToken          = errors.New("auth: invalid token")
	ErrTokenExpired          = errors.New("auth: token expired")
	ErrTokenMalformed        = errors.New("auth: token malformed")
	ErrTokenSignatureInvalid = errors.New("auth: token signature invalid")
	ErrTokenIssuerInvalid    = errors.New("auth: token issuer mismatch")
	ErrTokenAudienceInvalid  = errors.New("auth: token audience mismatch")
	ErrTokenTypeMismatch     = errors.New("auth: unexpected token type")
	ErrTokenRevoked          = errors.New("auth: token revoked")
)

// PolicyViolationError lists every password policy rule the candidate broke.
type PolicyViolationError struct {
	Violations []string
}

func (e *PolicyViolationError) Error() string {
	return "auth: password policy: " + strings.Join(e.Violations, "; ")
}

func (e *PolicyViolationError) Unwrap() error { return ErrInvalidInput }

// ConflictError names the unique field that collided.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("auth: %s already in use", e.Field)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError names the entity that was missing.
type NotFoundError struct {
	Entity string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("auth: %s not found", e.Entity)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// LockedError reports when a locked account may retry. Until is zero when the
// lock is derived from the rolling failure window alone.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	if e.Until.IsZero() {
		return ErrAccountLocked.Error()
	}
	return fmt.Sprintf("auth: account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedError) Unwrap() error { return ErrAccountLocked }

// RetryAfter returns the wait before another attempt is accepted.
func (e *LockedError) RetryAfter(now time.Time) time.Duration {
	if e.Until.IsZero() || !e.Until.After(now) {
		return 0
	}
	return e.Until.Sub(now)
}
