package auth

import (
	"errors"
	"strings"
	"testing"
	"unicode"
)

func TestPasswordPolicyCollectsAllViolations(t *testing.T) {
	p := DefaultPasswordPolicy()
	err := p.Validate("short")
	if err == nil {
		t.Fatalf("expected violations")
	}
	var pv *PolicyViolationError
	if !errors.As(err, &pv) {
		t.Fatalf("expected PolicyViolationError, got %T", err)
	}
	// "short": too short, no uppercase, no digit, no special. One report
	// must list every failed rule, not just the first.
	if len(pv.Violations) != 4 {
		t.Fatalf("expected 4 violations, got %d: %v", len(pv.Violations), pv.Violations)
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("policy violations must unwrap to ErrInvalidInput")
	}
}

func TestPasswordPolicyAcceptsCompliant(t *testing.T) {
	p := DefaultPasswordPolicy()
	if err := p.Validate("Correct-Horse-B4ttery!"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestPasswordPolicySingleViolation(t *testing.T) {
	p := DefaultPasswordPolicy()
	err := p.Validate("alllowercase4!but-long-enough")
	var pv *PolicyViolationError
	if !errors.As(err, &pv) {
		t.Fatalf("expected PolicyViolationError, got %v", err)
	}
	if len(pv.Violations) != 1 || !strings.Contains(pv.Violations[0], "uppercase") {
		t.Fatalf("expected single uppercase violation, got %v", pv.Violations)
	}
}

func TestPasswordPolicyDisabledRules(t *testing.T) {
	p := PasswordPolicy{MinLength: 8}
	if err := p.Validate("lowercase"); err != nil {
		t.Fatalf("all class checks disabled, want pass: %v", err)
	}
}

func TestGeneratePassesOwnPolicy(t *testing.T) {
	p := DefaultPasswordPolicy()
	for i := 0; i < 20; i++ {
		pw, err := p.Generate(16)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(pw) != 16 {
			t.Fatalf("expected length 16, got %d", len(pw))
		}
		if err := p.Validate(pw); err != nil {
			t.Fatalf("generated password failed policy: %q: %v", pw, err)
		}
	}
}

func TestGenerateClampsShortLength(t *testing.T) {
	p := DefaultPasswordPolicy()
	pw, err := p.Generate(4)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(pw) != p.MinLength {
		t.Fatalf("length %d below policy minimum %d", len(pw), p.MinLength)
	}
}

func TestPasswordPolicyCustomSpecialCharset(t *testing.T) {
	p := PasswordPolicy{MinLength: 8, RequireSpecial: true, SpecialChars: "#~"}
	if err := p.Validate("password!"); err == nil {
		t.Fatalf("'!' is outside the custom charset, want violation")
	}
	if err := p.Validate("password#"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	pw, err := p.Generate(12)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.ContainsAny(pw, "#~") {
		t.Fatalf("generated password %q misses the custom special class", pw)
	}
}

func TestGenerateCoversRequiredClasses(t *testing.T) {
	p := DefaultPasswordPolicy()
	pw, err := p.Generate(p.MinLength)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(passwordSpecials, r):
			hasSpecial = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit || !hasSpecial {
		t.Fatalf("generated password misses a required class: %q", pw)
	}
}
