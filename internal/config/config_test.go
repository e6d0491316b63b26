package config

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CHRONICLE_AUTH_SECRET", testSecret)
	// Clear anything the host environment may carry.
	for _, key := range []string{
		"CHRONICLE_ADDR", "CHRONICLE_PG_DSN", "CHRONICLE_REDIS_ADDR",
		"CHRONICLE_ACCESS_TTL", "CHRONICLE_REFRESH_TTL", "CHRONICLE_REMEMBER_ME_TTL",
		"CHRONICLE_MAX_FAILED_LOGINS", "CHRONICLE_LOCKOUT_WINDOW", "CHRONICLE_MAX_SESSIONS",
		"CHRONICLE_PASSWORD_MIN_LENGTH", "CHRONICLE_PASSWORD_SPECIALS",
		"CHRONICLE_SECURE_COOKIES", "CHRONICLE_MFA_ENABLED",
		"CHRONICLE_BOOTSTRAP_ADMIN_USERNAME", "CHRONICLE_BOOTSTRAP_ADMIN_EMAIL",
		"CHRONICLE_BOOTSTRAP_ADMIN_PASSWORD",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.AccessTokenTTL != 30*time.Minute || cfg.RefreshTokenTTL != 7*24*time.Hour {
		t.Fatalf("token TTL defaults wrong: %v / %v", cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	}
	if cfg.MaxFailedLogins != 5 || cfg.LockoutWindow != 30*time.Minute {
		t.Fatalf("lockout defaults wrong: %d / %v", cfg.MaxFailedLogins, cfg.LockoutWindow)
	}
	if !cfg.SecureCookies {
		t.Fatalf("secure cookies must default on")
	}
	if cfg.MFAEnabled {
		t.Fatalf("mfa must default off")
	}
	if cfg.DatabaseDSN != "" || cfg.RedisAddr != "" {
		t.Fatalf("external stores must default empty")
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CHRONICLE_AUTH_SECRET", "too-short")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "AUTH_SECRET") {
		t.Fatalf("expected secret length error, got %v", err)
	}
}

func TestLoadReportsAllProblems(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CHRONICLE_AUTH_SECRET", "")
	t.Setenv("CHRONICLE_ACCESS_TTL", "thirty minutes")
	t.Setenv("CHRONICLE_MAX_SESSIONS", "0")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected errors")
	}
	msg := err.Error()
	for _, want := range []string{"AUTH_SECRET", "ACCESS_TTL", "MAX_SESSIONS"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q misses %q", msg, want)
		}
	}
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CHRONICLE_ADDR", ":9090")
	t.Setenv("CHRONICLE_ACCESS_TTL", "15m")
	t.Setenv("CHRONICLE_REFRESH_TTL", "48h")
	t.Setenv("CHRONICLE_REMEMBER_ME_TTL", "96h")
	t.Setenv("CHRONICLE_MAX_FAILED_LOGINS", "3")
	t.Setenv("CHRONICLE_SECURE_COOKIES", "false")
	t.Setenv("CHRONICLE_PG_DSN", "postgres://chronicle@localhost/chronicle")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.AccessTokenTTL != 15*time.Minute || cfg.RefreshTokenTTL != 48*time.Hour {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.MaxFailedLogins != 3 || cfg.SecureCookies {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.DatabaseDSN == "" {
		t.Fatalf("dsn lost")
	}
}

func TestLoadRejectsInvertedTTLs(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CHRONICLE_ACCESS_TTL", "48h")
	t.Setenv("CHRONICLE_REFRESH_TTL", "24h")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "REFRESH_TTL") {
		t.Fatalf("expected refresh/access ordering error, got %v", err)
	}
}

func TestLoadBootstrapTriad(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CHRONICLE_BOOTSTRAP_ADMIN_USERNAME", "root")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "BOOTSTRAP_ADMIN") {
		t.Fatalf("partial bootstrap credentials must be rejected, got %v", err)
	}

	t.Setenv("CHRONICLE_BOOTSTRAP_ADMIN_EMAIL", "root@example.com")
	t.Setenv("CHRONICLE_BOOTSTRAP_ADMIN_PASSWORD", "Correct-Horse-B4ttery!")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BootstrapAdminUsername != "root" {
		t.Fatalf("bootstrap username lost: %+v", cfg)
	}
}

func TestPasswordPolicyFromConfig(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CHRONICLE_PASSWORD_MIN_LENGTH", "16")
	t.Setenv("CHRONICLE_PASSWORD_SPECIALS", "#~")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.PasswordPolicy()
	if p.MinLength != 16 || p.SpecialChars != "#~" {
		t.Fatalf("policy not derived from config: %+v", p)
	}
	if !p.RequireUppercase || !p.RequireDigits {
		t.Fatalf("character class defaults lost: %+v", p)
	}
}
