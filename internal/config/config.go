// Package config loads runtime settings from CHRONICLE_* environment
// variables. Load applies defaults, validates everything it can and reports
// all problems at once so a misconfigured deployment fails with one complete
// message instead of dying one variable at a time.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"chroniclekeeper.org/internal/auth"
)

const envPrefix = "CHRONICLE_"

// Config is the full runtime configuration of the service.
type Config struct {
	Addr string

	// DatabaseDSN selects the Postgres store; empty runs on the in-memory
	// store (dev/test only). RedisAddr selects the shared revocation list
	// and permission cache; empty keeps both in-process.
	DatabaseDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthSecret    string
	TokenIssuer   string
	TokenAudience string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	RememberMeTTL   time.Duration

	BcryptCost           int
	PasswordMinLength    int
	PasswordSpecialChars string

	MaxFailedLogins int
	LockoutWindow   time.Duration
	MaxSessions     int

	PermissionCacheTTL time.Duration
	CleanupInterval    time.Duration

	SecureCookies       bool
	LoginRatePerMinute  int
	RegisterRatePerHour int
	MaxBodyBytes        int64

	// MFAEnabled is parsed and carried only; no flow consumes it yet.
	MFAEnabled bool

	// Bootstrap credentials consumed by cmd/seed to create the first
	// super_admin account. All three must be set together or not at all.
	BootstrapAdminUsername string
	BootstrapAdminEmail    string
	BootstrapAdminPassword string
}

// Load reads the environment and returns the validated configuration.
func Load() (Config, error) {
	var problems []error
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	cfg := Config{
		Addr:                   getString("ADDR", ":8080"),
		DatabaseDSN:            getString("PG_DSN", ""),
		RedisAddr:              getString("REDIS_ADDR", ""),
		RedisPassword:          getString("REDIS_PASSWORD", ""),
		AuthSecret:             os.Getenv(envPrefix + "AUTH_SECRET"),
		TokenIssuer:            getString("TOKEN_ISSUER", ""),
		TokenAudience:          getString("TOKEN_AUDIENCE", ""),
		PasswordSpecialChars:   getString("PASSWORD_SPECIALS", ""),
		BootstrapAdminUsername: getString("BOOTSTRAP_ADMIN_USERNAME", ""),
		BootstrapAdminEmail:    getString("BOOTSTRAP_ADMIN_EMAIL", ""),
		BootstrapAdminPassword: os.Getenv(envPrefix + "BOOTSTRAP_ADMIN_PASSWORD"),
	}

	cfg.RedisDB = getInt("REDIS_DB", 0, fail)
	cfg.AccessTokenTTL = getDuration("ACCESS_TTL", 30*time.Minute, fail)
	cfg.RefreshTokenTTL = getDuration("REFRESH_TTL", 7*24*time.Hour, fail)
	cfg.RememberMeTTL = getDuration("REMEMBER_ME_TTL", 30*24*time.Hour, fail)
	cfg.BcryptCost = getInt("BCRYPT_COST", auth.DefaultBcryptCost, fail)
	cfg.PasswordMinLength = getInt("PASSWORD_MIN_LENGTH", 12, fail)
	cfg.MaxFailedLogins = getInt("MAX_FAILED_LOGINS", auth.DefaultMaxFailedLogins, fail)
	cfg.LockoutWindow = getDuration("LOCKOUT_WINDOW", auth.DefaultLockoutWindow, fail)
	cfg.MaxSessions = getInt("MAX_SESSIONS", auth.DefaultMaxSessions, fail)
	cfg.PermissionCacheTTL = getDuration("PERM_CACHE_TTL", auth.DefaultPermissionCacheTTL, fail)
	cfg.CleanupInterval = getDuration("CLEANUP_INTERVAL", time.Hour, fail)
	cfg.SecureCookies = getBool("SECURE_COOKIES", true, fail)
	cfg.LoginRatePerMinute = getInt("LOGIN_RATE_PER_MIN", 5, fail)
	cfg.RegisterRatePerHour = getInt("REGISTER_RATE_PER_HOUR", 3, fail)
	cfg.MaxBodyBytes = getInt64("MAX_BODY_BYTES", 1<<20, fail)
	cfg.MFAEnabled = getBool("MFA_ENABLED", false, fail)

	if len(cfg.AuthSecret) < auth.MinSecretLength {
		fail("%sAUTH_SECRET must be at least %d characters", envPrefix, auth.MinSecretLength)
	}
	if cfg.AccessTokenTTL <= 0 {
		fail("%sACCESS_TTL must be positive", envPrefix)
	}
	if cfg.RefreshTokenTTL <= cfg.AccessTokenTTL {
		fail("%sREFRESH_TTL must exceed the access token TTL", envPrefix)
	}
	if cfg.RememberMeTTL < cfg.RefreshTokenTTL {
		fail("%sREMEMBER_ME_TTL must not be shorter than the refresh TTL", envPrefix)
	}
	if cfg.PasswordMinLength < 8 {
		fail("%sPASSWORD_MIN_LENGTH must be at least 8", envPrefix)
	}
	if cfg.MaxFailedLogins < 1 {
		fail("%sMAX_FAILED_LOGINS must be at least 1", envPrefix)
	}
	if cfg.MaxSessions < 1 {
		fail("%sMAX_SESSIONS must be at least 1", envPrefix)
	}
	if cfg.LoginRatePerMinute < 1 || cfg.RegisterRatePerHour < 1 {
		fail("rate limits must be at least 1 per interval")
	}
	if cfg.MaxBodyBytes < 1024 {
		fail("%sMAX_BODY_BYTES must be at least 1024", envPrefix)
	}

	bootstrapSet := 0
	for _, v := range []string{cfg.BootstrapAdminUsername, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword} {
		if v != "" {
			bootstrapSet++
		}
	}
	if bootstrapSet != 0 && bootstrapSet != 3 {
		fail("%sBOOTSTRAP_ADMIN_USERNAME, _EMAIL and _PASSWORD must be set together", envPrefix)
	}

	if len(problems) > 0 {
		return Config{}, errors.Join(problems...)
	}
	return cfg, nil
}

// PasswordPolicy builds the policy the configuration describes.
func (c Config) PasswordPolicy() auth.PasswordPolicy {
	p := auth.DefaultPasswordPolicy()
	p.MinLength = c.PasswordMinLength
	if c.PasswordSpecialChars != "" {
		p.SpecialChars = c.PasswordSpecialChars
	}
	return p
}

func getString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return def
	}
	return v
}

func getInt(key string, def int, fail func(string, ...any)) int {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		fail("%s%s: %q is not an integer", envPrefix, key, raw)
		return def
	}
	return v
}

func getInt64(key string, def int64, fail func(string, ...any)) int64 {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		fail("%s%s: %q is not an integer", envPrefix, key, raw)
		return def
	}
	return v
}

func getDuration(key string, def time.Duration, fail func(string, ...any)) time.Duration {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		fail("%s%s: %q is not a duration (try 30m, 24h)", envPrefix, key, raw)
		return def
	}
	return v
}

func getBool(key string, def bool, fail func(string, ...any)) bool {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		fail("%s%s: %q is not a boolean", envPrefix, key, raw)
		return def
	}
	return v
}
