// Package httpapi is the HTTP surface of the authentication service: token
// endpoints, self-service account management and the admin RBAC API, plus
// health probes and metrics.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"chroniclekeeper.org/internal/auth"
	"chroniclekeeper.org/internal/obs"
)

const serviceName = "chronicle-auth"

// ReadyProbe reports whether the backing stores answer. Nil members are
// skipped, so in-memory deployments are always ready.
type ReadyProbe struct {
	DB    *sql.DB
	Redis *redis.Client
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Options tunes the HTTP layer. Zero values fall back to the defaults below.
type Options struct {
	Version             string
	SecureCookies       bool
	LoginRatePerMinute  int
	RegisterRatePerHour int
	MaxBodyBytes        int64
}

// API is the HTTP layer over the auth, RBAC and API key services.
type API struct {
	mux     *http.ServeMux
	svc     *auth.Service
	rbac    *auth.RBACService
	apikeys *auth.APIKeyService

	readyProbe    ReadyProbe
	version       string
	secureCookies bool
	maxBodyBytes  int64

	loginLimiter    *ipLimiter
	registerLimiter *ipLimiter
}

func New(svc *auth.Service, rbac *auth.RBACService, apikeys *auth.APIKeyService, rp ReadyProbe, opts Options) *API {
	if opts.LoginRatePerMinute <= 0 {
		opts.LoginRatePerMinute = 5
	}
	if opts.RegisterRatePerHour <= 0 {
		opts.RegisterRatePerHour = 3
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	a := &API{
		mux:             http.NewServeMux(),
		svc:             svc,
		rbac:            rbac,
		apikeys:         apikeys,
		readyProbe:      rp,
		version:         opts.Version,
		secureCookies:   opts.SecureCookies,
		maxBodyBytes:    opts.MaxBodyBytes,
		loginLimiter:    newIPLimiter(opts.LoginRatePerMinute, time.Minute),
		registerLimiter: newIPLimiter(opts.RegisterRatePerHour, time.Hour),
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.handleHealthz)
	a.mux.HandleFunc("/readyz", a.handleReadyz)
	a.mux.HandleFunc("/v1/info", a.handleInfo)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// token + self-service account endpoints
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/profile", a.handleProfile)
	a.mux.HandleFunc("/v1/auth/change-password", a.handleChangePassword)
	a.mux.HandleFunc("/v1/auth/sessions", a.handleSessions)
	a.mux.HandleFunc("/v1/auth/sessions/", a.handleSessionResource)

	// admin surface
	a.mux.HandleFunc("/v1/roles", a.handleRolesCollection)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/v1/permissions", a.handlePermissionCatalog)
	a.mux.HandleFunc("/v1/users", a.handleUsersCollection)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)
	a.mux.HandleFunc("/v1/audit", a.handleAuditQuery)

	// machine credentials
	a.mux.HandleFunc("/v1/apikeys", a.handleAPIKeysCollection)
	a.mux.HandleFunc("/v1/apikeys/", a.handleAPIKeyResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler assembles the middleware chain around the route table.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = a.rateLimitAuth(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	return h
}

// --- probes ---

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorPayload(w, r, code, msg, nil)
}

func writeErrorPayload(w http.ResponseWriter, r *http.Request, code int, msg string, extra map[string]any) {
	payload := map[string]any{
		"error": msg,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// errEmptyBody lets endpoints with an optional body (refresh, logout) tell
// "no body" apart from "bad body".
var errEmptyBody = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleAuthError maps domain errors to HTTP statuses in one place. Token
// failures carry a machine-readable code so clients can tell "refresh now"
// from "log in again"; credential failures stay deliberately vague.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var policy *auth.PolicyViolationError
	if errors.As(err, &policy) {
		writeErrorPayload(w, r, http.StatusBadRequest, "password does not meet policy", map[string]any{
			"violations": policy.Violations,
		})
		return
	}
	var conflict *auth.ConflictError
	if errors.As(err, &conflict) {
		writeErrorPayload(w, r, http.StatusConflict, conflict.Error(), map[string]any{
			"field": conflict.Field,
		})
		return
	}
	var locked *auth.LockedError
	if errors.As(err, &locked) {
		if wait := locked.RetryAfter(time.Now().UTC()); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait/time.Second)+1))
		}
		writeError(w, r, http.StatusLocked, "account temporarily locked")
		return
	}

	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrAccountDisabled):
		writeError(w, r, http.StatusForbidden, "account disabled")
	case errors.Is(err, auth.ErrAccountLocked):
		writeError(w, r, http.StatusLocked, "account temporarily locked")
	case errors.Is(err, auth.ErrTokenExpired):
		writeTokenError(w, r, "token_expired", "token expired")
	case errors.Is(err, auth.ErrTokenRevoked):
		writeTokenError(w, r, "token_revoked", "token revoked")
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenMalformed),
		errors.Is(err, auth.ErrTokenSignatureInvalid),
		errors.Is(err, auth.ErrTokenIssuerInvalid),
		errors.Is(err, auth.ErrTokenAudienceInvalid),
		errors.Is(err, auth.ErrTokenTypeMismatch):
		writeTokenError(w, r, "token_invalid", "invalid token")
	case errors.Is(err, auth.ErrUnauthenticated):
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, "insufficient permissions")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeTokenError(w http.ResponseWriter, r *http.Request, code, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeErrorPayload(w, r, http.StatusUnauthorized, msg, map[string]any{
		"code": code,
	})
}
