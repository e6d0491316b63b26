package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"chroniclekeeper.org/internal/auth"
)

// refreshCookieName carries the refresh token for remember-me logins. The
// cookie is scoped to /v1/auth so it only travels to refresh and logout.
const refreshCookieName = "chronicle_refresh"

func (a *API) setRefreshCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     "/v1/auth",
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt) / time.Second),
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/v1/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var in auth.RegisterInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user, err := a.svc.Register(r.Context(), in)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/users/"+user.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var in auth.LoginInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := a.svc.Login(r.Context(), in)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	if result.Session != nil && result.Session.RememberMe {
		a.setRefreshCookie(w, result.Tokens.RefreshToken, result.Tokens.RefreshExpiresAt)
	}
	writeJSON(w, http.StatusOK, result)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	raw, ok := a.refreshTokenFrom(w, r)
	if !ok {
		return
	}
	if raw == "" {
		handleAuthError(w, r, auth.ErrUnauthenticated)
		return
	}

	result, err := a.svc.Refresh(r.Context(), raw)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	// Rotation retired the token the cookie held, so the cookie must follow.
	if result.Session != nil && result.Session.RememberMe {
		a.setRefreshCookie(w, result.Tokens.RefreshToken, result.Tokens.RefreshExpiresAt)
	}
	writeJSON(w, http.StatusOK, result)
}

// refreshTokenFrom reads the refresh token from the request body, falling
// back to the remember-me cookie. A false return means the response has
// already been written.
func (a *API) refreshTokenFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req refreshRequest
	err := decodeJSON(w, r, &req)
	switch {
	case err == nil:
	case errors.Is(err, errEmptyBody):
	default:
		writeError(w, r, http.StatusBadRequest, err.Error())
		return "", false
	}

	raw := strings.TrimSpace(req.RefreshToken)
	if raw == "" {
		if c, cerr := r.Cookie(refreshCookieName); cerr == nil {
			raw = c.Value
		}
	}
	return raw, true
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := a.principal(w, r); !ok {
		return
	}

	rawRefresh, ok := a.refreshTokenFrom(w, r)
	if !ok {
		return
	}
	rawAccess, _ := auth.TokenFromContext(r.Context())

	if err := a.svc.Logout(r.Context(), rawAccess, rawRefresh); err != nil {
		handleAuthError(w, r, err)
		return
	}

	a.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		user, perms, err := a.svc.Profile(r.Context(), p.UserID)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user":        user,
			"permissions": perms,
		})
	case http.MethodPut:
		var in auth.ProfileUpdate
		if err := decodeJSON(w, r, &in); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		user, err := a.svc.UpdateProfile(r.Context(), p.UserID, in)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": user})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}

	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.svc.ChangePassword(r.Context(), p.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		// Here a credential failure means the caller mistyped their current
		// password, not that the request lacked authentication.
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, r, http.StatusBadRequest, "current password is incorrect")
			return
		}
		handleAuthError(w, r, err)
		return
	}

	// Every session died with the old credential; the cookie goes with them.
	a.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}

	sessions, err := a.svc.Sessions(r.Context(), p.UserID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/auth/sessions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}

	if err := a.svc.RevokeSession(r.Context(), p.UserID, id); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
