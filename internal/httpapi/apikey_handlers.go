package httpapi

import (
	"net/http"
	"strings"

	"chroniclekeeper.org/internal/auth"
)

func (a *API) handleAPIKeysCollection(w http.ResponseWriter, r *http.Request) {
	if a.apikeys == nil {
		writeError(w, r, http.StatusServiceUnavailable, "api key service unavailable")
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		if !a.requireScopes(w, r, auth.ScopeAPIKeyRead) {
			return
		}
		keys, err := a.apikeys.List(r.Context(), p.UserID)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"api_keys": keys,
			"total":    len(keys),
		})
	case http.MethodPost:
		if !a.requireScopes(w, r, auth.ScopeAPIKeyWrite) {
			return
		}
		var in auth.CreateAPIKeyInput
		if err := decodeJSON(w, r, &in); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		in.CreatedBy = p.UserID
		key, plaintext, err := a.apikeys.Create(r.Context(), in)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.svc.RecordEvent(r.Context(), &auth.AuditEvent{
			EventType:    auth.EventAPIKeyChange,
			Category:     auth.CategoryAdmin,
			Description:  "api key created",
			UserID:       p.UserID,
			ResourceType: "api_key",
			ResourceID:   key.ID,
			Success:      true,
			Details:      map[string]any{"name": key.Name, "scopes": len(key.Scopes)},
		})
		w.Header().Set("Location", "/v1/apikeys/"+key.ID)
		// The plaintext key appears in this response and nowhere else.
		writeJSON(w, http.StatusCreated, map[string]any{
			"api_key": key,
			"key":     plaintext,
		})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleAPIKeyResource(w http.ResponseWriter, r *http.Request) {
	if a.apikeys == nil {
		writeError(w, r, http.StatusServiceUnavailable, "api key service unavailable")
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/apikeys/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}

	key, err := a.apikeys.Get(r.Context(), id)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	// Keys are visible to their creator; admins see everything. A foreign
	// key reads as missing so key IDs cannot be probed.
	if key.CreatedBy != p.UserID && !p.HasPermission(string(auth.ScopeSystemAdmin)) {
		writeError(w, r, http.StatusNotFound, "api key not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if !a.requireScopes(w, r, auth.ScopeAPIKeyRead) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"api_key": key})
	case http.MethodDelete:
		if !a.requireScopes(w, r, auth.ScopeAPIKeyWrite) {
			return
		}
		if err := a.apikeys.Revoke(r.Context(), id, p.UserID); err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.svc.RecordEvent(r.Context(), &auth.AuditEvent{
			EventType:    auth.EventAPIKeyChange,
			Category:     auth.CategoryAdmin,
			Description:  "api key revoked",
			UserID:       p.UserID,
			ResourceType: "api_key",
			ResourceID:   id,
			Success:      true,
			Details:      map[string]any{"name": key.Name},
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}
