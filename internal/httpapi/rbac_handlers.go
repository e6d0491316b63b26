package httpapi

import (
	"net/http"
	"strings"

	"chroniclekeeper.org/internal/auth"
)

type setRolePermissionsRequest struct {
	Scopes []string `json:"scopes"`
}

type updateRoleRequest struct {
	DisplayName *string `json:"display_name"`
	Description *string `json:"description"`
	IsActive    *bool   `json:"is_active"`
}

func (a *API) handleRolesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.requireScopes(w, r, auth.ScopeRoleRead) {
			return
		}
		roles, err := a.rbac.ListRoles(r.Context())
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"roles": roles,
			"total": len(roles),
		})
	case http.MethodPost:
		p, ok := a.principal(w, r)
		if !ok {
			return
		}
		if !a.requireScopes(w, r, auth.ScopeRoleWrite) {
			return
		}
		var in auth.CreateRoleInput
		if err := decodeJSON(w, r, &in); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		in.CreatedBy = p.UserID
		role, err := a.rbac.CreateRole(r.Context(), in)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.svc.RecordEvent(r.Context(), &auth.AuditEvent{
			EventType:    auth.EventRoleChange,
			Category:     auth.CategoryAdmin,
			Description:  "role created",
			UserID:       p.UserID,
			ResourceType: "role",
			ResourceID:   role.ID,
			Success:      true,
			Details:      map[string]any{"role": role.Name, "scopes": len(in.Scopes)},
		})
		w.Header().Set("Location", "/v1/roles/"+role.Name)
		writeJSON(w, http.StatusCreated, map[string]any{"role": role})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		a.handleRole(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "permissions":
		a.handleRolePermissions(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

func (a *API) handleRole(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodGet:
		if !a.requireScopes(w, r, auth.ScopeRoleRead) {
			return
		}
		role, perms, err := a.rbac.RoleByName(r.Context(), name)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"role":        role,
			"permissions": perms,
		})
	case http.MethodPut:
		p, ok := a.principal(w, r)
		if !ok {
			return
		}
		if !a.requireScopes(w, r, auth.ScopeRoleWrite) {
			return
		}
		var req updateRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, _, err := a.rbac.RoleByName(r.Context(), name)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		if req.DisplayName != nil {
			role.DisplayName = strings.TrimSpace(*req.DisplayName)
		}
		if req.Description != nil {
			role.Description = strings.TrimSpace(*req.Description)
		}
		if req.IsActive != nil {
			role.IsActive = *req.IsActive
		}
		if err := a.rbac.UpdateRole(r.Context(), role); err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.svc.RecordEvent(r.Context(), &auth.AuditEvent{
			EventType:    auth.EventRoleChange,
			Category:     auth.CategoryAdmin,
			Description:  "role updated",
			UserID:       p.UserID,
			ResourceType: "role",
			ResourceID:   role.ID,
			Success:      true,
			Details:      map[string]any{"role": role.Name},
		})
		writeJSON(w, http.StatusOK, map[string]any{"role": role})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if !a.requireScopes(w, r, auth.ScopeRoleWrite) {
		return
	}

	var req setRolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	role, _, err := a.rbac.RoleByName(r.Context(), name)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if err := a.rbac.SetRolePermissions(r.Context(), role.ID, req.Scopes); err != nil {
		handleAuthError(w, r, err)
		return
	}

	a.svc.RecordEvent(r.Context(), &auth.AuditEvent{
		EventType:    auth.EventRoleChange,
		Category:     auth.CategoryAdmin,
		Description:  "role permissions replaced",
		UserID:       p.UserID,
		ResourceType: "role",
		ResourceID:   role.ID,
		Success:      true,
		Details:      map[string]any{"role": role.Name, "scopes": len(req.Scopes)},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePermissionCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requireScopes(w, r, auth.ScopeRoleRead) {
		return
	}

	perms, err := a.rbac.ListPermissions(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"permissions": perms,
		"total":       len(perms),
	})
}
