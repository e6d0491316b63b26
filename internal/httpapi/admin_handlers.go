package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"chroniclekeeper.org/internal/auth"
)

type setUserStatusRequest struct {
	Status string `json:"status"`
}

type assignRoleRequest struct {
	Role string `json:"role"`
}

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requireScopes(w, r, auth.ScopeUserRead) {
		return
	}

	q := r.URL.Query()
	filter := auth.UserFilter{
		Status: strings.TrimSpace(q.Get("status")),
		Search: strings.TrimSpace(q.Get("search")),
		Limit:  queryInt(q.Get("limit"), 50),
		Offset: queryInt(q.Get("offset"), 0),
	}
	users, total, err := a.svc.Users(r.Context(), filter)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users":  users,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		a.handleUser(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "status":
		a.handleUserStatus(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "roles":
		a.handleUserRoleAssign(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "roles":
		a.handleUserRoleRemove(w, r, parts[0], parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

func (a *API) handleUser(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requireScopes(w, r, auth.ScopeUserRead) {
		return
	}

	user, perms, err := a.svc.GetUser(r.Context(), userID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	assignments, err := a.rbac.UserRoles(r.Context(), userID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":        user,
		"roles":       assignments,
		"permissions": perms,
	})
}

func (a *API) handleUserStatus(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if !a.requireScopes(w, r, auth.ScopeUserWrite) {
		return
	}

	var req setUserStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user, err := a.svc.SetUserStatus(r.Context(), userID, req.Status, p.UserID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (a *API) handleUserRoleAssign(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if !a.requireScopes(w, r, auth.ScopeRoleWrite) {
		return
	}

	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	roleName := strings.TrimSpace(req.Role)
	if roleName == "" {
		writeError(w, r, http.StatusBadRequest, "role is required")
		return
	}

	granted, err := a.rbac.AssignRoleByName(r.Context(), userID, roleName, p.UserID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if granted {
		a.svc.RecordEvent(r.Context(), &auth.AuditEvent{
			EventType:    auth.EventRoleChange,
			Category:     auth.CategoryAdmin,
			Description:  "role assigned",
			UserID:       p.UserID,
			ResourceType: "user",
			ResourceID:   userID,
			Success:      true,
			Details:      map[string]any{"role": roleName},
		})
	}

	status := http.StatusCreated
	if !granted {
		// Already held; report success without a new grant.
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"user_id": userID,
		"role":    roleName,
		"granted": granted,
	})
}

func (a *API) handleUserRoleRemove(w http.ResponseWriter, r *http.Request, userID, roleName string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if !a.requireScopes(w, r, auth.ScopeRoleWrite) {
		return
	}

	role, _, err := a.rbac.RoleByName(r.Context(), roleName)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	removed, err := a.rbac.RemoveRole(r.Context(), userID, role.ID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if !removed {
		writeError(w, r, http.StatusNotFound, "assignment not found")
		return
	}

	a.svc.RecordEvent(r.Context(), &auth.AuditEvent{
		EventType:    auth.EventRoleChange,
		Category:     auth.CategoryAdmin,
		Description:  "role removed",
		UserID:       p.UserID,
		ResourceType: "user",
		ResourceID:   userID,
		Success:      true,
		Details:      map[string]any{"role": role.Name},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requireScopes(w, r, auth.ScopeAuditRead) {
		return
	}

	q := r.URL.Query()
	filter := auth.AuditFilter{
		UserID:    strings.TrimSpace(q.Get("user_id")),
		EventType: strings.TrimSpace(q.Get("event_type")),
		Category:  strings.TrimSpace(q.Get("category")),
		Limit:     queryInt(q.Get("limit"), 50),
		Offset:    queryInt(q.Get("offset"), 0),
	}
	if raw := q.Get("success"); raw != "" {
		ok, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "success must be true or false")
			return
		}
		filter.Success = &ok
	}
	var err error
	if filter.Since, err = queryTime(q.Get("since")); err != nil {
		writeError(w, r, http.StatusBadRequest, "since must be RFC 3339")
		return
	}
	if filter.Until, err = queryTime(q.Get("until")); err != nil {
		writeError(w, r, http.StatusBadRequest, "until must be RFC 3339")
		return
	}

	events, total, err := a.svc.AuditEvents(r.Context(), filter)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func queryTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
