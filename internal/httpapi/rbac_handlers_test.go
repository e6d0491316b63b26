package httpapi

import (
	"net/http"
	"net/url"
	"testing"

	"chroniclekeeper.org/internal/auth"
)

func TestRoleLifecycleOverHTTP(t *testing.T) {
	env := newTestAPI(t)
	_, admin := env.registerAdmin("root")
	hdr := bearer(admin.Tokens.AccessToken)

	resp := env.post("/v1/roles", map[string]any{
		"name":         "release-manager",
		"display_name": "Release Manager",
		"description":  "Coordinates releases",
		"scopes":       []string{string(auth.ScopeADRRead), string(auth.ScopeADRApprove)},
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/v1/roles/release-manager" {
		t.Fatalf("Location = %q", loc)
	}
	resp.Body.Close()

	resp = env.get("/v1/roles/release-manager", nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status %d", resp.StatusCode)
	}
	detail := decode[map[string]any](t, resp)
	perms, _ := detail["permissions"].([]any)
	if len(perms) != 2 {
		t.Fatalf("permissions = %d", len(perms))
	}

	resp = env.put("/v1/roles/release-manager/permissions", map[string]any{
		"scopes": []string{string(auth.ScopeADRRead)},
	}, hdr)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("set permissions status %d", resp.StatusCode)
	}

	resp = env.get("/v1/roles/release-manager", nil, hdr)
	detail = decode[map[string]any](t, resp)
	perms, _ = detail["permissions"].([]any)
	if len(perms) != 1 {
		t.Fatalf("permissions after replace = %d", len(perms))
	}

	resp = env.put("/v1/roles/release-manager", map[string]any{
		"description": "Coordinates scheduled releases",
	}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status %d", resp.StatusCode)
	}
	updated := decode[map[string]any](t, resp)
	role, _ := updated["role"].(map[string]any)
	if role["description"] != "Coordinates scheduled releases" {
		t.Fatalf("description = %v", role["description"])
	}

	resp = env.get("/v1/roles", nil, hdr)
	listing := decode[map[string]any](t, resp)
	// Five built-in roles plus the new one.
	if listing["total"].(float64) != 6 {
		t.Fatalf("total roles = %v", listing["total"])
	}

	resp = env.get("/v1/audit", url.Values{"event_type": []string{auth.EventRoleChange}}, hdr)
	audit := decode[map[string]any](t, resp)
	if audit["total"].(float64) < 3 {
		t.Fatalf("role_change events = %v", audit["total"])
	}
}

func TestRoleCreateValidation(t *testing.T) {
	env := newTestAPI(t)
	_, admin := env.registerAdmin("root")
	hdr := bearer(admin.Tokens.AccessToken)

	resp := env.post("/v1/roles", map[string]any{
		"name":   "broken",
		"scopes": []string{"adr:launch"},
	}, hdr)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown scope status %d", resp.StatusCode)
	}

	resp = env.post("/v1/roles", map[string]any{
		"name":   "editor",
		"scopes": []string{string(auth.ScopeADRRead)},
	}, hdr)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate name status %d", resp.StatusCode)
	}
}

func TestPermissionCatalogOverHTTP(t *testing.T) {
	env := newTestAPI(t)
	_, admin := env.registerAdmin("root")

	resp := env.get("/v1/permissions", nil, bearer(admin.Tokens.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	catalog := decode[map[string]any](t, resp)
	if int(catalog["total"].(float64)) != len(auth.Scopes()) {
		t.Fatalf("total = %v, want %d", catalog["total"], len(auth.Scopes()))
	}
}

func TestRoleAssignmentOverHTTP(t *testing.T) {
	env := newTestAPI(t)
	_, admin := env.registerAdmin("root")
	hdr := bearer(admin.Tokens.AccessToken)
	targetID := env.register("writer")

	resp := env.post("/v1/users/"+targetID+"/roles", map[string]any{"role": "editor"}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("assign status %d", resp.StatusCode)
	}
	grant := decode[map[string]any](t, resp)
	if grant["granted"] != true {
		t.Fatalf("granted = %v", grant["granted"])
	}

	// Assigning an already-held role succeeds without a new grant.
	resp = env.post("/v1/users/"+targetID+"/roles", map[string]any{"role": "editor"}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("re-assign status %d", resp.StatusCode)
	}
	grant = decode[map[string]any](t, resp)
	if grant["granted"] != false {
		t.Fatalf("granted on repeat = %v", grant["granted"])
	}

	resp = env.get("/v1/users/"+targetID, nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get user status %d", resp.StatusCode)
	}
	detail := decode[map[string]any](t, resp)
	roles, _ := detail["roles"].([]any)
	if len(roles) != 2 {
		t.Fatalf("assignments = %d, want viewer+editor", len(roles))
	}

	// The grant shows up in the user's next login.
	session := env.login("writer")
	if !session.Permissions.Has(string(auth.ScopePatternWrite)) {
		t.Fatalf("editor scopes missing after assignment: %v", session.Permissions.Permissions)
	}

	resp = env.del("/v1/users/"+targetID+"/roles/editor", hdr)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("remove status %d", resp.StatusCode)
	}
	resp = env.del("/v1/users/"+targetID+"/roles/editor", hdr)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("remove twice status %d", resp.StatusCode)
	}
}

func TestUserAdministration(t *testing.T) {
	env := newTestAPI(t)
	_, admin := env.registerAdmin("root")
	hdr := bearer(admin.Tokens.AccessToken)
	env.register("alice")
	env.register("bob")
	targetID := env.register("mallory")

	resp := env.get("/v1/users", url.Values{"limit": []string{"2"}}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status %d", resp.StatusCode)
	}
	listing := decode[map[string]any](t, resp)
	users, _ := listing["users"].([]any)
	if len(users) != 2 || listing["total"].(float64) != 4 {
		t.Fatalf("page = %d, total = %v", len(users), listing["total"])
	}

	resp = env.get("/v1/users", url.Values{"search": []string{"mallory"}}, hdr)
	listing = decode[map[string]any](t, resp)
	if listing["total"].(float64) != 1 {
		t.Fatalf("search total = %v", listing["total"])
	}

	resp = env.put("/v1/users/"+targetID+"/status", map[string]any{
		"status": string(auth.UserStatusSuspended),
	}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("suspend status %d", resp.StatusCode)
	}
	changed := decode[map[string]any](t, resp)
	user, _ := changed["user"].(map[string]any)
	if user["status"] != string(auth.UserStatusSuspended) {
		t.Fatalf("status = %v", user["status"])
	}

	resp = env.post("/v1/auth/login", map[string]any{
		"login":    "mallory",
		"password": testPassword,
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("suspended login status %d", resp.StatusCode)
	}

	resp = env.put("/v1/users/"+targetID+"/status", map[string]any{"status": "banished"}, hdr)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid status code %d", resp.StatusCode)
	}
}

func TestAuditQueryOverHTTP(t *testing.T) {
	env := newTestAPI(t)
	_, admin := env.registerAdmin("root")
	hdr := bearer(admin.Tokens.AccessToken)
	env.register("audited")
	env.login("audited")

	resp := env.get("/v1/audit", url.Values{
		"category":   []string{auth.CategoryAuth},
		"event_type": []string{auth.EventRegistration},
	}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	listing := decode[map[string]any](t, resp)
	if listing["total"].(float64) < 1 {
		t.Fatalf("registrations = %v", listing["total"])
	}

	resp = env.get("/v1/audit", url.Values{
		"success": []string{"only-good-ones"},
	}, hdr)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad success param status %d", resp.StatusCode)
	}

	resp = env.get("/v1/audit", url.Values{
		"limit":  []string{"1"},
		"offset": []string{"0"},
	}, hdr)
	listing = decode[map[string]any](t, resp)
	events, _ := listing["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("page size = %d", len(events))
	}
	if listing["total"].(float64) <= 1 {
		t.Fatalf("total = %v, want more than the page", listing["total"])
	}
}
