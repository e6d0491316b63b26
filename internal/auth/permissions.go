package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Scope identifies one grantable capability as "resource:action". The set of
// scopes is closed: anything outside the catalog is rejected at parse time.
type Scope string

const (
	ScopeADRRead    Scope = "adr:read"
	ScopeADRWrite   Scope = "adr:write"
	ScopeADRDelete  Scope = "adr:delete"
	ScopeADRApprove Scope = "adr:approve"

	ScopeDecisionRead   Scope = "decision:read"
	ScopeDecisionWrite  Scope = "decision:write"
	ScopeDecisionDelete Scope = "decision:delete"

	ScopePatternRead   Scope = "pattern:read"
	ScopePatternWrite  Scope = "pattern:write"
	ScopePatternDelete Scope = "pattern:delete"

	ScopeRunbookRead   Scope = "runbook:read"
	ScopeRunbookWrite  Scope = "runbook:write"
	ScopeRunbookDelete Scope = "runbook:delete"

	ScopeUserRead   Scope = "user:read"
	ScopeUserWrite  Scope = "user:write"
	ScopeUserDelete Scope = "user:delete"

	ScopeRoleRead   Scope = "role:read"
	ScopeRoleWrite  Scope = "role:write"
	ScopeRoleDelete Scope = "role:delete"

	ScopeAuditRead Scope = "audit:read"

	ScopeAPIKeyRead  Scope = "apikey:read"
	ScopeAPIKeyWrite Scope = "apikey:write"

	ScopeSystemAdmin  Scope = "system:admin"
	ScopeSystemConfig Scope = "system:config"
)

func (s Scope) String() string { return string(s) }

// Resource returns the part before the colon.
func (s Scope) Resource() string {
	raw := string(s)
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		return raw[:i]
	}
	return raw
}

// Action returns the part after the colon.
func (s Scope) Action() string {
	raw := string(s)
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		return raw[i+1:]
	}
	return ""
}

var scopeCatalog = map[Scope]string{
	ScopeADRRead:        "Read architecture decision records",
	ScopeADRWrite:       "Create and update architecture decision records",
	ScopeADRDelete:      "Delete architecture decision records",
	ScopeADRApprove:     "Approve architecture decision records",
	ScopeDecisionRead:   "Read decision entries",
	ScopeDecisionWrite:  "Create and update decision entries",
	ScopeDecisionDelete: "Delete decision entries",
	ScopePatternRead:    "Read pattern entries",
	ScopePatternWrite:   "Create and update pattern entries",
	ScopePatternDelete:  "Delete pattern entries",
	ScopeRunbookRead:    "Read runbooks",
	ScopeRunbookWrite:   "Create and update runbooks",
	ScopeRunbookDelete:  "Delete runbooks",
	ScopeUserRead:       "Read user accounts",
	ScopeUserWrite:      "Create and update user accounts",
	ScopeUserDelete:     "Delete user accounts",
	ScopeRoleRead:       "Read roles and their permissions",
	ScopeRoleWrite:      "Create and update roles",
	ScopeRoleDelete:     "Delete roles",
	ScopeAuditRead:      "Read the security audit log",
	ScopeAPIKeyRead:     "Read API keys",
	ScopeAPIKeyWrite:    "Create and revoke API keys",
	ScopeSystemAdmin:    "Full administrative access",
	ScopeSystemConfig:   "Change service configuration",
}

// Scopes returns the full catalog in sorted order.
func Scopes() []Scope {
	out := make([]Scope, 0, len(scopeCatalog))
	for s := range scopeCatalog {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseScope validates raw against the catalog.
func ParseScope(raw string) (Scope, error) {
	s := Scope(strings.TrimSpace(strings.ToLower(raw)))
	if _, ok := scopeCatalog[s]; !ok {
		return "", fmt.Errorf("%w: unknown scope %q", ErrInvalidInput, raw)
	}
	return s, nil
}

// ParseScopes validates and deduplicates a scope list, keeping input order.
func ParseScopes(raw []string) ([]Scope, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	seen := make(map[Scope]struct{}, len(raw))
	out := make([]Scope, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		s, err := ParseScope(r)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

func scopeStrings(scopes []Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

// Well-known role names seeded on startup.
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleEditor     = "editor"
	RoleReviewer   = "reviewer"
	RoleViewer     = "viewer"

	// DefaultRegistrationRole is granted to every self-registered account.
	DefaultRegistrationRole = RoleViewer
)

// RoleSeed describes one built-in role.
type RoleSeed struct {
	Name        string
	DisplayName string
	Description string
	Scopes      []Scope
}

// BuiltinPermissions returns the catalog as seedable Permission rows.
func BuiltinPermissions() []Permission {
	scopes := Scopes()
	out := make([]Permission, 0, len(scopes))
	for _, s := range scopes {
		out = append(out, Permission{
			Scope:       string(s),
			Name:        permissionName(s),
			Description: scopeCatalog[s],
			IsSystem:    true,
		})
	}
	return out
}

func permissionName(s Scope) string {
	action := s.Action()
	if action == "" {
		return s.Resource()
	}
	return strings.ToUpper(action[:1]) + action[1:] + " " + s.Resource()
}

// BuiltinRoles returns the default role hierarchy seeded on startup.
func BuiltinRoles() []RoleSeed {
	viewer := []Scope{ScopeADRRead, ScopeDecisionRead, ScopePatternRead, ScopeRunbookRead}
	reviewer := append(append([]Scope{}, viewer...), ScopeADRApprove)
	editor := []Scope{
		ScopeADRRead, ScopeADRWrite,
		ScopeDecisionRead, ScopeDecisionWrite,
		ScopePatternRead, ScopePatternWrite,
		ScopeRunbookRead, ScopeRunbookWrite,
	}
	admin := []Scope{
		ScopeADRRead, ScopeADRWrite, ScopeADRDelete, ScopeADRApprove,
		ScopeDecisionRead, ScopeDecisionWrite, ScopeDecisionDelete,
		ScopePatternRead, ScopePatternWrite, ScopePatternDelete,
		ScopeRunbookRead, ScopeRunbookWrite, ScopeRunbookDelete,
		ScopeUserRead, ScopeUserWrite, ScopeUserDelete,
		ScopeRoleRead, ScopeRoleWrite,
		ScopeAuditRead,
		ScopeAPIKeyRead, ScopeAPIKeyWrite,
	}
	return []RoleSeed{
		{Name: RoleSuperAdmin, DisplayName: "Super Administrator", Description: "Unrestricted access to every capability", Scopes: Scopes()},
		{Name: RoleAdmin, DisplayName: "Administrator", Description: "Content and account administration", Scopes: admin},
		{Name: RoleEditor, DisplayName: "Editor", Description: "Create and update content", Scopes: editor},
		{Name: RoleReviewer, DisplayName: "Reviewer", Description: "Read content and approve records", Scopes: reviewer},
		{Name: RoleViewer, DisplayName: "Viewer", Description: "Read-only access to content", Scopes: viewer},
	}
}
