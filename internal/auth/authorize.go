package auth

// Principal is the authenticated caller with resolved permissions. Handlers
// check it explicitly at the top of each guarded operation.
type Principal struct {
	UserID       string
	Username     string
	Roles        []string
	Permissions  map[string]struct{}
	IsAdmin      bool
	IsSuperAdmin bool

	// TokenID/TokenType identify the credential that produced this
	// principal: a jti for bearer tokens, a key id for API keys.
	TokenID   string
	TokenType string
}

// NewPrincipal builds a principal from a computed permission snapshot.
func NewPrincipal(perms UserPermissions) Principal {
	set := make(map[string]struct{}, len(perms.Permissions))
	for _, p := range perms.Permissions {
		set[p] = struct{}{}
	}
	return Principal{
		UserID:       perms.UserID,
		Username:     perms.Username,
		Roles:        append([]string(nil), perms.Roles...),
		Permissions:  set,
		IsAdmin:      perms.IsAdmin,
		IsSuperAdmin: perms.IsSuperAdmin,
	}
}

// HasPermission reports whether the principal holds scope. Super admins
// short-circuit every check.
func (p Principal) HasPermission(scope string) bool {
	if p.IsSuperAdmin {
		return true
	}
	_, ok := p.Permissions[scope]
	return ok
}

// HasAnyPermission reports whether the principal holds at least one scope.
func (p Principal) HasAnyPermission(scopes ...string) bool {
	for _, s := range scopes {
		if p.HasPermission(s) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether the principal holds every scope.
func (p Principal) HasAllPermissions(scopes ...string) bool {
	for _, s := range scopes {
		if !p.HasPermission(s) {
			return false
		}
	}
	return true
}

// HasRole checks the literal role list; super admin does not short-circuit
// role membership.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the principal holds at least one role.
func (p Principal) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

// CanAccessResource reports whether the principal may perform action on
// resource, either through the exact scope or system-wide administration.
func (p Principal) CanAccessResource(resource, action string) bool {
	if p.HasPermission(resource + ":" + action) {
		return true
	}
	return p.HasPermission(string(ScopeSystemAdmin))
}
