package namespace

import (
	"strings"

	"github.com/stephnangue/keymaster/logical"
)

// Key layout. Hierarchy is a naming convention over the flat store, not a
// store-native feature.
//
//	auth/user/<user>/token/<id>                  unscoped token, value = region
//	auth/user/<user>/tenant/<t>/token/<id>       scoped token, value = region
//	auth/user/<user>/tenants/<t>                 roster entry, value = display
//	token/user/<id>                              user-token record (JSON)
//	token/role/<id>                              role-token record (JSON)
//	role/<tenant>/<role>                         role path (directory-owned)
const (
	UserTokenIndexKey = "token/user"
	RoleTokenIndexKey = "token/role"
)

// ValidName reports whether a user, tenant, or role name is usable as a
// single path segment.
func ValidName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/ \t\n")
}

// UserTokenIndex returns the parent key of a user's tokens for (user, tenant).
// An empty tenant addresses the user's unscoped tokens.
func UserTokenIndex(user, tenant string) string {
	if tenant == "" {
		return "auth/user/" + user + "/token"
	}
	return "auth/user/" + user + "/tenant/" + tenant + "/token"
}

// UserTokenPath returns the user-side key of a token, value = region
func UserTokenPath(user, tenant, tokenID string) string {
	return UserTokenIndex(user, tenant) + "/" + tokenID
}

// TenantRoster returns the parent key of a user's tenant roster
func TenantRoster(user string) string {
	return "auth/user/" + user + "/tenants"
}

// TenantRosterEntry returns the roster key of one tenant, value = display alias
func TenantRosterEntry(user, tenant string) string {
	return TenantRoster(user) + "/" + tenant
}

// UserTokenRecordPath returns the token-side record key of a user token
func UserTokenRecordPath(tokenID string) string {
	return UserTokenIndexKey + "/" + tokenID
}

// RoleTokenRecordPath returns the record key of a role token
func RoleTokenRecordPath(tokenID string) string {
	return RoleTokenIndexKey + "/" + tokenID
}

// RolePath returns the path of a role within a tenant
func RolePath(tenant, role string) string {
	return "role/" + tenant + "/" + role
}

// ResolveRoleRef normalizes a role reference against a tenant. The
// reference is either a bare role name or a full role path whose tenant
// component must agree with the supplied tenant.
func ResolveRoleRef(ref, tenant string) (string, error) {
	if !ValidName(tenant) {
		return "", logical.Validationf("invalid tenant name %q", tenant)
	}
	if ref == "" {
		return "", logical.Validation("empty role reference")
	}

	if !strings.Contains(ref, "/") {
		if !ValidName(ref) {
			return "", logical.Validationf("invalid role name %q", ref)
		}
		return RolePath(tenant, ref), nil
	}

	parts := strings.Split(ref, "/")
	if len(parts) != 3 || parts[0] != "role" || !ValidName(parts[1]) || !ValidName(parts[2]) {
		return "", logical.Validationf("malformed role path %q", ref)
	}
	if !strings.EqualFold(parts[1], tenant) {
		return "", logical.Validationf("role path %q does not belong to tenant %q", ref, tenant)
	}
	return RolePath(tenant, parts[2]), nil
}

// RoleFromPath splits a role path into its tenant and role name.
func RoleFromPath(rolePath string) (tenant, role string, err error) {
	parts := strings.Split(rolePath, "/")
	if len(parts) != 3 || parts[0] != "role" {
		return "", "", logical.Validationf("malformed role path %q", rolePath)
	}
	return parts[1], parts[2], nil
}
