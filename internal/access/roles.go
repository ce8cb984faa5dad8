// Package access holds the identity model shared by every component: roles,
// the permission matrix, bearer tokens, and the tamper-evident audit log.
package access

// Role identifies a class of platform actor.
type Role string

const (
	RoleCustomer        Role = "customer"
	RoleDriver          Role = "driver"
	RoleDispatcher      Role = "dispatcher"
	RoleSecurityOfficer Role = "security_officer"
	RoleAdmin           Role = "admin"
	RoleSystem          Role = "system"
)

// PermissionAll grants every permission.
const PermissionAll = "*"

// permissionMatrix is the fixed role→permission table. Admin and system hold
// the wildcard.
var permissionMatrix = map[Role][]string{
	RoleCustomer: {
		"read:own_delivery",
		"write:own_delivery_consent",
		"read:own_notification",
	},
	RoleDriver: {
		"read:assigned_delivery",
		"write:delivery_status",
		"read:emergency",
		"write:emergency",
	},
	RoleDispatcher: {
		"read:all_delivery",
		"write:delivery_assignment",
		"read:emergency",
		"read:audit",
	},
	RoleSecurityOfficer: {
		"read:security_alert",
		"write:security_alert",
		"read:emergency",
		"read:audit",
		"read:location_history",
	},
	RoleAdmin:  {PermissionAll},
	RoleSystem: {PermissionAll},
}

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	_, ok := permissionMatrix[r]
	return ok
}

// Permissions returns a copy of the grants for a role.
func Permissions(r Role) []string {
	perms := permissionMatrix[r]
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}

// PermissionMatrix returns a copy of the full role→permission table.
func PermissionMatrix() map[Role][]string {
	out := make(map[Role][]string, len(permissionMatrix))
	for r := range permissionMatrix {
		out[r] = Permissions(r)
	}
	return out
}

// HasPermission reports whether the role holds perm, honouring the wildcard.
func HasPermission(r Role, perm string) bool {
	for _, p := range permissionMatrix[r] {
		if p == PermissionAll || p == perm {
			return true
		}
	}
	return false
}
