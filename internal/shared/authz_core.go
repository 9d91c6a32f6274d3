package shared

// Core platform permissions.
const (
	PermUsersView = "users:view"
	PermUsersEdit = "users:edit"

	PermRolesView = "roles:view"
	PermRolesEdit = "roles:edit"

	PermAccessRequest = "access:request"
	PermAccessApprove = "access:approve"
	PermAccessRevoke  = "access:revoke"

	PermAuditView = "audit:view"
)

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []string {
	return []string{
		PermUsersView,
		PermUsersEdit,
		PermRolesView,
		PermRolesEdit,
		PermAccessRequest,
		PermAccessApprove,
		PermAccessRevoke,
		PermAuditView,
	}
}
