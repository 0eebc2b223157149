package rbac

import "sort"

// Permission is an opaque capability identifier.
type Permission string

// Feedback permissions.
const (
	PermViewFeedback    Permission = "view-feedback"
	PermCreateFeedback  Permission = "create-feedback"
	PermUpdateFeedback  Permission = "update-feedback"
	PermDeleteFeedback  Permission = "delete-feedback"
	PermExportFeedback  Permission = "export-feedback"
	PermImportFeedback  Permission = "import-feedback"
	PermCommentFeedback Permission = "comment-feedback"
)

// Dashboard and analytics permissions.
const (
	PermViewDashboard Permission = "view-dashboard"
	PermViewAnalytics Permission = "view-analytics"
)

// Organization administration permissions.
const (
	PermInviteUsers        Permission = "invite-users"
	PermManageUsers        Permission = "manage-users"
	PermManageRoles        Permission = "manage-roles"
	PermManageOrganization Permission = "manage-organization"
	PermDeleteOrganization Permission = "delete-organization"
	PermManageBilling      Permission = "manage-billing"
	PermManageAPIKeys      Permission = "manage-api-keys"
	PermManageIntegrations Permission = "manage-integrations"
	PermViewAuditLog       Permission = "view-audit-log"
)

var (
	viewerPermissions = []Permission{
		PermViewFeedback,
		PermViewDashboard,
	}
	memberPermissions = append(append([]Permission{}, viewerPermissions...),
		PermCreateFeedback,
		PermCommentFeedback,
		PermViewAnalytics,
	)
	managerPermissions = append(append([]Permission{}, memberPermissions...),
		PermUpdateFeedback,
		PermDeleteFeedback,
		PermExportFeedback,
		PermImportFeedback,
		PermInviteUsers,
	)
	adminPermissions = append(append([]Permission{}, managerPermissions...),
		PermManageUsers,
		PermManageRoles,
		PermManageOrganization,
		PermManageAPIKeys,
		PermManageIntegrations,
		PermViewAuditLog,
	)
	ownerPermissions = append(append([]Permission{}, adminPermissions...),
		PermDeleteOrganization,
		PermManageBilling,
	)
)

var rolePermissions = map[Role][]Permission{
	RoleOwner:    ownerPermissions,
	RoleAdmin:    adminPermissions,
	RoleManager:  managerPermissions,
	RoleMember:   memberPermissions,
	RoleViewer:   viewerPermissions,
	RoleExternal: {},
	RoleAPI:      {},
}

// RolePermissions returns a copy of the permissions granted to role.
// Unknown roles get an empty set.
func RolePermissions(role Role) []Permission {
	perms := rolePermissions[role]
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

// AllPermissions returns the permission universe, sorted.
func AllPermissions() []Permission {
	seen := make(map[Permission]struct{})
	for _, perms := range rolePermissions {
		for _, p := range perms {
			seen[p] = struct{}{}
		}
	}
	out := make([]Permission, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resource types and actions used in the action table.
const (
	ResourceFeedback     = "feedback"
	ResourceComment      = "comment"
	ResourceDashboard    = "dashboard"
	ResourceAnalytics    = "analytics"
	ResourceOrganization = "organization"
	ResourceUser         = "user"
	ResourceBilling      = "billing"
	ResourceAPIKey       = "api_key"
	ResourceAuditLog     = "audit_log"

	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionExport = "export"
	ActionImport = "import"
	ActionInvite = "invite"
)

type actionKey struct {
	resource string
	action   string
}

// actionPermissions is the only resource/action table in the codebase; the
// engine and the HTTP authorizer both resolve through it.
var actionPermissions = map[actionKey][]Permission{
	{ResourceFeedback, ActionRead}:   {PermViewFeedback},
	{ResourceFeedback, ActionCreate}: {PermCreateFeedback},
	{ResourceFeedback, ActionUpdate}: {PermUpdateFeedback},
	{ResourceFeedback, ActionDelete}: {PermDeleteFeedback},
	{ResourceFeedback, ActionExport}: {PermViewFeedback, PermExportFeedback},
	{ResourceFeedback, ActionImport}: {PermCreateFeedback, PermImportFeedback},

	{ResourceComment, ActionRead}:   {PermViewFeedback},
	{ResourceComment, ActionCreate}: {PermCommentFeedback},
	{ResourceComment, ActionUpdate}: {PermUpdateFeedback},
	{ResourceComment, ActionDelete}: {PermDeleteFeedback},

	{ResourceDashboard, ActionRead}: {PermViewDashboard},
	{ResourceAnalytics, ActionRead}: {PermViewAnalytics},

	{ResourceOrganization, ActionRead}:   {PermViewDashboard},
	{ResourceOrganization, ActionUpdate}: {PermManageOrganization},
	{ResourceOrganization, ActionDelete}: {PermDeleteOrganization},

	{ResourceUser, ActionRead}:   {PermManageUsers},
	{ResourceUser, ActionInvite}: {PermInviteUsers},
	{ResourceUser, ActionUpdate}: {PermManageUsers},
	{ResourceUser, ActionDelete}: {PermManageUsers},

	{ResourceBilling, ActionRead}:   {PermManageBilling},
	{ResourceBilling, ActionUpdate}: {PermManageBilling},

	{ResourceAPIKey, ActionRead}:   {PermManageAPIKeys},
	{ResourceAPIKey, ActionCreate}: {PermManageAPIKeys},
	{ResourceAPIKey, ActionDelete}: {PermManageAPIKeys},

	{ResourceAuditLog, ActionRead}: {PermViewAuditLog},
}

// RequiredPermissionsFor returns the permissions needed for action on
// resource. The second result is false for pairs missing from the table.
func RequiredPermissionsFor(resource, action string) ([]Permission, bool) {
	perms, ok := actionPermissions[actionKey{resource: resource, action: action}]
	if !ok {
		return nil, false
	}
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out, true
}
