package roles

import "github.com/feedlane/feedlane/internal/rbac"

// Assignment is the outcome of a role change.
type Assignment struct {
	UserID         string    `json:"userId"`
	OrganizationID string    `json:"organizationId"`
	Role           rbac.Role `json:"role"`
	Previous       rbac.Role `json:"previousRole,omitempty"`
}

// AssignRoleInput is the payload of PUT /members/{userID}/role.
type AssignRoleInput struct {
	Role string `json:"role" validate:"required,oneof=owner admin manager member viewer"`
}

// PermissionSummary describes what the caller may do in an organization.
type PermissionSummary struct {
	UserID         string            `json:"userId"`
	OrganizationID string            `json:"organizationId,omitempty"`
	Permissions    []rbac.Permission `json:"permissions"`
	Roles          []rbac.Role       `json:"roles"`
	HighestRole    rbac.Role         `json:"highestRole,omitempty"`
}
