package rbac

import (
	"sort"
	"strings"
	"time"
)

// Role represents a named position in the organization hierarchy.
type Role string

// Known roles, most senior first.
const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleMember   Role = "member"
	RoleViewer   Role = "viewer"
	RoleExternal Role = "external"
	RoleAPI      Role = "api"
)

var roleLevels = map[Role]int{
	RoleOwner:    5,
	RoleAdmin:    4,
	RoleManager:  3,
	RoleMember:   2,
	RoleViewer:   1,
	RoleExternal: 0,
	RoleAPI:      0,
}

// Level returns the hierarchy level. Unknown roles sit at the bottom.
func (r Role) Level() int {
	return roleLevels[r]
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := roleLevels[r]
	return ok
}

func (r Role) String() string {
	return string(r)
}

// ParseRole normalizes a stored role name. Unknown or empty values map to
// RoleExternal so that a bad row never grants more than nothing.
func ParseRole(s string) Role {
	role := Role(strings.TrimSpace(strings.ToLower(s)))
	if !role.Valid() {
		return RoleExternal
	}
	return role
}

// IsHigherRole reports whether a is strictly senior to b.
func IsHigherRole(a, b Role) bool {
	return a.Level() > b.Level()
}

// AllRoles lists every known role ordered from most to least senior.
func AllRoles() []Role {
	roles := make([]Role, 0, len(roleLevels))
	for r := range roleLevels {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].Level() != roles[j].Level() {
			return roles[i].Level() > roles[j].Level()
		}
		return roles[i] < roles[j]
	})
	return roles
}

// Scope is the coarse gate evaluated before any permission check.
type Scope string

// Supported scopes.
const (
	ScopePublic        Scope = "public"
	ScopeAuthenticated Scope = "authenticated"
	ScopeOrganization  Scope = "organization"
	ScopeSystem        Scope = "system"
)

// RequiresOrganization reports whether the scope needs an organization context.
func (s Scope) RequiresOrganization() bool {
	return s == ScopeOrganization || s == ScopeSystem
}

// RoleAssignment is the directory's answer for a (user, organization) pair.
type RoleAssignment struct {
	UserID         string
	OrganizationID string
	Role           Role
	AssignedAt     time.Time
}

// Principal describes the authenticated actor attached to a request.
type Principal struct {
	UserID         string
	OrganizationID string
}

// RequestMetadata carries request attributes used for decision logging.
type RequestMetadata struct {
	Path       string
	Method     string
	RequestID  string
	RemoteAddr string
}

// UserContext is built once per request and passed by value.
type UserContext struct {
	UserID         string
	OrganizationID string
	Scope          Scope
	Metadata       RequestMetadata
}

// UserPermissions is the resolved permission set of a user in an organization.
type UserPermissions struct {
	Permissions []Permission
	Roles       []Role
}

// Has reports whether every permission in required is present.
func (u UserPermissions) Has(required ...Permission) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[Permission]struct{}, len(u.Permissions))
	for _, p := range u.Permissions {
		set[p] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// CachedPermissions is the record stored in the permission cache. Writes
// always replace the whole record.
type CachedPermissions struct {
	Permissions    []Permission `json:"permissions"`
	Roles          []Role       `json:"roles"`
	OrganizationID string       `json:"organizationId,omitempty"`
	CachedAt       time.Time    `json:"cachedAt"`
	ExpiresAt      time.Time    `json:"expiresAt"`
}

// Expired reports whether the record must no longer be read.
func (c CachedPermissions) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// CheckResult is the immutable verdict of a permission check.
type CheckResult struct {
	Granted             bool         `json:"granted"`
	Reason              string       `json:"reason"`
	RequiredPermissions []Permission `json:"requiredPermissions,omitempty"`
	UserPermissions     []Permission `json:"userPermissions,omitempty"`
	UserRoles           []Role       `json:"userRoles,omitempty"`
	Scope               Scope        `json:"scope,omitempty"`
}

// Decision reasons.
const (
	ReasonPublic               = "Public endpoint"
	ReasonAuthenticated        = "Authenticated access"
	ReasonOrganizationRequired = "organization context required"
	ReasonInsufficient         = "Insufficient permissions"
	ReasonGranted              = "Permission granted"
	ReasonResourceOwner        = "Resource owner"
	ReasonUnknownAction        = "unknown resource action"
	ReasonUnauthenticated      = "Authentication required"
	ReasonInternal             = "authorization unavailable"
)

// ResourceAction names an operation on a resource type.
type ResourceAction struct {
	Resource string
	Action   string
	// IDParam is the chi URL parameter carrying the resource ID, if any.
	IDParam string
}

// RouteConfig is the metadata attached to a route before authorization runs.
type RouteConfig struct {
	Scope               Scope
	RequiredPermissions []Permission
	Resources           []ResourceAction
}
