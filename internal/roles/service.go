package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/feedlane/feedlane/internal/platform/httpx"
	"github.com/feedlane/feedlane/internal/rbac"
	"github.com/feedlane/feedlane/internal/shared"
)

var (
	// ErrSelfAssignment rejects changing one's own role.
	ErrSelfAssignment = fmt.Errorf("cannot change your own role: %w", httpx.ErrForbidden)
	// ErrRoleEscalation rejects granting or revoking above the actor's level.
	ErrRoleEscalation = fmt.Errorf("role change exceeds your own role: %w", httpx.ErrForbidden)
)

// RoleWriter persists role assignments. *rbac.PostgresDirectory implements it.
type RoleWriter interface {
	SetRole(ctx context.Context, userID, orgID string, role rbac.Role) error
}

// AuditTrail records and lists role changes. *shared.AuditLogger implements it.
type AuditTrail interface {
	Record(ctx context.Context, log shared.AuditLog) error
	List(ctx context.Context, orgID string, limit, offset int) ([]shared.AuditLog, error)
}

// InvalidationQueue defers cache invalidation to the worker. *jobs.Client
// implements it.
type InvalidationQueue interface {
	EnqueueInvalidate(ctx context.Context, userID, orgID string) (*asynq.TaskInfo, error)
}

// Service handles membership role management.
type Service struct {
	engine *rbac.Engine
	roles  RoleWriter
	audit  AuditTrail
	queue  InvalidationQueue
	logger *slog.Logger
}

// NewService builds Service instance. audit and queue may be nil.
func NewService(engine *rbac.Engine, roles RoleWriter, audit AuditTrail, queue InvalidationQueue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{engine: engine, roles: roles, audit: audit, queue: queue, logger: logger}
}

// Permissions summarises the caller's permissions in orgID.
func (s *Service) Permissions(ctx context.Context, userID, orgID string) PermissionSummary {
	perms := s.engine.GetUserPermissions(ctx, userID, orgID)
	summary := PermissionSummary{
		UserID:         userID,
		OrganizationID: orgID,
		Permissions:    perms.Permissions,
		Roles:          perms.Roles,
	}
	if highest, ok := s.engine.GetUserHighestRole(ctx, userID, orgID); ok {
		summary.HighestRole = highest
	}
	return summary
}

// MembersWithPermission lists the members of orgID holding perm.
func (s *Service) MembersWithPermission(ctx context.Context, orgID string, perm rbac.Permission) []string {
	return s.engine.GetUsersWithPermission(ctx, orgID, perm)
}

// AssignRole sets the role of userID in orgID on behalf of actorID, records
// the change and schedules invalidation of the cached permissions.
func (s *Service) AssignRole(ctx context.Context, actorID, orgID, userID string, role rbac.Role) (Assignment, error) {
	if actorID == userID {
		return Assignment{}, ErrSelfAssignment
	}
	actorRole, ok := s.engine.GetUserHighestRole(ctx, actorID, orgID)
	if !ok || rbac.IsHigherRole(role, actorRole) {
		return Assignment{}, ErrRoleEscalation
	}
	previous, hadRole := s.engine.GetUserHighestRole(ctx, userID, orgID)
	if hadRole && rbac.IsHigherRole(previous, actorRole) {
		return Assignment{}, ErrRoleEscalation
	}

	if err := s.roles.SetRole(ctx, userID, orgID, role); err != nil {
		if errors.Is(err, rbac.ErrNotFound) {
			return Assignment{}, fmt.Errorf("user %s: %w", userID, httpx.ErrNotFound)
		}
		return Assignment{}, err
	}
	assignment := Assignment{UserID: userID, OrganizationID: orgID, Role: role, Previous: previous}

	if s.audit != nil {
		err := s.audit.Record(ctx, shared.AuditLog{
			OrganizationID: orgID,
			ActorID:        actorID,
			Action:         "role.assign",
			Entity:         "membership",
			EntityID:       userID,
			Meta:           map[string]any{"from": string(previous), "to": string(role)},
		})
		if err != nil {
			s.logger.Warn("roles: audit record failed", slog.String("org_id", orgID), slog.Any("error", err))
		}
	}
	s.invalidate(ctx, userID, orgID)
	return assignment, nil
}

func (s *Service) invalidate(ctx context.Context, userID, orgID string) {
	if s.queue != nil {
		_, err := s.queue.EnqueueInvalidate(ctx, userID, orgID)
		if err == nil {
			return
		}
		s.logger.Warn("roles: enqueue invalidation failed, invalidating in process",
			slog.String("user_id", userID), slog.String("org_id", orgID), slog.Any("error", err))
	}
	s.engine.InvalidateUserPermissionsAsync(userID, orgID)
}

// AuditLog lists recorded changes of orgID, newest first.
func (s *Service) AuditLog(ctx context.Context, orgID string, limit, offset int) ([]shared.AuditLog, error) {
	if s.audit == nil {
		return []shared.AuditLog{}, nil
	}
	return s.audit.List(ctx, orgID, limit, offset)
}
