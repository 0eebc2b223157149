package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// DefaultOperationTimeout bounds every cache and directory round-trip.
const DefaultOperationTimeout = 2 * time.Second

const tracerName = "github.com/feedlane/feedlane/internal/rbac"

// Recorder receives authorization outcomes for metrics.
type Recorder interface {
	PermissionCacheResult(result string)
	AuthzDecision(decision, scope string)
}

type nopRecorder struct{}

func (nopRecorder) PermissionCacheResult(string) {}
func (nopRecorder) AuthzDecision(string, string) {}

// EngineConfig groups the collaborators of an Engine.
type EngineConfig struct {
	Directory        Directory
	Resources        ResourceRepository
	Cache            *PermissionCache
	Logger           *slog.Logger
	Recorder         Recorder
	OperationTimeout time.Duration
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Engine resolves permissions and answers authorization questions. Every
// public method fails closed: errors are logged and turned into an empty
// set, a denial or false.
type Engine struct {
	directory Directory
	resources ResourceRepository
	cache     *PermissionCache
	logger    *slog.Logger
	recorder  Recorder
	timeout   time.Duration
	tracer    trace.Tracer
	group     singleflight.Group
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Engine{
		directory: cfg.Directory,
		resources: cfg.Resources,
		cache:     cfg.Cache,
		logger:    logger,
		recorder:  recorder,
		timeout:   timeout,
		tracer:    tp.Tracer(tracerName),
	}
}

// ActionOptions carries the optional inputs of CanPerformAction.
type ActionOptions struct {
	ResourceID string
	// Scope defaults to ScopeOrganization.
	Scope    Scope
	Metadata RequestMetadata
}

// GetUserPermissions returns the permission set of a user in an
// organization, reading through the cache.
func (e *Engine) GetUserPermissions(ctx context.Context, userID, orgID string) UserPermissions {
	ctx, span := e.tracer.Start(ctx, "rbac.GetUserPermissions", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("org.id", orgID),
	))
	defer span.End()

	if userID == "" || ctx.Err() != nil {
		return emptyPermissions()
	}
	if e.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, e.timeout)
		entry, ok, err := e.cache.Get(cctx, userID, orgID)
		cancel()
		switch {
		case err != nil:
			e.recorder.PermissionCacheResult("error")
			e.logger.Warn("rbac: permission cache read failed",
				slog.String("user_id", userID), slog.String("org_id", orgID), slog.Any("error", err))
		case ok:
			e.recorder.PermissionCacheResult("hit")
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return UserPermissions{Permissions: entry.Permissions, Roles: entry.Roles}
		default:
			e.recorder.PermissionCacheResult("miss")
		}
	}

	ch := e.group.DoChan(permissionKey(userID, orgID), func() (v interface{}, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("rbac: permission resolution panicked: %v", rec)
			}
		}()
		return e.resolve(context.WithoutCancel(ctx), userID, orgID)
	})
	select {
	case <-ctx.Done():
		e.logger.Warn("rbac: permission resolution abandoned",
			slog.String("user_id", userID), slog.String("org_id", orgID), slog.Any("error", ctx.Err()))
		return emptyPermissions()
	case res := <-ch:
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, "directory lookup failed")
			e.logger.Error("rbac: directory lookup failed",
				slog.String("user_id", userID), slog.String("org_id", orgID), slog.Any("error", res.Err))
			return emptyPermissions()
		}
		return res.Val.(UserPermissions)
	}
}

func (e *Engine) resolve(ctx context.Context, userID, orgID string) (UserPermissions, error) {
	if e.directory == nil {
		return UserPermissions{}, errors.New("rbac: directory not configured")
	}
	dctx, cancel := context.WithTimeout(ctx, e.timeout)
	assignment, err := e.directory.Lookup(dctx, userID, orgID)
	cancel()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return UserPermissions{}, err
	}

	perms := emptyPermissions()
	if assignment != nil {
		perms = UserPermissions{
			Permissions: RolePermissions(assignment.Role),
			Roles:       []Role{assignment.Role},
		}
	}

	if e.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, e.timeout)
		_, err := e.cache.Set(cctx, userID, orgID, perms)
		cancel()
		if err != nil {
			e.logger.Warn("rbac: permission cache write failed",
				slog.String("user_id", userID), slog.String("org_id", orgID), slog.Any("error", err))
		}
	}
	return perms, nil
}

// HasRequiredPermissions evaluates the scope gate and then checks that
// every required permission is held.
func (e *Engine) HasRequiredPermissions(ctx context.Context, uc UserContext, required []Permission) CheckResult {
	result := CheckResult{RequiredPermissions: required, Scope: uc.Scope}

	switch {
	case uc.Scope == ScopePublic:
		result.Granted = true
		result.Reason = ReasonPublic
		return result
	case uc.Scope == ScopeAuthenticated && len(required) == 0:
		result.Granted = true
		result.Reason = ReasonAuthenticated
		return result
	case uc.Scope.RequiresOrganization() && uc.OrganizationID == "":
		result.Reason = ReasonOrganizationRequired
		return result
	}

	perms := e.GetUserPermissions(ctx, uc.UserID, uc.OrganizationID)
	result.UserPermissions = perms.Permissions
	result.UserRoles = perms.Roles
	if perms.Has(required...) {
		result.Granted = true
		result.Reason = ReasonGranted
		return result
	}
	result.Reason = ReasonInsufficient
	return result
}

// CanPerformAction checks action on resource. Updates and deletes of a
// resource the caller owns are granted without consulting permissions.
func (e *Engine) CanPerformAction(ctx context.Context, userID, orgID, resource, action string, opts ActionOptions) CheckResult {
	scope := opts.Scope
	if scope == "" {
		scope = ScopeOrganization
	}
	required, ok := RequiredPermissionsFor(resource, action)
	if !ok {
		e.logger.Warn("rbac: unknown resource action",
			slog.String("resource", resource), slog.String("action", action))
		return CheckResult{Reason: ReasonUnknownAction, Scope: scope}
	}

	if (action == ActionUpdate || action == ActionDelete) && opts.ResourceID != "" {
		if e.IsResourceOwner(ctx, userID, resource, opts.ResourceID) {
			return CheckResult{
				Granted:             true,
				Reason:              ReasonResourceOwner,
				RequiredPermissions: required,
				Scope:               scope,
			}
		}
	}

	return e.HasRequiredPermissions(ctx, UserContext{
		UserID:         userID,
		OrganizationID: orgID,
		Scope:          scope,
		Metadata:       opts.Metadata,
	}, required)
}

// IsResourceOwner reports whether userID owns the resource.
func (e *Engine) IsResourceOwner(ctx context.Context, userID, resourceType, resourceID string) bool {
	if userID == "" || resourceID == "" {
		return false
	}
	ctx, span := e.tracer.Start(ctx, "rbac.IsResourceOwner", trace.WithAttributes(
		attribute.String("resource.type", resourceType),
		attribute.String("resource.id", resourceID),
	))
	defer span.End()

	lctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	switch resourceType {
	case ResourceOrganization:
		if e.directory == nil {
			return false
		}
		assignment, err := e.directory.Lookup(lctx, userID, resourceID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				e.logger.Error("rbac: organization owner lookup failed",
					slog.String("user_id", userID), slog.String("org_id", resourceID), slog.Any("error", err))
			}
			return false
		}
		return assignment.Role == RoleOwner
	case ResourceFeedback, ResourceComment:
		if e.resources == nil {
			return false
		}
		owner, err := e.resources.OwnerOf(lctx, resourceType, resourceID)
		if err != nil {
			if errors.Is(err, ErrUnknownResourceType) {
				e.logger.Warn("rbac: ownership unsupported", slog.String("resource", resourceType))
			} else if !errors.Is(err, ErrNotFound) {
				e.logger.Error("rbac: resource owner lookup failed",
					slog.String("resource", resourceType), slog.String("resource_id", resourceID), slog.Any("error", err))
			}
			return false
		}
		return owner == userID
	default:
		e.logger.Warn("rbac: ownership unsupported", slog.String("resource", resourceType))
		return false
	}
}

// HasRequiredRole reports whether the user holds required or a more senior role.
func (e *Engine) HasRequiredRole(ctx context.Context, userID, orgID string, required Role) bool {
	perms := e.GetUserPermissions(ctx, userID, orgID)
	for _, r := range perms.Roles {
		if r.Level() >= required.Level() {
			return true
		}
	}
	return false
}

// GetUserHighestRole returns the most senior role the user holds.
func (e *Engine) GetUserHighestRole(ctx context.Context, userID, orgID string) (Role, bool) {
	perms := e.GetUserPermissions(ctx, userID, orgID)
	if len(perms.Roles) == 0 {
		return "", false
	}
	highest := perms.Roles[0]
	for _, r := range perms.Roles[1:] {
		if IsHigherRole(r, highest) {
			highest = r
		}
	}
	return highest, true
}

// GetUsersWithPermission lists members of orgID whose role grants perm.
func (e *Engine) GetUsersWithPermission(ctx context.Context, orgID string, perm Permission) []string {
	if e.directory == nil || orgID == "" {
		return []string{}
	}
	lctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	members, err := e.directory.ListMembers(lctx, orgID)
	if err != nil {
		e.logger.Error("rbac: list members failed", slog.String("org_id", orgID), slog.Any("error", err))
		return []string{}
	}
	users := make([]string, 0, len(members))
	for _, m := range members {
		granted := UserPermissions{Permissions: RolePermissions(m.Role)}
		if granted.Has(perm) {
			users = append(users, m.UserID)
		}
	}
	return users
}

// InvalidateUserPermissions drops cached permissions for the user. An
// empty orgID drops every organization of the user.
func (e *Engine) InvalidateUserPermissions(ctx context.Context, userID, orgID string) {
	if e.cache == nil || userID == "" {
		return
	}
	ictx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.cache.Invalidate(ictx, userID, orgID); err != nil {
		e.logger.Warn("rbac: invalidate permissions failed",
			slog.String("user_id", userID), slog.String("org_id", orgID), slog.Any("error", err))
		return
	}
	e.logger.Debug("rbac: permissions invalidated", slog.String("user_id", userID), slog.String("org_id", orgID))
}

// InvalidateUserPermissionsAsync runs the invalidation in the background.
// Staleness is bounded by the cache TTL if it fails.
func (e *Engine) InvalidateUserPermissionsAsync(userID, orgID string) {
	go e.InvalidateUserPermissions(context.Background(), userID, orgID)
}

func emptyPermissions() UserPermissions {
	return UserPermissions{Permissions: []Permission{}, Roles: []Role{}}
}
