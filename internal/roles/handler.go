package roles

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/feedlane/feedlane/internal/platform/httpx"
	"github.com/feedlane/feedlane/internal/rbac"
	"github.com/feedlane/feedlane/internal/shared"
)

// Handler manages membership and role endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	authz   rbac.Authorizer
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, authz rbac.Authorizer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, authz: authz}
}

// MountSelfRoutes registers routes about the caller under /api.
func (h *Handler) MountSelfRoutes(r chi.Router) {
	r.With(rbac.WithRoute(rbac.RouteConfig{Scope: rbac.ScopeAuthenticated}), h.authz.Authorize).
		Get("/me/permissions", h.myPermissions)
}

// MountRoutes registers organization routes under /orgs/{orgID}.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(rbac.WithRoute(rbac.RouteConfig{
			Scope:               rbac.ScopeOrganization,
			RequiredPermissions: []rbac.Permission{rbac.PermManageUsers},
		}), h.authz.Authorize)
		r.Get("/members/with/{permission}", h.membersWithPermission)
		r.Put("/members/{userID}/role", h.assignRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(rbac.WithRoute(rbac.RouteConfig{
			Scope:     rbac.ScopeOrganization,
			Resources: []rbac.ResourceAction{{Resource: rbac.ResourceAuditLog, Action: rbac.ActionRead}},
		}), h.authz.Authorize)
		r.Get("/audit-log", h.auditLog)
	})
}

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	principal, _ := rbac.PrincipalFromContext(r.Context())
	orgID := strings.TrimSpace(r.URL.Query().Get("org"))
	if orgID == "" {
		orgID = principal.OrganizationID
	}
	summary := h.service.Permissions(r.Context(), principal.UserID, orgID)
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true, "data": summary})
}

func (h *Handler) membersWithPermission(w http.ResponseWriter, r *http.Request) {
	perm := rbac.Permission(strings.ToLower(strings.TrimSpace(chi.URLParam(r, "permission"))))
	if !slices.Contains(rbac.AllPermissions(), perm) {
		httpx.Fail(w, http.StatusBadRequest, "unknown permission")
		return
	}
	users := h.service.MembersWithPermission(r.Context(), chi.URLParam(r, rbac.DefaultOrgParam), perm)
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true, "data": users})
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	principal, _ := rbac.PrincipalFromContext(r.Context())
	var in AssignRoleInput
	if err := httpx.DecodeValid(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	orgID := chi.URLParam(r, rbac.DefaultOrgParam)
	userID := chi.URLParam(r, "userID")
	assignment, err := h.service.AssignRole(r.Context(), principal.UserID, orgID, userID, rbac.Role(in.Role))
	if err != nil {
		if !isClientError(err) {
			h.logger.Error("assign role", slog.String("org_id", orgID), slog.String("user_id", userID), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("role assigned",
		slog.String("org_id", orgID),
		slog.String("actor_id", principal.UserID),
		slog.String("user_id", userID),
		slog.String("role", string(assignment.Role)))
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true, "data": assignment})
}

func (h *Handler) auditLog(w http.ResponseWriter, r *http.Request) {
	page, perPage := shared.PageFromRequest(r)
	p := shared.NewPagination(page, perPage, 0)
	entries, err := h.service.AuditLog(r.Context(), chi.URLParam(r, rbac.DefaultOrgParam), p.PerPage, p.Offset())
	if err != nil {
		h.logger.Error("list audit log", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true, "data": entries, "page": p.Page, "perPage": p.PerPage})
}

func isClientError(err error) bool {
	return errors.Is(err, httpx.ErrForbidden) || errors.Is(err, httpx.ErrNotFound) || errors.Is(err, httpx.ErrValidation)
}
