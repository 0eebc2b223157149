package rbac

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/feedlane/feedlane/internal/platform/httpx"
)

// DefaultOrgParam is the chi URL parameter carrying the organization ID.
const DefaultOrgParam = "orgID"

// Authorizer turns route metadata into allow/deny decisions for HTTP handlers.
type Authorizer struct {
	Engine   *Engine
	Logger   *slog.Logger
	Recorder Recorder
	// RedactDenials removes the caller's permission set from 403 payloads.
	RedactDenials bool
	// OrgParam overrides DefaultOrgParam.
	OrgParam string
}

// Denial is the JSON payload written for 401 and 403 outcomes.
type Denial struct {
	Success             bool         `json:"success"`
	Error               string       `json:"error"`
	RequiredPermissions []Permission `json:"requiredPermissions,omitempty"`
	UserPermissions     []Permission `json:"userPermissions,omitempty"`
	Scope               Scope        `json:"scope,omitempty"`
}

type outcome struct {
	status int
	result CheckResult
	uc     UserContext
}

// Authorize enforces the RouteConfig attached with WithRoute. Requests
// without route metadata are treated as authenticated-only.
func (a Authorizer) Authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg, ok := RouteFromContext(r.Context())
		if !ok {
			cfg = RouteConfig{Scope: ScopeAuthenticated}
		}
		a.serve(w, r, cfg, next)
	})
}

// Require enforces cfg regardless of any metadata attached to the route.
func (a Authorizer) Require(cfg RouteConfig) func(http.Handler) http.Handler {
	cfg.RequiredPermissions = normalizePermissions(cfg.RequiredPermissions)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a.serve(w, r, cfg, next)
		})
	}
}

func (a Authorizer) serve(w http.ResponseWriter, r *http.Request, cfg RouteConfig, next http.Handler) {
	if cfg.Scope == "" {
		cfg.Scope = ScopeAuthenticated
	}
	out := a.decide(r, cfg)
	a.recorder().AuthzDecision(decisionLabel(out.status), string(cfg.Scope))
	if out.status == http.StatusOK {
		next.ServeHTTP(w, r)
		return
	}
	payload := Denial{Success: false, Error: out.result.Reason}
	if out.status == http.StatusForbidden {
		payload.RequiredPermissions = out.result.RequiredPermissions
		payload.Scope = out.result.Scope
		if !a.RedactDenials {
			payload.UserPermissions = out.result.UserPermissions
		}
	}
	httpx.JSON(w, out.status, payload)
}

func (a Authorizer) decide(r *http.Request, cfg RouteConfig) (out outcome) {
	logger := a.logger()
	meta := RequestMetadata{
		Path:       r.URL.Path,
		Method:     r.Method,
		RequestID:  middleware.GetReqID(r.Context()),
		RemoteAddr: r.RemoteAddr,
	}
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("authz: decision panicked",
				slog.String("path", meta.Path), slog.String("method", meta.Method), slog.Any("panic", fmt.Sprint(rec)))
			out = outcome{status: http.StatusForbidden, result: CheckResult{Reason: ReasonInternal, Scope: cfg.Scope}}
		}
	}()

	if cfg.Scope == ScopePublic {
		logger.Debug("authz: allow public", slog.String("path", meta.Path), slog.String("method", meta.Method))
		return outcome{status: http.StatusOK, result: CheckResult{Granted: true, Reason: ReasonPublic, Scope: cfg.Scope}}
	}

	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		logger.Info("authz: deny unauthenticated",
			slog.String("path", meta.Path), slog.String("method", meta.Method), slog.String("scope", string(cfg.Scope)))
		return outcome{status: http.StatusUnauthorized, result: CheckResult{Reason: ReasonUnauthenticated, Scope: cfg.Scope}}
	}

	uc := UserContext{
		UserID:         principal.UserID,
		OrganizationID: a.organizationID(r, principal),
		Scope:          cfg.Scope,
		Metadata:       meta,
	}
	ctx := r.Context()

	result := a.Engine.HasRequiredPermissions(ctx, uc, cfg.RequiredPermissions)
	if !result.Granted {
		a.logDecision(logger, "authz: deny", uc, result)
		return outcome{status: http.StatusForbidden, result: result, uc: uc}
	}

	for _, ra := range cfg.Resources {
		actionResult := a.Engine.CanPerformAction(ctx, uc.UserID, uc.OrganizationID, ra.Resource, ra.Action, ActionOptions{
			ResourceID: resourceID(r, ra.IDParam),
			Scope:      uc.Scope,
			Metadata:   meta,
		})
		if !actionResult.Granted {
			a.logDecision(logger, "authz: deny action", uc, actionResult,
				slog.String("resource", ra.Resource), slog.String("action", ra.Action))
			return outcome{status: http.StatusForbidden, result: actionResult, uc: uc}
		}
		result = actionResult
	}

	a.logDecision(logger, "authz: allow", uc, result)
	return outcome{status: http.StatusOK, result: result, uc: uc}
}

func (a Authorizer) logDecision(logger *slog.Logger, msg string, uc UserContext, result CheckResult, extra ...any) {
	attrs := []any{
		slog.String("user_id", uc.UserID),
		slog.String("org_id", uc.OrganizationID),
		slog.String("path", uc.Metadata.Path),
		slog.String("method", uc.Metadata.Method),
		slog.String("request_id", uc.Metadata.RequestID),
		slog.String("scope", string(uc.Scope)),
		slog.String("reason", result.Reason),
		slog.Any("required", result.RequiredPermissions),
		slog.Any("granted", result.UserPermissions),
	}
	attrs = append(attrs, extra...)
	if result.Granted {
		logger.Debug(msg, attrs...)
		return
	}
	logger.Info(msg, attrs...)
}

func (a Authorizer) organizationID(r *http.Request, p Principal) string {
	return RequestOrganizationID(r, a.OrgParam, p)
}

// RequestOrganizationID returns the organization a request targets: the
// param URL parameter (DefaultOrgParam when empty) if the route carries
// one, else the principal's active organization.
func RequestOrganizationID(r *http.Request, param string, p Principal) string {
	if param == "" {
		param = DefaultOrgParam
	}
	if id := strings.TrimSpace(chi.URLParam(r, param)); id != "" {
		return id
	}
	return p.OrganizationID
}

func (a Authorizer) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a Authorizer) recorder() Recorder {
	if a.Recorder != nil {
		return a.Recorder
	}
	return nopRecorder{}
}

func resourceID(r *http.Request, param string) string {
	if param == "" {
		return ""
	}
	return strings.TrimSpace(chi.URLParam(r, param))
}

func decisionLabel(status int) string {
	switch status {
	case http.StatusOK:
		return "allow"
	case http.StatusUnauthorized:
		return "unauthenticated"
	default:
		return "deny"
	}
}

// UserContextFor builds the per-request context outside of the middleware,
// for handlers that need to ask the engine directly.
func (a Authorizer) UserContextFor(r *http.Request, scope Scope) (UserContext, bool) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		return UserContext{}, false
	}
	return UserContext{
		UserID:         p.UserID,
		OrganizationID: a.organizationID(r, p),
		Scope:          scope,
		Metadata: RequestMetadata{
			Path:       r.URL.Path,
			Method:     r.Method,
			RequestID:  middleware.GetReqID(r.Context()),
			RemoteAddr: r.RemoteAddr,
		},
	}, true
}

func normalizePermissions(perms []Permission) []Permission {
	seen := make(map[Permission]struct{}, len(perms))
	normalized := make([]Permission, 0, len(perms))
	for _, p := range perms {
		p = Permission(strings.TrimSpace(strings.ToLower(string(p))))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
