package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/feedlane/feedlane/internal/feedback"
	"github.com/feedlane/feedlane/internal/observability"
	"github.com/feedlane/feedlane/internal/platform/httpx"
	"github.com/feedlane/feedlane/internal/rbac"
	"github.com/feedlane/feedlane/internal/roles"
	"github.com/feedlane/feedlane/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	Security        *Security
	FeedbackHandler *feedback.Handler
	RolesHandler    *roles.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with feedlane defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()
	sec := params.Security

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: sec.Sessions,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		// Issuing a token cannot itself require one.
		r.With(rbac.WithRoute(rbac.RouteConfig{Scope: rbac.ScopePublic}), sec.Authorizer.Authorize).
			Get("/csrf-token", sec.CSRFHTTP.IssueToken)

		r.Group(func(r chi.Router) {
			r.Use(sec.CSRFHTTP.Protect)

			r.With(rbac.WithRoute(rbac.RouteConfig{Scope: rbac.ScopeAuthenticated}), sec.Authorizer.Authorize).
				Delete("/csrf-token", sec.CSRFHTTP.RevokeToken)

			if params.RolesHandler != nil {
				params.RolesHandler.MountSelfRoutes(r)
			}
			if params.JobHandler != nil {
				r.With(rbac.WithRoute(rbac.RouteConfig{Scope: rbac.ScopeAuthenticated}), sec.Authorizer.Authorize).
					Route("/jobs", params.JobHandler.MountRoutes)
			}
			r.Route("/orgs/{orgID}", func(r chi.Router) {
				if params.FeedbackHandler != nil {
					params.FeedbackHandler.MountRoutes(r)
				}
				if params.RolesHandler != nil {
					params.RolesHandler.MountRoutes(r)
				}
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httpx.Fail(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httpx.Fail(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}
