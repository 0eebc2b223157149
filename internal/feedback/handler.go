package feedback

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/feedlane/feedlane/internal/platform/httpx"
	"github.com/feedlane/feedlane/internal/rbac"
	"github.com/feedlane/feedlane/internal/shared"
)

const idempotencyModule = "feedback"

// Idempotency guards POST against replays of the same Idempotency-Key.
type Idempotency interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// Handler serves the feedback routes of an organization.
type Handler struct {
	repo   Repository
	authz  rbac.Authorizer
	idem   Idempotency
	logger *slog.Logger
}

// NewHandler constructs the handler. idem may be nil.
func NewHandler(repo Repository, authz rbac.Authorizer, idem Idempotency, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{repo: repo, authz: authz, idem: idem, logger: logger}
}

// MountRoutes registers the handler under an /orgs/{orgID} router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/feedback", func(r chi.Router) {
		r.With(rbac.WithRoute(rbac.RouteConfig{
			Scope:               rbac.ScopeOrganization,
			RequiredPermissions: []rbac.Permission{rbac.PermViewFeedback},
		}), h.authz.Authorize).Get("/", h.list)

		r.With(rbac.WithRoute(rbac.RouteConfig{
			Scope:               rbac.ScopeOrganization,
			RequiredPermissions: []rbac.Permission{rbac.PermCreateFeedback},
		}), h.authz.Authorize).Post("/", h.create)

		r.With(rbac.WithRoute(rbac.RouteConfig{
			Scope: rbac.ScopeOrganization,
			Resources: []rbac.ResourceAction{
				{Resource: rbac.ResourceFeedback, Action: rbac.ActionUpdate, IDParam: "feedbackID"},
			},
		}), h.authz.Authorize).Patch("/{feedbackID}", h.update)

		r.With(rbac.WithRoute(rbac.RouteConfig{
			Scope: rbac.ScopeOrganization,
			Resources: []rbac.ResourceAction{
				{Resource: rbac.ResourceFeedback, Action: rbac.ActionDelete, IDParam: "feedbackID"},
			},
		}), h.authz.Authorize).Delete("/{feedbackID}", h.delete)
	})
}

type listResponse struct {
	Success    bool              `json:"success"`
	Data       []Feedback        `json:"data"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, rbac.DefaultOrgParam)
	page, perPage := shared.PageFromRequest(r)
	offset := shared.NewPagination(page, perPage, 0).Offset()

	items, total, err := h.repo.List(r.Context(), orgID, perPage, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, listResponse{
		Success:    true,
		Data:       items,
		Pagination: shared.NewPagination(page, perPage, total),
	})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	principal, _ := rbac.PrincipalFromContext(r.Context())
	var in CreateInput
	if err := httpx.DecodeValid(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && h.idem != nil {
		if err := h.idem.CheckAndInsert(r.Context(), key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Fail(w, http.StatusConflict, "duplicate request")
				return
			}
			h.fail(w, r, err)
			return
		}
	}

	kind := in.Kind
	if kind == "" {
		kind = KindIdea
	}
	created, err := h.repo.Create(r.Context(), Feedback{
		OrganizationID: chi.URLParam(r, rbac.DefaultOrgParam),
		AuthorID:       principal.UserID,
		Title:          strings.TrimSpace(in.Title),
		Body:           in.Body,
		Kind:           kind,
		Status:         StatusOpen,
	})
	if err != nil {
		if key != "" && h.idem != nil {
			if derr := h.idem.Delete(r.Context(), key, idempotencyModule); derr != nil {
				h.logger.Warn("feedback: release idempotency key", slog.Any("error", derr))
			}
		}
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"success": true, "data": created})
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	var in UpdateInput
	if err := httpx.DecodeValid(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if in.Empty() {
		httpx.Fail(w, http.StatusBadRequest, "nothing to update")
		return
	}
	updated, err := h.repo.Update(r.Context(), chi.URLParam(r, rbac.DefaultOrgParam), chi.URLParam(r, "feedbackID"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true, "data": updated})
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Delete(r.Context(), chi.URLParam(r, rbac.DefaultOrgParam), chi.URLParam(r, "feedbackID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, httpx.ErrNotFound) && !errors.Is(err, httpx.ErrValidation) {
		h.logger.Error("feedback request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
