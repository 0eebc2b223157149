package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedlane/feedlane/internal/platform/httpx"
	"github.com/feedlane/feedlane/internal/rbac"
	"github.com/feedlane/feedlane/internal/shared"
	_ "github.com/feedlane/feedlane/testing"
)

type mockRepository struct {
	mu        sync.Mutex
	items     map[string]Feedback
	nextID    int
	createErr error
	listErr   error
}

func newMockRepository() *mockRepository {
	return &mockRepository{items: map[string]Feedback{}}
}

func (m *mockRepository) List(_ context.Context, orgID string, limit, offset int) ([]Feedback, int, error) {
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Feedback
	for _, f := range m.items {
		if f.OrganizationID == orgID {
			all = append(all, f)
		}
	}
	total := len(all)
	if offset >= total {
		return []Feedback{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockRepository) Create(_ context.Context, f Feedback) (Feedback, error) {
	if m.createErr != nil {
		return Feedback{}, m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	f.ID = "fb-" + string(rune('0'+m.nextID))
	f.CreatedAt = time.Now()
	f.UpdatedAt = f.CreatedAt
	m.items[f.ID] = f
	return f, nil
}

func (m *mockRepository) Update(_ context.Context, orgID, id string, in UpdateInput) (Feedback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.items[id]
	if !ok || f.OrganizationID != orgID {
		return Feedback{}, httpx.ErrNotFound
	}
	if in.Title != nil {
		f.Title = *in.Title
	}
	if in.Body != nil {
		f.Body = *in.Body
	}
	if in.Status != nil {
		f.Status = *in.Status
	}
	m.items[id] = f
	return f, nil
}

func (m *mockRepository) Delete(_ context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.items[id]
	if !ok || f.OrganizationID != orgID {
		return httpx.ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *mockRepository) seed(f Feedback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[f.ID] = f
}

func (m *mockRepository) OwnerOf(_ context.Context, resourceType, resourceID string) (string, error) {
	if resourceType != rbac.ResourceFeedback {
		return "", rbac.ErrUnknownResourceType
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.items[resourceID]
	if !ok {
		return "", rbac.ErrNotFound
	}
	return f.AuthorID, nil
}

type stubDirectory map[string]rbac.Role

func (d stubDirectory) Lookup(_ context.Context, userID, orgID string) (*rbac.RoleAssignment, error) {
	role, ok := d[userID+"|"+orgID]
	if !ok {
		return nil, rbac.ErrNotFound
	}
	return &rbac.RoleAssignment{UserID: userID, OrganizationID: orgID, Role: role}, nil
}

func (d stubDirectory) ListMembers(context.Context, string) ([]rbac.RoleAssignment, error) {
	return nil, nil
}

type fixture struct {
	repo   *mockRepository
	mr     *miniredis.Miniredis
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMockRepository()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	dir := stubDirectory{
		"viewer|org-1":  rbac.RoleViewer,
		"member|org-1":  rbac.RoleMember,
		"member2|org-1": rbac.RoleMember,
		"manager|org-1": rbac.RoleManager,
	}
	engine := rbac.NewEngine(rbac.EngineConfig{Directory: dir, Resources: repo})
	h := NewHandler(repo, rbac.Authorizer{Engine: engine}, shared.NewIdempotencyStore(client, time.Hour), nil)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if user := req.Header.Get("X-Test-User"); user != "" {
				req = req.WithContext(rbac.ContextWithPrincipal(req.Context(), rbac.Principal{UserID: user}))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/api/orgs/{orgID}", h.MountRoutes)
	return &fixture{repo: repo, mr: mr, router: r}
}

func (f *fixture) do(method, path, user, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, req)
	return res
}

func TestListPaginates(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b", "c"} {
		f.repo.seed(Feedback{ID: id, OrganizationID: "org-1", AuthorID: "member", Title: "item " + id})
	}
	f.repo.seed(Feedback{ID: "z", OrganizationID: "org-2", AuthorID: "member", Title: "elsewhere"})

	res := f.do(http.MethodGet, "/api/orgs/org-1/feedback/?per_page=2", "viewer", "")
	require.Equal(t, http.StatusOK, res.Code)

	var body listResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Len(t, body.Data, 2)
	assert.Equal(t, shared.Pagination{Page: 1, PerPage: 2, Total: 3, TotalPages: 2}, body.Pagination)
}

func TestListRequiresMembership(t *testing.T) {
	f := newFixture(t)
	res := f.do(http.MethodGet, "/api/orgs/org-2/feedback/", "viewer", "")
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = f.do(http.MethodGet, "/api/orgs/org-1/feedback/", "", "")
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestListRepositoryFailure(t *testing.T) {
	f := newFixture(t)
	f.repo.listErr = errors.New("db down")
	res := f.do(http.MethodGet, "/api/orgs/org-1/feedback/", "viewer", "")
	assert.Equal(t, http.StatusInternalServerError, res.Code)
	assert.NotContains(t, res.Body.String(), "db down")
}

func TestCreateUsesPrincipalAsAuthor(t *testing.T) {
	f := newFixture(t)
	res := f.do(http.MethodPost, "/api/orgs/org-1/feedback/", "member", `{"title":"Dark mode","body":"please"}`)
	require.Equal(t, http.StatusCreated, res.Code)

	var body struct {
		Data Feedback `json:"data"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.Equal(t, "member", body.Data.AuthorID)
	assert.Equal(t, "org-1", body.Data.OrganizationID)
	assert.Equal(t, KindIdea, body.Data.Kind)
	assert.Equal(t, StatusOpen, body.Data.Status)
}

func TestCreateDeniedForViewer(t *testing.T) {
	f := newFixture(t)
	res := f.do(http.MethodPost, "/api/orgs/org-1/feedback/", "viewer", `{"title":"Dark mode"}`)
	require.Equal(t, http.StatusForbidden, res.Code)

	var denial rbac.Denial
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &denial))
	assert.Equal(t, []rbac.Permission{rbac.PermCreateFeedback}, denial.RequiredPermissions)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	res := f.do(http.MethodPost, "/api/orgs/org-1/feedback/", "member", `{"title":"x","kind":"rant"}`)
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)

	var body httpx.ErrorBody
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.Equal(t, "min", body.Fields["Title"])
	assert.Equal(t, "oneof", body.Fields["Kind"])
}

func TestCreateIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	payload := `{"title":"Export to CSV"}`

	res := f.do(http.MethodPost, "/api/orgs/org-1/feedback/", "member", payload, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, res.Code)

	res = f.do(http.MethodPost, "/api/orgs/org-1/feedback/", "member", payload, "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusConflict, res.Code)
	assert.Len(t, f.repo.items, 1)
}

func TestCreateFailureReleasesIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	f.repo.createErr = errors.New("insert failed")

	res := f.do(http.MethodPost, "/api/orgs/org-1/feedback/", "member", `{"title":"Export to CSV"}`, "Idempotency-Key", "k-2")
	require.Equal(t, http.StatusInternalServerError, res.Code)
	assert.False(t, f.mr.Exists("feedlane:idem:feedback:k-2"))

	f.repo.createErr = nil
	res = f.do(http.MethodPost, "/api/orgs/org-1/feedback/", "member", `{"title":"Export to CSV"}`, "Idempotency-Key", "k-2")
	assert.Equal(t, http.StatusCreated, res.Code)
}

func TestUpdateOwnerBypass(t *testing.T) {
	f := newFixture(t)
	f.repo.seed(Feedback{ID: "fb-own", OrganizationID: "org-1", AuthorID: "member", Title: "original", Status: StatusOpen})

	res := f.do(http.MethodPatch, "/api/orgs/org-1/feedback/fb-own", "member", `{"title":"rewritten"}`)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "rewritten", f.repo.items["fb-own"].Title)

	res = f.do(http.MethodPatch, "/api/orgs/org-1/feedback/fb-own", "member2", `{"title":"hijacked"}`)
	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Equal(t, "rewritten", f.repo.items["fb-own"].Title)
}

func TestUpdateByManager(t *testing.T) {
	f := newFixture(t)
	f.repo.seed(Feedback{ID: "fb-1", OrganizationID: "org-1", AuthorID: "member", Title: "original", Status: StatusOpen})

	res := f.do(http.MethodPatch, "/api/orgs/org-1/feedback/fb-1", "manager", `{"status":"planned"}`)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, StatusPlanned, f.repo.items["fb-1"].Status)

	res = f.do(http.MethodPatch, "/api/orgs/org-1/feedback/fb-1", "manager", `{}`)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = f.do(http.MethodPatch, "/api/orgs/org-1/feedback/fb-1", "manager", `{"status":"archived"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, res.Code)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	f.repo.seed(Feedback{ID: "fb-1", OrganizationID: "org-1", AuthorID: "member"})

	res := f.do(http.MethodDelete, "/api/orgs/org-1/feedback/fb-1", "viewer", "")
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = f.do(http.MethodDelete, "/api/orgs/org-1/feedback/fb-1", "manager", "")
	assert.Equal(t, http.StatusNoContent, res.Code)
	assert.Empty(t, f.repo.items)

	res = f.do(http.MethodDelete, "/api/orgs/org-1/feedback/fb-1", "manager", "")
	assert.Equal(t, http.StatusNotFound, res.Code)
}
