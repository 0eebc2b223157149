package shared_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedlane/feedlane/internal/rbac"
	"github.com/feedlane/feedlane/internal/shared"
	_ "github.com/feedlane/feedlane/testing"
)

func newSessionManager(t *testing.T) (*shared.SessionManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sm, err := shared.NewSessionManager(client, shared.SessionConfig{CookieName: "test_session", Secret: "secret", TTL: time.Hour}, nil)
	require.NoError(t, err)
	return sm, mr
}

func principalEcho(t *testing.T, seen *rbac.Principal, ok *bool) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*seen, *ok = rbac.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestSessionMiddlewareAttachesPrincipal(t *testing.T) {
	sm, _ := newSessionManager(t)
	value, err := sm.Create(context.Background(), rbac.Principal{UserID: "u1", OrganizationID: "o1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/me/permissions", nil)
	req.AddCookie(sm.Cookie(value))

	var (
		seen rbac.Principal
		ok   bool
	)
	sm.Middleware(principalEcho(t, &seen, &ok)).ServeHTTP(httptest.NewRecorder(), req)
	require.True(t, ok)
	assert.Equal(t, rbac.Principal{UserID: "u1", OrganizationID: "o1"}, seen)
}

func TestSessionMiddlewareAnonymous(t *testing.T) {
	sm, _ := newSessionManager(t)
	var (
		seen rbac.Principal
		ok   bool
	)
	res := httptest.NewRecorder()
	sm.Middleware(principalEcho(t, &seen, &ok)).ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, ok)
	assert.Equal(t, http.StatusNoContent, res.Code)
}

func TestSessionRejectsForgedCookie(t *testing.T) {
	sm, _ := newSessionManager(t)
	value, err := sm.Create(context.Background(), rbac.Principal{UserID: "u1"})
	require.NoError(t, err)

	for _, forged := range []string{value + "x", "not-a-session", "00000000-0000-0000-0000-000000000000.AAAA"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: sm.CookieName(), Value: forged})
		_, err := sm.Load(context.Background(), req)
		assert.ErrorIs(t, err, shared.ErrSessionSignature, forged)
	}
}

func TestSessionDestroyAndExpiry(t *testing.T) {
	sm, mr := newSessionManager(t)
	ctx := context.Background()

	value, err := sm.Create(ctx, rbac.Principal{UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, sm.Destroy(ctx, value))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(sm.Cookie(value))
	_, err = sm.Load(ctx, req)
	assert.ErrorIs(t, err, shared.ErrSessionNotFound)

	other, err := sm.Create(ctx, rbac.Principal{UserID: "u2"})
	require.NoError(t, err)
	mr.FastForward(2 * time.Hour)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(sm.Cookie(other))
	_, err = sm.Load(ctx, req)
	assert.ErrorIs(t, err, shared.ErrSessionNotFound)
}

func TestSessionSecretRequiredInProduction(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	_, err := shared.NewSessionManager(client, shared.SessionConfig{Production: true}, nil)
	assert.ErrorIs(t, err, shared.ErrMissingSecret)

	sm, err := shared.NewSessionManager(client, shared.SessionConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "feedlane_session", sm.CookieName())
}
