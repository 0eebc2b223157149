package rbac

import (
	"context"
	"net/http"
)

type principalContextKey struct{}

type routeContextKey struct{}

// ContextWithPrincipal stores the authenticated actor in context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the authenticated actor. The boolean is
// false for anonymous requests.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	if !ok || p.UserID == "" {
		return Principal{}, false
	}
	return p, true
}

// ContextWithRoute attaches route metadata to ctx.
func ContextWithRoute(ctx context.Context, cfg RouteConfig) context.Context {
	return context.WithValue(ctx, routeContextKey{}, cfg)
}

// RouteFromContext returns the route metadata, if any was attached.
func RouteFromContext(ctx context.Context) (RouteConfig, bool) {
	cfg, ok := ctx.Value(routeContextKey{}).(RouteConfig)
	return cfg, ok
}

// WithRoute is a middleware attaching route metadata for the Authorizer.
func WithRoute(cfg RouteConfig) func(http.Handler) http.Handler {
	cfg.RequiredPermissions = normalizePermissions(cfg.RequiredPermissions)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(ContextWithRoute(r.Context(), cfg)))
		})
	}
}
