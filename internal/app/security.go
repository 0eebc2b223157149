package app

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/feedlane/feedlane/internal/csrf"
	"github.com/feedlane/feedlane/internal/observability"
	"github.com/feedlane/feedlane/internal/rbac"
	"github.com/feedlane/feedlane/internal/shared"
	"github.com/feedlane/feedlane/internal/sweep"
)

// SecurityDeps are the collaborators the security layer is built from.
type SecurityDeps struct {
	Redis     redis.UniversalClient
	Directory rbac.Directory
	Resources rbac.ResourceRepository
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	// Tracer defaults to the global provider.
	Tracer trace.TracerProvider
}

// Security groups the authorization and anti-forgery components of a process.
type Security struct {
	Cache      *rbac.PermissionCache
	Engine     *rbac.Engine
	Authorizer rbac.Authorizer
	Sessions   *shared.SessionManager
	CSRF       csrf.Protocol
	CSRFHTTP   *csrf.Middleware
	SweepTasks []sweep.Task
}

// NewSecurity builds the security layer from configuration. Exactly one CSRF
// protocol is active, selected by CSRF_MODE.
func NewSecurity(cfg *Config, deps SecurityDeps) (*Security, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var recorder interface {
		rbac.Recorder
		csrf.Recorder
	}
	if deps.Metrics != nil {
		recorder = deps.Metrics
	}

	cache := rbac.NewPermissionCache(deps.Redis, cfg.PermissionCacheTTL, logger)
	engineCfg := rbac.EngineConfig{
		Directory:        deps.Directory,
		Resources:        deps.Resources,
		Cache:            cache,
		Logger:           logger,
		OperationTimeout: cfg.AuthzOperationTimeout,
		TracerProvider:   deps.Tracer,
	}
	if recorder != nil {
		engineCfg.Recorder = recorder
	}
	engine := rbac.NewEngine(engineCfg)

	sessions, err := shared.NewSessionManager(deps.Redis, shared.SessionConfig{
		CookieName: cfg.SessionCookie,
		Secret:     cfg.SessionSecret,
		TTL:        cfg.SessionTTL,
		Secure:     cfg.IsProduction(),
		Production: cfg.IsProduction(),
	}, logger)
	if err != nil {
		return nil, err
	}

	tasks := []sweep.Task{{Name: "permission-cache", Run: cache.Sweep}}
	var protocol csrf.Protocol
	switch cfg.CSRFProtocolMode() {
	case csrf.ModeStateless:
		key, err := csrf.SigningKey(cfg.CSRFSecret, cfg.IsProduction(), logger)
		if err != nil {
			return nil, err
		}
		stateless, err := csrf.NewStateless(key, cfg.CSRFTTL)
		if err != nil {
			return nil, err
		}
		protocol = stateless
	case csrf.ModeStateful:
		stateful, err := csrf.NewStateful(csrf.StatefulConfig{
			Store:            csrf.NewRedisTokenStore(deps.Redis, logger),
			TTL:              cfg.CSRFTTL,
			MaxTokensPerUser: cfg.CSRFMaxTokens,
			OperationTimeout: cfg.RedisOpTimeout,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		protocol = stateful
		tasks = append(tasks, sweep.Task{Name: "csrf-tokens", Run: stateful.Sweep})
	default:
		return nil, fmt.Errorf("app: unknown CSRF mode %q", cfg.CSRFMode)
	}

	var csrfRecorder csrf.Recorder
	if recorder != nil {
		csrfRecorder = recorder
	}
	middleware := csrf.NewMiddleware(protocol, csrf.MiddlewareConfig{
		CookieName:      cfg.CSRFCookieName,
		HeaderName:      cfg.CSRFHeaderName,
		FieldName:       cfg.CSRFFieldName,
		SameSite:        csrf.ParseSameSite(cfg.CSRFSameSite),
		Secure:          cfg.IsProduction(),
		TTL:             cfg.CSRFTTL,
		SkipGetRequests: cfg.CSRFSkipGet,
		TrustedOrigins:  cfg.CSRFTrustedOrigins,
		IgnoredPaths:    cfg.CSRFIgnoredPaths,
		Binding:         principalBinding,
	}, logger, csrfRecorder)

	authorizer := rbac.Authorizer{
		Engine:        engine,
		Logger:        logger,
		RedactDenials: cfg.AuthzRedactDenials,
	}
	if recorder != nil {
		authorizer.Recorder = recorder
	}

	logger.Info("security layer configured",
		slog.String("csrf_mode", cfg.CSRFMode),
		slog.Duration("permission_cache_ttl", cache.TTL()),
		slog.Bool("redact_denials", cfg.AuthzRedactDenials))

	return &Security{
		Cache:      cache,
		Engine:     engine,
		Authorizer: authorizer,
		Sessions:   sessions,
		CSRF:       protocol,
		CSRFHTTP:   middleware,
		SweepTasks: tasks,
	}, nil
}

// principalBinding binds CSRF tokens to the session principal and the
// organization the request targets, resolved the same way the authorizer
// resolves it. On routes without an organization parameter, ?org= selects
// one, so a token for another organization can be issued.
func principalBinding(r *http.Request) csrf.Context {
	p, ok := rbac.PrincipalFromContext(r.Context())
	if !ok {
		return csrf.Context{}
	}
	if org := strings.TrimSpace(r.URL.Query().Get("org")); org != "" && chi.URLParam(r, rbac.DefaultOrgParam) == "" {
		p.OrganizationID = org
	}
	return csrf.Context{UserID: p.UserID, OrganizationID: rbac.RequestOrganizationID(r, rbac.DefaultOrgParam, p)}
}
