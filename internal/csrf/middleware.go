package csrf

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/feedlane/feedlane/internal/platform/httpx"
)

// Transport defaults.
const (
	DefaultCookieName = "feedlane_csrf"
	DefaultHeaderName = "X-CSRF-Token"
	DefaultFieldName  = "csrf_token"

	maxBodyPeek = 1 << 20
)

// Recorder receives validation outcomes. observability.Metrics implements it.
type Recorder interface {
	CSRFValidation(outcome, reason string)
}

type nopRecorder struct{}

func (nopRecorder) CSRFValidation(string, string) {}

// MiddlewareConfig configures the HTTP transport.
type MiddlewareConfig struct {
	CookieName string
	HeaderName string
	FieldName  string
	SameSite   http.SameSite
	Secure     bool
	TTL        time.Duration
	// SkipGetRequests lets GET, HEAD and OPTIONS through unvalidated.
	SkipGetRequests bool
	// TrustedOrigins, when non-empty, restricts the Origin (or Referer) of
	// unsafe requests. Entries are scheme://host[:port].
	TrustedOrigins []string
	// IgnoredPaths are path prefixes exempt from validation.
	IgnoredPaths []string
	// Binding extracts the caller identity the token is bound to.
	Binding func(*http.Request) Context
}

// Middleware validates tokens on unsafe requests and serves the issue and
// revoke endpoints.
type Middleware struct {
	protocol Protocol
	cfg      MiddlewareConfig
	origins  map[string]struct{}
	logger   *slog.Logger
	recorder Recorder
}

// NewMiddleware wires the transport around protocol. recorder may be nil.
func NewMiddleware(protocol Protocol, cfg MiddlewareConfig, logger *slog.Logger, recorder Recorder) *Middleware {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = DefaultHeaderName
	}
	if cfg.FieldName == "" {
		cfg.FieldName = DefaultFieldName
	}
	if cfg.SameSite == 0 {
		cfg.SameSite = http.SameSiteStrictMode
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Binding == nil {
		cfg.Binding = func(*http.Request) Context { return Context{} }
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	origins := make(map[string]struct{}, len(cfg.TrustedOrigins))
	for _, o := range cfg.TrustedOrigins {
		if o = normalizeOrigin(o); o != "" {
			origins[o] = struct{}{}
		}
	}
	return &Middleware{protocol: protocol, cfg: cfg, origins: origins, logger: logger, recorder: recorder}
}

type failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Reason  Reason `json:"reason"`
}

// Protect validates the token carried by every request it does not skip.
func (m *Middleware) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if len(m.origins) > 0 && !m.originAllowed(r) {
			m.reject(w, r, ReasonOriginRejected)
			return
		}
		token := m.extract(r)
		if token == "" {
			m.reject(w, r, ReasonMissingToken)
			return
		}
		result := m.protocol.Validate(r.Context(), token, m.cfg.Binding(r))
		if !result.Valid {
			m.reject(w, r, result.Reason)
			return
		}
		m.recorder.CSRFValidation("valid", "")
		next.ServeHTTP(w, r)
	})
}

// IssueToken generates a token bound to the caller, sets it as a cookie and
// response header, and returns it in the body.
func (m *Middleware) IssueToken(w http.ResponseWriter, r *http.Request) {
	token, err := m.protocol.Generate(r.Context(), m.cfg.Binding(r))
	if err != nil {
		m.logger.Error("csrf: generate token", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.JSON(w, http.StatusServiceUnavailable, failure{Error: "CSRF token unavailable", Reason: ReasonUpstreamUnavailable})
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.cfg.TTL.Seconds()),
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: m.cfg.SameSite,
	})
	w.Header().Set(m.cfg.HeaderName, token)
	w.Header().Set("Cache-Control", "no-store")
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true, "token": token})
}

// RevokeToken deletes the token carried by the request and clears the cookie.
func (m *Middleware) RevokeToken(w http.ResponseWriter, r *http.Request) {
	token := m.extract(r)
	if token == "" {
		if c, err := r.Cookie(m.cfg.CookieName); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		httpx.JSON(w, http.StatusBadRequest, failure{Error: "CSRF token required", Reason: ReasonMissingToken})
		return
	}
	if err := m.protocol.Revoke(r.Context(), token); err != nil {
		if errors.Is(err, ErrRevocationUnsupported) {
			httpx.JSON(w, http.StatusNotImplemented, map[string]any{"success": false, "error": "token revocation is not supported"})
			return
		}
		m.logger.Error("csrf: revoke token", slog.Any("error", err))
		httpx.JSON(w, http.StatusServiceUnavailable, failure{Error: "CSRF token unavailable", Reason: ReasonUpstreamUnavailable})
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: m.cfg.SameSite,
	})
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true})
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, reason Reason) {
	m.recorder.CSRFValidation("invalid", string(reason))
	m.logger.Warn("csrf validation failed",
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.String("reason", string(reason)))
	httpx.JSON(w, http.StatusForbidden, failure{Error: "Invalid CSRF token", Reason: reason})
}

func (m *Middleware) skip(r *http.Request) bool {
	if m.cfg.SkipGetRequests {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return true
		}
	}
	for _, prefix := range m.cfg.IgnoredPaths {
		if prefix != "" && strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// extract returns the submitted token. Header wins over body, body over query.
func (m *Middleware) extract(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(m.cfg.HeaderName)); token != "" {
		return token
	}
	if token := m.fromBody(r); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get(m.cfg.FieldName))
}

func (m *Middleware) fromBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		return strings.TrimSpace(r.PostFormValue(m.cfg.FieldName))
	case "application/json":
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyPeek+1))
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(raw), r.Body), r.Body}
		// Larger bodies must carry the token in the header or query.
		if err != nil || len(raw) > maxBodyPeek {
			return ""
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return ""
		}
		var token string
		if err := json.Unmarshal(fields[m.cfg.FieldName], &token); err != nil {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return ""
}

func (m *Middleware) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = r.Header.Get("Referer")
	}
	if origin == "" {
		return true
	}
	_, ok := m.origins[normalizeOrigin(origin)]
	return ok
}

func normalizeOrigin(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// ParseSameSite maps a configuration value to http.SameSite. Unknown values
// fall back to Strict.
func ParseSameSite(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteStrictMode
	}
}
