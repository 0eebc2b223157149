package shared

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/feedlane/feedlane/internal/rbac"
)

const sessionKeyPrefix = "feedlane:session:"

// SessionManager resolves signed session cookies to the principal stored in
// Redis. Sessions are created by the login flow; this layer only reads them.
type SessionManager struct {
	client     redis.UniversalClient
	cookieName string
	ttl        time.Duration
	secure     bool
	secret     []byte
	logger     *slog.Logger
}

type sessionPayload struct {
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// SessionConfig configures a SessionManager.
type SessionConfig struct {
	CookieName string
	Secret     string
	TTL        time.Duration
	Secure     bool
	Production bool
}

// NewSessionManager constructs a SessionManager. Without a secret,
// production fails and other environments sign with a random process key.
func NewSessionManager(client redis.UniversalClient, cfg SessionConfig, logger *slog.Logger) (*SessionManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		if cfg.Production {
			return nil, ErrMissingSecret
		}
		logger.Warn("session: no secret configured, using a process-local random key")
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("session: read random: %w", err)
		}
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "feedlane_session"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 720 * time.Hour
	}
	return &SessionManager{
		client:     client,
		cookieName: cfg.CookieName,
		ttl:        cfg.TTL,
		secure:     cfg.Secure,
		secret:     secret,
		logger:     logger,
	}, nil
}

// Create stores a session for p and returns the signed cookie value.
func (sm *SessionManager) Create(ctx context.Context, p rbac.Principal) (string, error) {
	if p.UserID == "" {
		return "", errors.New("session: user id required")
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("session: generate id: %w", err)
	}
	data, err := json.Marshal(sessionPayload{UserID: p.UserID, OrganizationID: p.OrganizationID, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", err
	}
	if err := sm.client.Set(ctx, sm.redisKey(id.String()), data, sm.ttl).Err(); err != nil {
		return "", fmt.Errorf("session: store: %w", err)
	}
	return sm.sign(id.String()), nil
}

// Cookie builds the session cookie for a value returned by Create.
func (sm *SessionManager) Cookie(value string) *http.Cookie {
	return &http.Cookie{
		Name:     sm.cookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Now().Add(sm.ttl),
	}
}

// Load returns the principal behind the request's session cookie.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (rbac.Principal, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		return rbac.Principal{}, ErrSessionNotFound
	}
	id, err := sm.verify(cookie.Value)
	if err != nil {
		return rbac.Principal{}, err
	}
	raw, err := sm.client.Get(ctx, sm.redisKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return rbac.Principal{}, ErrSessionNotFound
		}
		return rbac.Principal{}, fmt.Errorf("session: load: %w", err)
	}
	var stored sessionPayload
	if err := json.Unmarshal(raw, &stored); err != nil {
		return rbac.Principal{}, fmt.Errorf("session: decode: %w", err)
	}
	if stored.UserID == "" {
		return rbac.Principal{}, ErrSessionNotFound
	}
	return rbac.Principal{UserID: stored.UserID, OrganizationID: stored.OrganizationID}, nil
}

// Destroy deletes the session behind a signed cookie value.
func (sm *SessionManager) Destroy(ctx context.Context, value string) error {
	id, err := sm.verify(value)
	if err != nil {
		return err
	}
	if err := sm.client.Del(ctx, sm.redisKey(id)).Err(); err != nil {
		return fmt.Errorf("session: destroy: %w", err)
	}
	return nil
}

// Middleware attaches the session principal to the request context.
// Requests without a valid session continue anonymously.
func (sm *SessionManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := sm.Load(r.Context(), r)
		switch {
		case err == nil:
			r = r.WithContext(rbac.ContextWithPrincipal(r.Context(), p))
		case errors.Is(err, ErrSessionNotFound):
		case errors.Is(err, ErrSessionSignature):
			sm.logger.Warn("session: rejected cookie", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
		default:
			sm.logger.Error("session: load failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
		next.ServeHTTP(w, r)
	})
}

// TTL exposes the configured session lifetime.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

// CookieName returns the cookie identifier used for sessions.
func (sm *SessionManager) CookieName() string {
	return sm.cookieName
}

func (sm *SessionManager) redisKey(id string) string {
	return sessionKeyPrefix + id
}

func (sm *SessionManager) sign(id string) string {
	return id + "." + base64.RawURLEncoding.EncodeToString(sm.mac(id))
}

func (sm *SessionManager) verify(value string) (string, error) {
	id, sig, ok := strings.Cut(value, ".")
	if !ok || id == "" {
		return "", ErrSessionSignature
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(got, sm.mac(id)) {
		return "", ErrSessionSignature
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", ErrSessionSignature
	}
	return id, nil
}

func (sm *SessionManager) mac(id string) []byte {
	m := hmac.New(sha256.New, sm.secret)
	_, _ = m.Write([]byte(id))
	return m.Sum(nil)
}
