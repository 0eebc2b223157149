package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedlane/feedlane/internal/csrf"
	_ "github.com/feedlane/feedlane/testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, csrf.ModeStateful, cfg.CSRFProtocolMode())
	assert.Equal(t, time.Hour, cfg.CSRFTTL)
	assert.Equal(t, 5, cfg.CSRFMaxTokens)
	assert.Equal(t, 15*time.Minute, cfg.PermissionCacheTTL)
	assert.True(t, cfg.CSRFSkipGet)
	assert.False(t, cfg.AuthzRedactDenials)
	assert.False(t, cfg.IsProduction())

	tc := cfg.Tracing("feedlane", "dev")
	assert.False(t, tc.Enabled)
	assert.Equal(t, "localhost:4317", tc.Endpoint)
	assert.True(t, tc.Insecure)
	assert.Equal(t, "feedlane", tc.ServiceName)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("CSRF_MODE", "stateless")
	t.Setenv("CSRF_TRUSTED_ORIGINS", "https://app.feedlane.io,https://admin.feedlane.io")
	t.Setenv("PERMISSION_CACHE_TTL", "90s")
	t.Setenv("AUTHZ_REDACT_DENIALS", "true")
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, csrf.ModeStateless, cfg.CSRFProtocolMode())
	assert.Equal(t, []string{"https://app.feedlane.io", "https://admin.feedlane.io"}, cfg.CSRFTrustedOrigins)
	assert.Equal(t, 90*time.Second, cfg.PermissionCacheTTL)
	assert.True(t, cfg.AuthzRedactDenials)
}

func TestLoadConfigProductionRequiresSecrets(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CSRFSecret")
	assert.Contains(t, err.Error(), "SessionSecret")

	t.Setenv("CSRF_SECRET", "0123456789abcdef0123")
	t.Setenv("SESSION_SECRET", "fedcba9876543210fedc")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"CSRF_MODE":                "double-submit",
		"CSRF_SAMESITE":            "sometimes",
		"CSRF_MAX_TOKENS_PER_USER": "0",
		"CSRF_SECRET":              "short",
		"LOG_LEVEL":                "chatty",
		"CSRF_TRUSTED_ORIGINS":     "not a url",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
