package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 300*time.Second, cfg.JWKSMinRefresh)
	assert.Equal(t, 30*time.Second, cfg.ClockSkew)
	assert.Equal(t, 60*time.Second, cfg.TECacheTTLBuffer)
	assert.Equal(t, 10*time.Second, cfg.TETimeout)
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.RecoveryTimeout)
	assert.Equal(t, 60*time.Second, cfg.RollingWindow)
	assert.Equal(t, 8*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 2*time.Minute, cfg.SessionIdleWarn)
	assert.Equal(t, 60*time.Second, cfg.ResolverCacheTTL)
	assert.Equal(t, "mem://", cfg.JournalURL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("FAILURE_THRESHOLD", "3")
	t.Setenv("ROLLING_WINDOW_SECONDS", "120")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, 2*time.Minute, cfg.RollingWindow)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestValidateListsAllMissingKeys(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OIDC_ISSUER")
	assert.Contains(t, err.Error(), "OIDC_AUDIENCE")
	assert.Contains(t, err.Error(), "SESSION_COOKIE_NAME")

	cfg.OIDCIssuer = "https://idp.example/realms/agents"
	cfg.OIDCAudience = "toolgate"
	cfg.SessionCookieName = "toolgate_session"
	require.NoError(t, cfg.Validate())
}
