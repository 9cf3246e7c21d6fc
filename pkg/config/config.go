// Package config loads gateway configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full gateway configuration.
type Config struct {
	Port     string
	LogLevel string

	// OIDC / identity verification
	OIDCIssuer       string
	OIDCAudience     string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCRedirectURL  string
	JWKSMinRefresh   time.Duration
	ClockSkew        time.Duration
	AdminRole        string

	// RFC 8693 token exchange
	TEClientID       string
	TEClientSecret   string
	TETokenURL       string
	TECacheTTLBuffer time.Duration
	TETimeout        time.Duration

	// Circuit breakers
	FailureThreshold int
	RecoveryTimeout  time.Duration
	RollingWindow    time.Duration

	// Browser sessions
	SessionCookieName string
	SessionTTL        time.Duration
	SessionIdleWarn   time.Duration
	SessionPrefix     string

	// Backend URLs; scheme selects the adapter (mem://, sqlite://, postgres://, redis://)
	CacheURL     string
	JournalURL   string
	ReadModelURL string

	// Access resolver
	ResolverCacheTTL time.Duration

	// SSE fan-out
	SSEMaxPending int

	// Observability
	OTLPEndpoint string

	CORSOrigins []string
}

// Load reads configuration from environment variables, applying defaults.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "INFO"),

		OIDCIssuer:       os.Getenv("OIDC_ISSUER"),
		OIDCAudience:     os.Getenv("OIDC_AUDIENCE"),
		OIDCClientID:     os.Getenv("OIDC_CLIENT_ID"),
		OIDCClientSecret: os.Getenv("OIDC_CLIENT_SECRET"),
		OIDCRedirectURL:  os.Getenv("OIDC_REDIRECT_URL"),
		JWKSMinRefresh:   getSeconds("JWKS_MIN_REFRESH_SECONDS", 300),
		ClockSkew:        getSeconds("CLOCK_SKEW_SECONDS", 30),
		AdminRole:        getEnv("ADMIN_ROLE", "toolgate-admin"),

		TEClientID:       os.Getenv("TE_CLIENT_ID"),
		TEClientSecret:   os.Getenv("TE_CLIENT_SECRET"),
		TETokenURL:       os.Getenv("TE_TOKEN_URL"),
		TECacheTTLBuffer: getSeconds("TE_CACHE_TTL_BUFFER_SECONDS", 60),
		TETimeout:        getSeconds("TE_TIMEOUT_SECONDS", 10),

		FailureThreshold: getInt("FAILURE_THRESHOLD", 5),
		RecoveryTimeout:  getSeconds("RECOVERY_TIMEOUT_SECONDS", 30),
		RollingWindow:    getSeconds("ROLLING_WINDOW_SECONDS", 60),

		SessionCookieName: os.Getenv("SESSION_COOKIE_NAME"),
		SessionTTL:        getSeconds("SESSION_TTL_SECONDS", 28800),
		SessionIdleWarn:   getSeconds("SESSION_IDLE_WARN_SECONDS", 120),
		SessionPrefix:     getEnv("SESSION_PREFIX", "session:"),

		CacheURL:     getEnv("CACHE_URL", "mem://"),
		JournalURL:   getEnv("JOURNAL_URL", "mem://"),
		ReadModelURL: getEnv("READ_MODEL_URL", "mem://"),

		ResolverCacheTTL: getSeconds("RESOLVER_CACHE_TTL_SECONDS", 60),

		SSEMaxPending: getInt("SSE_MAX_PENDING", 64),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		CORSOrigins: splitList(os.Getenv("CORS_ORIGINS")),
	}
}

// Validate reports every missing required key in a single error.
func (c *Config) Validate() error {
	var missing []string
	if c.OIDCIssuer == "" {
		missing = append(missing, "OIDC_ISSUER")
	}
	if c.OIDCAudience == "" {
		missing = append(missing, "OIDC_AUDIENCE")
	}
	if c.SessionCookieName == "" {
		missing = append(missing, "SESSION_COOKIE_NAME")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getSeconds(key string, fallback int) time.Duration {
	return time.Duration(getInt(key, fallback)) * time.Second
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
