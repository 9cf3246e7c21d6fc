// Package exchange performs RFC 8693 token exchange against the configured
// IdP and caches the minted tokens. Concurrent misses for the same
// (subject, audience, scopes) tuple coalesce into a single IdP round trip,
// and the shared token-exchange circuit breaker guards the endpoint.
package exchange

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/toolgate/core/pkg/breaker"
	"github.com/toolgate/core/pkg/cache"
)

const (
	grantType        = "urn:ietf:params:oauth:grant-type:token-exchange"
	accessTokenType  = "urn:ietf:params:oauth:token-type:access_token"
	cacheKeyPrefix   = "xch:"
	defaultTTLBuffer = 60 * time.Second
)

// Exchange failures.
var (
	// ErrRejected: the IdP refused the exchange (4xx other than 429).
	// Not counted against the breaker; the caller's token is the problem.
	ErrRejected = errors.New("token exchange rejected")
	// ErrTransient: the IdP is unreachable or overloaded (network error,
	// 5xx, 429). Counted against the breaker.
	ErrTransient = errors.New("token exchange unavailable")
)

// Config wires an Exchanger.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	TTLBuffer    time.Duration // subtracted from token lifetime before caching
	Timeout      time.Duration
}

// Exchanger trades a caller token for an audience-scoped upstream token.
type Exchanger struct {
	cfg     Config
	cache   cache.Cache
	circuit *breaker.Breaker
	client  *http.Client
	log     *slog.Logger
	clock   func() time.Time
	lookups metric.Int64Counter

	mu       sync.Mutex
	inflight map[string]*call
}

type call struct {
	done  chan struct{}
	token string
	err   error
}

// New creates an Exchanger. circuit is the shared token-exchange breaker.
func New(cfg Config, c cache.Cache, circuit *breaker.Breaker, log *slog.Logger) *Exchanger {
	if cfg.TTLBuffer <= 0 {
		cfg.TTLBuffer = defaultTTLBuffer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	lookups, _ := otel.Meter("toolgate/exchange").Int64Counter("toolgate.exchange.cache",
		metric.WithDescription("Token exchange cache lookups by result"))
	return &Exchanger{
		cfg:      cfg,
		cache:    c,
		circuit:  circuit,
		client:   &http.Client{Timeout: cfg.Timeout},
		log:      log,
		clock:    time.Now,
		lookups:  lookups,
		inflight: make(map[string]*call),
	}
}

// Exchange returns an upstream token for the given audience and scopes,
// from cache when possible.
func (e *Exchanger) Exchange(ctx context.Context, subjectToken, audience string, scopes []string) (string, error) {
	if audience == "" {
		return "", fmt.Errorf("%w: audience is required", ErrRejected)
	}

	key := cacheKey(subjectToken, audience, scopes)
	if cached, err := e.cache.Get(ctx, key); err == nil {
		e.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "hit")))
		return string(cached), nil
	}
	e.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "miss")))

	e.mu.Lock()
	if c, ok := e.inflight[key]; ok {
		e.mu.Unlock()
		select {
		case <-c.done:
			return c.token, c.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	e.inflight[key] = c
	e.mu.Unlock()

	c.token, c.err = e.exchange(ctx, key, subjectToken, audience, scopes)

	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
	close(c.done)

	return c.token, c.err
}

func (e *Exchanger) exchange(ctx context.Context, key, subjectToken, audience string, scopes []string) (string, error) {
	if err := e.circuit.Allow(); err != nil {
		return "", err
	}

	form := url.Values{
		"grant_type":           {grantType},
		"subject_token":        {subjectToken},
		"subject_token_type":   {accessTokenType},
		"requested_token_type": {accessTokenType},
		"audience":             {audience},
	}
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(e.cfg.ClientID, e.cfg.ClientSecret)

	resp, err := e.client.Do(req)
	if err != nil {
		e.circuit.RecordFailure()
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// handled below
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		e.circuit.RecordFailure()
		return "", fmt.Errorf("%w: idp returned %d", ErrTransient, resp.StatusCode)
	default:
		// The subject token or request is bad; the endpoint is healthy.
		return "", fmt.Errorf("%w: idp returned %d", ErrRejected, resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.AccessToken == "" {
		e.circuit.RecordFailure()
		return "", fmt.Errorf("%w: malformed token response", ErrTransient)
	}
	e.circuit.RecordSuccess()

	if ttl := e.tokenTTL(out.AccessToken, out.ExpiresIn); ttl > 0 {
		if err := e.cache.Set(ctx, key, []byte(out.AccessToken), ttl); err != nil {
			e.log.Warn("exchange_cache_set_failed", "error", err)
		}
	}
	return out.AccessToken, nil
}

// tokenTTL derives the cache lifetime: expires_in when present, the exp
// claim otherwise, minus the safety buffer.
func (e *Exchanger) tokenTTL(token string, expiresIn int) time.Duration {
	lifetime := time.Duration(expiresIn) * time.Second
	if lifetime == 0 {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
			if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
				lifetime = exp.Sub(e.clock())
			}
		}
	}
	return lifetime - e.cfg.TTLBuffer
}

func cacheKey(subjectToken, audience string, scopes []string) string {
	sum := sha256.Sum256([]byte(subjectToken))
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	return cacheKeyPrefix + hex.EncodeToString(sum[:]) + ":" + audience + ":" + strings.Join(sorted, ",")
}
