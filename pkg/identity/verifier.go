package identity

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification failures, distinguished so the API layer can emit the right
// WWW-Authenticate error.
var (
	ErrExpired   = errors.New("token expired")
	ErrInvalid   = errors.New("token invalid")
	ErrUntrusted = errors.New("token signed by unknown key")
)

var validMethods = []string{"RS256", "RS384", "RS512", "ES256"}

// VerifierConfig configures token verification.
type VerifierConfig struct {
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
	MinRefresh time.Duration // floor between JWKS fetches
	Client     *http.Client
}

// Verifier validates bearer tokens against the issuer's published JWKS.
// Keys refresh lazily on unknown-kid misses, floored at MinRefresh; the
// last good key set is served when a refresh fails.
type Verifier struct {
	cfg    VerifierConfig
	client *http.Client

	mu          sync.RWMutex
	keys        map[string]crypto.PublicKey
	jwksURI     string
	lastRefresh time.Time
}

// NewVerifier creates a verifier. Discovery and JWKS fetches happen lazily
// on first use.
func NewVerifier(cfg VerifierConfig) *Verifier {
	if cfg.MinRefresh <= 0 {
		cfg.MinRefresh = 5 * time.Minute
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Verifier{cfg: cfg, client: client, keys: make(map[string]crypto.PublicKey)}
}

// NewStaticVerifier creates a verifier with a fixed key set and no
// discovery. Used in tests and air-gapped setups.
func NewStaticVerifier(cfg VerifierConfig, keys map[string]crypto.PublicKey) *Verifier {
	v := NewVerifier(cfg)
	v.keys = keys
	v.lastRefresh = time.Now().Add(100 * 365 * 24 * time.Hour) // never refresh
	return v
}

// Verify parses and validates a bearer token, returning its claims.
func (v *Verifier) Verify(ctx context.Context, token string) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods(validMethods),
		jwt.WithLeeway(v.cfg.ClockSkew),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
	)

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid header", ErrUntrusted)
		}
		key, err := v.key(ctx, kid)
		if err != nil {
			return nil, err
		}
		return key, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUntrusted):
			return nil, ErrUntrusted
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return Claims(claims), nil
}

// key returns the public key for kid, refreshing the JWKS at most once per
// MinRefresh window when the kid is unknown.
func (v *Verifier) key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	stale := time.Since(v.lastRefresh) >= v.cfg.MinRefresh
	v.mu.RUnlock()
	if ok {
		return key, nil
	}
	if !stale {
		return nil, fmt.Errorf("%w: kid %q", ErrUntrusted, kid)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if key, ok := v.keys[kid]; ok { // raced with another refresh
		return key, nil
	}
	if time.Since(v.lastRefresh) >= v.cfg.MinRefresh {
		v.lastRefresh = time.Now()
		if fresh, err := v.fetchKeys(ctx); err == nil {
			v.keys = fresh
		}
		// On fetch error the previous key set stays in service.
	}
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", ErrUntrusted, kid)
}

type jwksDoc struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (v *Verifier) fetchKeys(ctx context.Context) (map[string]crypto.PublicKey, error) {
	uri := v.jwksURI
	if uri == "" {
		discovered, err := v.discoverJWKSURI(ctx)
		if err != nil {
			return nil, err
		}
		v.jwksURI = discovered
		uri = discovered
	}

	body, err := v.getJSON(ctx, uri)
	if err != nil {
		return nil, err
	}
	var doc jwksDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			continue // skip unusable entries, keep the rest
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func (v *Verifier) discoverJWKSURI(ctx context.Context) (string, error) {
	url := strings.TrimSuffix(v.cfg.Issuer, "/") + "/.well-known/openid-configuration"
	body, err := v.getJSON(ctx, url)
	if err != nil {
		return "", err
	}
	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return "", fmt.Errorf("parse discovery document: %w", err)
	}
	if meta.JWKSURI == "" {
		return "", errors.New("discovery document has no jwks_uri")
	}
	return meta.JWKSURI, nil
}

func (v *Verifier) getJSON(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func (k jwkKey) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, fmt.Errorf("jwk %s: bad modulus: %w", k.Kid, err)
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, fmt.Errorf("jwk %s: bad exponent: %w", k.Kid, err)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}, nil
	case "EC":
		if k.Crv != "P-256" {
			return nil, fmt.Errorf("jwk %s: unsupported curve %s", k.Kid, k.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("jwk %s: bad x: %w", k.Kid, err)
		}
		y, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			return nil, fmt.Errorf("jwk %s: bad y: %w", k.Kid, err)
		}
		return &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(x),
			Y:     new(big.Int).SetBytes(y),
		}, nil
	}
	return nil, fmt.Errorf("jwk %s: unsupported kty %s", k.Kid, k.Kty)
}
