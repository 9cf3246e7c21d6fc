// Package session implements browser login: the OIDC authorization code
// flow against the configured issuer, with sessions held in the shared
// cache under an opaque cookie id.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/toolgate/core/pkg/cache"
)

// Session failures.
var (
	ErrNoSession    = errors.New("session not found")
	ErrBadState     = errors.New("login state invalid or expired")
	ErrCodeExchange = errors.New("authorization code exchange failed")
)

const stateTTL = 10 * time.Minute

// Config wires a Manager.
type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	CookieName string
	Prefix     string // cache key prefix, e.g. "session:"
	TTL        time.Duration
	IdleWarn   time.Duration
}

// Session is one logged-in browser.
type Session struct {
	ID           string    `json:"id"`
	Subject      string    `json:"subject,omitempty"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenExpiry  time.Time `json:"token_expiry,omitzero"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Settings is the public shape of /auth/session-settings.
type Settings struct {
	CookieName      string `json:"cookie_name"`
	TTLSeconds      int    `json:"ttl_seconds"`
	IdleWarnSeconds int    `json:"idle_warn_seconds"`
}

// Manager runs the login flow and owns session storage.
type Manager struct {
	cfg    Config
	cache  cache.Cache
	client *http.Client
	newID  func() string
	clock  func() time.Time

	oauth *oauth2.Config // endpoints filled on first use
}

// NewManager creates a Manager. OIDC endpoint discovery is lazy.
func NewManager(cfg Config, c cache.Cache) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = "session:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 8 * time.Hour
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "profile"}
	}
	return &Manager{
		cfg:    cfg,
		cache:  c,
		client: &http.Client{Timeout: 10 * time.Second},
		newID:  func() string { return uuid.NewString() },
		clock:  time.Now,
	}
}

// Settings returns what a browser client needs to manage its session.
func (m *Manager) Settings() Settings {
	return Settings{
		CookieName:      m.cfg.CookieName,
		TTLSeconds:      int(m.cfg.TTL / time.Second),
		IdleWarnSeconds: int(m.cfg.IdleWarn / time.Second),
	}
}

// CookieName returns the configured session cookie name.
func (m *Manager) CookieName() string { return m.cfg.CookieName }

// TTL returns the session lifetime.
func (m *Manager) TTL() time.Duration { return m.cfg.TTL }

// LoginURL starts the code flow: a fresh state nonce is parked in the
// cache and the IdP authorization URL returned.
func (m *Manager) LoginURL(ctx context.Context) (string, error) {
	oc, err := m.oauthConfig(ctx)
	if err != nil {
		return "", err
	}
	state := m.newID()
	if err := m.cache.Set(ctx, m.cfg.Prefix+"state:"+state, []byte("1"), stateTTL); err != nil {
		return "", fmt.Errorf("store login state: %w", err)
	}
	return oc.AuthCodeURL(state), nil
}

// HandleCallback completes the code flow and creates a session.
func (m *Manager) HandleCallback(ctx context.Context, code, state string) (Session, error) {
	stateKey := m.cfg.Prefix + "state:" + state
	if _, err := m.cache.Get(ctx, stateKey); err != nil {
		return Session{}, ErrBadState
	}
	_ = m.cache.Delete(ctx, stateKey) // single use

	oc, err := m.oauthConfig(ctx)
	if err != nil {
		return Session{}, err
	}
	token, err := oc.Exchange(context.WithValue(ctx, oauth2.HTTPClient, m.client), code)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrCodeExchange, err)
	}

	now := m.clock()
	sess := Session{
		ID:           m.newID(),
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenExpiry:  token.Expiry,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.cfg.TTL),
	}
	if err := m.store(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Get loads a session by cookie id.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, error) {
	raw, err := m.cache.Get(ctx, m.cfg.Prefix+sessionID)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return Session{}, ErrNoSession
		}
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return sess, nil
}

// Refresh trades the refresh token for a new access token. The session
// keeps its id and absolute expiry.
func (m *Manager) Refresh(ctx context.Context, sessionID string) (Session, error) {
	sess, err := m.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.RefreshToken == "" {
		return Session{}, fmt.Errorf("%w: session has no refresh token", ErrCodeExchange)
	}
	oc, err := m.oauthConfig(ctx)
	if err != nil {
		return Session{}, err
	}

	src := oc.TokenSource(context.WithValue(ctx, oauth2.HTTPClient, m.client), &oauth2.Token{
		RefreshToken: sess.RefreshToken,
	})
	token, err := src.Token()
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrCodeExchange, err)
	}

	sess.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		sess.RefreshToken = token.RefreshToken
	}
	sess.TokenExpiry = token.Expiry
	if err := m.store(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Logout deletes the session.
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	return m.cache.Delete(ctx, m.cfg.Prefix+sessionID)
}

func (m *Manager) store(ctx context.Context, sess Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ttl := sess.ExpiresAt.Sub(m.clock())
	if ttl <= 0 {
		return ErrNoSession
	}
	if err := m.cache.Set(ctx, m.cfg.Prefix+sess.ID, raw, ttl); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (m *Manager) oauthConfig(ctx context.Context) (*oauth2.Config, error) {
	if m.oauth != nil {
		return m.oauth, nil
	}
	authURL, tokenURL, err := m.discover(ctx)
	if err != nil {
		return nil, err
	}
	m.oauth = &oauth2.Config{
		ClientID:     m.cfg.ClientID,
		ClientSecret: m.cfg.ClientSecret,
		RedirectURL:  m.cfg.RedirectURL,
		Scopes:       m.cfg.Scopes,
		Endpoint:     oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL},
	}
	return m.oauth, nil
}

func (m *Manager) discover(ctx context.Context) (authURL, tokenURL string, err error) {
	url := strings.TrimSuffix(m.cfg.Issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("oidc discovery: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("oidc discovery: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", err
	}
	var meta struct {
		AuthorizationEndpoint string `json:"authorization_endpoint"`
		TokenEndpoint         string `json:"token_endpoint"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return "", "", fmt.Errorf("oidc discovery: %w", err)
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return "", "", errors.New("oidc discovery: endpoints missing")
	}
	return meta.AuthorizationEndpoint, meta.TokenEndpoint, nil
}
