package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/toolgate/core/pkg/api"
	"github.com/toolgate/core/pkg/identity"
	"github.com/toolgate/core/pkg/session"
)

type principalKey struct{}

// principal is the authenticated caller of one request.
type principal struct {
	Claims identity.Claims
	Token  string // raw access token, needed for pass-through and exchange
}

// authenticated verifies the caller: a bearer token in the Authorization
// header, or a session cookie resolving to one. The verified claims and raw
// token are placed in the request context.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" && s.deps.Sessions != nil {
			if cookie, err := r.Cookie(s.deps.Sessions.CookieName()); err == nil {
				sess, err := s.deps.Sessions.Get(r.Context(), cookie.Value)
				if err == nil {
					token = sess.AccessToken
				}
			}
		}
		if token == "" {
			api.WriteUnauthorized(w, "missing bearer token")
			return
		}

		claims, err := s.deps.Verifier.Verify(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, identity.ErrExpired):
				api.WriteUnauthorized(w, "token expired")
			case errors.Is(err, identity.ErrUntrusted):
				api.WriteUnauthorized(w, "token signed by unknown key")
			default:
				api.WriteUnauthorized(w, "token invalid")
			}
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, principal{Claims: claims, Token: token})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// admin is authenticated plus the configured admin role.
func (s *Server) admin(next http.HandlerFunc) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request) {
		p := callerOf(r)
		if !p.Claims.HasRole(s.deps.AdminRole) {
			api.WriteForbidden(w, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerOf returns the request principal; zero when unauthenticated.
func callerOf(r *http.Request) principal {
	p, _ := r.Context().Value(principalKey{}).(principal)
	return p
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// ── Browser auth flow ────────────────────────────────────────────

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	url, err := s.deps.Sessions.LoginURL(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		api.WriteValidation(w, []api.FieldError{
			{Field: "code", Reason: "required"},
			{Field: "state", Reason: "required"},
		})
		return
	}
	sess, err := s.deps.Sessions.HandleCallback(r.Context(), code, state)
	if err != nil {
		if errors.Is(err, session.ErrBadState) {
			api.WriteValidation(w, []api.FieldError{{Field: "state", Reason: "invalid or expired"}})
			return
		}
		s.writeError(w, err)
		return
	}
	s.setSessionCookie(w, sess.ID)
	api.WriteJSON(w, http.StatusOK, map[string]string{"session_id": sess.ID})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(s.deps.Sessions.CookieName())
	if err != nil {
		api.WriteUnauthorized(w, "missing session cookie")
		return
	}
	sess, err := s.deps.Sessions.Refresh(r.Context(), cookie.Value)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			api.WriteUnauthorized(w, "session expired")
			return
		}
		s.writeError(w, err)
		return
	}
	s.setSessionCookie(w, sess.ID)
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"session_id":   sess.ID,
		"token_expiry": sess.TokenExpiry,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(s.deps.Sessions.CookieName()); err == nil {
		if err := s.deps.Sessions.Logout(r.Context(), cookie.Value); err != nil {
			s.writeError(w, err)
			return
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.deps.Sessions.CookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p := callerOf(r)
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"subject": p.Claims.Subject(),
		"claims":  p.Claims,
	})
}

func (s *Server) handleSessionSettings(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.deps.Sessions.Settings())
}

func (s *Server) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.deps.Sessions.CookieName(),
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(s.deps.Sessions.TTL().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
