// Package server mounts the gateway's HTTP surface: the admin API for
// sources, groups and policies, the agent-facing tool discovery and
// execution endpoints, the SSE streams, and the browser auth flow.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/toolgate/core/pkg/api"
	"github.com/toolgate/core/pkg/breaker"
	"github.com/toolgate/core/pkg/domain"
	"github.com/toolgate/core/pkg/identity"
	"github.com/toolgate/core/pkg/invoke"
	"github.com/toolgate/core/pkg/projection"
	"github.com/toolgate/core/pkg/readmodel"
	"github.com/toolgate/core/pkg/resolver"
	"github.com/toolgate/core/pkg/session"
	"github.com/toolgate/core/pkg/sse"
)

// Verifier validates a bearer token into claims.
type Verifier interface {
	Verify(ctx context.Context, token string) (identity.Claims, error)
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Commands  *domain.Handler
	Read      readmodel.Store
	Resolver  *resolver.Resolver
	Invoker   *invoke.Invoker
	Breakers  *breaker.Registry
	Hub       *sse.Hub
	Sessions  *session.Manager
	Verifier  Verifier
	Projector *projection.Projector
	AdminRole string
	Log       *slog.Logger

	// CORSOrigins allows listed origins; empty allows all (dev mode).
	CORSOrigins []string
	// AuthRPS rate-limits the auth endpoints per client IP.
	AuthRPS   int
	AuthBurst int
}

// Server is the gateway HTTP surface.
type Server struct {
	deps Deps
	log  *slog.Logger
}

// New creates a Server.
func New(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.AdminRole == "" {
		deps.AdminRole = "toolgate-admin"
	}
	if deps.AuthRPS <= 0 {
		deps.AuthRPS = 10
	}
	if deps.AuthBurst <= 0 {
		deps.AuthBurst = 20
	}
	return &Server{deps: deps, log: deps.Log}
}

// Handler builds the full route table with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/readyz", s.handleReadyz)

	// Browser auth flow; rate limited per client IP.
	authLimiter := api.NewRateLimiter(s.deps.AuthRPS, s.deps.AuthBurst)
	auth := func(h http.HandlerFunc) http.Handler { return authLimiter.Middleware(h) }
	mux.Handle("GET /api/auth/login", auth(s.handleLogin))
	mux.Handle("GET /api/auth/callback", auth(s.handleCallback))
	mux.Handle("POST /api/auth/refresh", auth(s.handleRefresh))
	mux.Handle("POST /api/auth/logout", auth(s.handleLogout))
	mux.Handle("GET /api/auth/me", s.authenticated(s.handleMe))
	mux.HandleFunc("GET /api/auth/session-settings", s.handleSessionSettings)

	// Agent surface.
	mux.Handle("GET /api/tools", s.authenticated(s.handleListTools))
	mux.Handle("POST /api/tools/{source}/{op}/execute", s.authenticated(s.handleExecute))
	mux.Handle("GET /api/agent/tools", s.authenticated(s.handleAgentTools))
	mux.Handle("GET /api/agent/sse", s.authenticated(s.deps.Hub.Handler(false)))

	// Source administration.
	mux.Handle("POST /api/sources", s.admin(s.handleRegisterSource))
	mux.Handle("GET /api/sources", s.admin(s.handleListSources))
	mux.Handle("GET /api/sources/{id}", s.admin(s.handleGetSource))
	mux.Handle("POST /api/sources/{id}/refresh", s.admin(s.handleRefreshSource))
	mux.Handle("DELETE /api/sources/{id}", s.admin(s.handleUnregisterSource))
	mux.Handle("POST /api/tools/{source}/{op}/enable", s.admin(s.handleToolToggle(true)))
	mux.Handle("POST /api/tools/{source}/{op}/disable", s.admin(s.handleToolToggle(false)))

	// Group administration.
	mux.Handle("POST /api/tool-groups", s.admin(s.handleCreateGroup))
	mux.Handle("GET /api/tool-groups", s.admin(s.handleListGroups))
	mux.Handle("GET /api/tool-groups/{id}", s.admin(s.handleGetGroup))
	mux.Handle("PATCH /api/tool-groups/{id}", s.admin(s.handleUpdateGroup))
	mux.Handle("DELETE /api/tool-groups/{id}", s.admin(s.handleDeleteGroup))
	mux.Handle("POST /api/tool-groups/{id}/selectors/add", s.admin(s.handleGroupSelector(true)))
	mux.Handle("POST /api/tool-groups/{id}/selectors/remove", s.admin(s.handleGroupSelector(false)))
	mux.Handle("POST /api/tool-groups/{id}/tools/add", s.admin(s.handleGroupTool(s.deps.Commands.AddExplicitTool)))
	mux.Handle("POST /api/tool-groups/{id}/tools/remove", s.admin(s.handleGroupTool(s.deps.Commands.RemoveExplicitTool)))
	mux.Handle("POST /api/tool-groups/{id}/tools/exclude", s.admin(s.handleGroupTool(s.deps.Commands.ExcludeTool)))
	mux.Handle("POST /api/tool-groups/{id}/tools/include", s.admin(s.handleGroupTool(s.deps.Commands.IncludeTool)))
	mux.Handle("POST /api/tool-groups/{id}/activate", s.admin(s.handleGroupStatus(s.deps.Commands.ActivateGroup)))
	mux.Handle("POST /api/tool-groups/{id}/deactivate", s.admin(s.handleGroupStatus(s.deps.Commands.DeactivateGroup)))

	// Policy administration.
	mux.Handle("POST /api/policies", s.admin(s.handleDefinePolicy))
	mux.Handle("GET /api/policies", s.admin(s.handleListPolicies))
	mux.Handle("GET /api/policies/{id}", s.admin(s.handleGetPolicy))
	mux.Handle("PATCH /api/policies/{id}", s.admin(s.handleUpdatePolicy))
	mux.Handle("DELETE /api/policies/{id}", s.admin(s.handleDeletePolicy))
	mux.Handle("POST /api/policies/{id}/activate", s.admin(s.handlePolicyStatus(s.deps.Commands.ActivatePolicy)))
	mux.Handle("POST /api/policies/{id}/deactivate", s.admin(s.handlePolicyStatus(s.deps.Commands.DeactivatePolicy)))

	// Operator surface.
	mux.Handle("GET /api/admin/sse", s.admin(s.deps.Hub.Handler(true)))
	mux.Handle("GET /api/admin/circuit-breakers", s.admin(s.handleListBreakers))
	mux.Handle("POST /api/admin/circuit-breakers/reset", s.admin(s.handleResetBreaker))
	mux.Handle("POST /api/admin/tools/cleanup", s.admin(s.handleCleanupOrphans))

	var handler http.Handler = mux
	handler = api.CORS(s.deps.CORSOrigins)(handler)
	handler = api.RequestID(handler)
	return handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Projector != nil && s.deps.Projector.Stalled() {
		api.WriteErrorDetail(w, http.StatusServiceUnavailable, "transient",
			"read-model projection stalled", nil)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
