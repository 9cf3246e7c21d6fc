package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/toolgate/core/pkg/api"
	"github.com/toolgate/core/pkg/breaker"
)

type breakerView struct {
	CircuitID      string `json:"circuit_id"`
	Kind           string `json:"kind"`
	SourceID       string `json:"source_id,omitempty"`
	State          string `json:"state"`
	FailureCount   int    `json:"failure_count"`
	RetryAfterSecs int    `json:"retry_after_seconds,omitempty"`
}

func (s *Server) handleListBreakers(w http.ResponseWriter, _ *http.Request) {
	infos := s.deps.Breakers.Snapshot()
	views := make([]breakerView, 0, len(infos))
	for _, info := range infos {
		views = append(views, breakerView{
			CircuitID:      info.CircuitID,
			Kind:           info.Kind,
			SourceID:       info.SourceID,
			State:          info.State,
			FailureCount:   info.FailureCount,
			RetryAfterSecs: int(info.RetryAfter / time.Second),
		})
	}
	api.WriteJSON(w, http.StatusOK, views)
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := api.DecodeJSON(r, &body); err != nil || body.ID == "" {
		api.WriteValidation(w, []api.FieldError{{Field: "id", Reason: "required"}})
		return
	}
	if err := s.deps.Breakers.Reset(body.ID, callerOf(r).Claims.Subject()); err != nil {
		if errors.Is(err, breaker.ErrUnknownCircuit) {
			api.WriteNotFound(w, "unknown circuit "+body.ID)
			return
		}
		s.writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"id": body.ID, "state": breaker.Closed})
}

func (s *Server) handleCleanupOrphans(w http.ResponseWriter, r *http.Request) {
	removed, err := s.deps.Commands.CleanupOrphanedTools(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if removed == nil {
		removed = []string{}
	}
	s.deps.Resolver.Purge()
	api.WriteJSON(w, http.StatusOK, map[string]any{"removed_tool_ids": removed})
}
