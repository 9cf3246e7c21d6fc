package server

import (
	"context"
	"net/http"

	"github.com/toolgate/core/pkg/api"
	"github.com/toolgate/core/pkg/domain"
	"github.com/toolgate/core/pkg/readmodel"
)

func (s *Server) handleDefinePolicy(w http.ResponseWriter, r *http.Request) {
	var cmd domain.DefineAccessPolicy
	if err := api.DecodeJSON(r, &cmd); err != nil {
		api.WriteValidation(w, []api.FieldError{{Field: "body", Reason: err.Error()}})
		return
	}
	id, err := s.deps.Commands.DefineAccessPolicy(r.Context(), cmd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.deps.Resolver.Purge()
	api.WriteJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("status") == readmodel.PolicyActive
	policies, total, err := s.deps.Read.ListPolicies(r.Context(), activeOnly, pageOf(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if policies == nil {
		policies = []readmodel.PolicyDoc{}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"items": policies, "total": total})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Read.GetPolicy(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, doc)
}

// handleUpdatePolicy applies the provided fields, each one its own command.
func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Matchers *[]readmodel.Matcher `json:"matchers,omitempty"`
		GroupIDs *[]string            `json:"group_ids,omitempty"`
		Priority *int                 `json:"priority,omitempty"`
	}
	if err := api.DecodeJSON(r, &body); err != nil {
		api.WriteValidation(w, []api.FieldError{{Field: "body", Reason: err.Error()}})
		return
	}
	id := r.PathValue("id")
	if body.Matchers != nil {
		if err := s.deps.Commands.UpdatePolicyMatchers(r.Context(), id, *body.Matchers); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if body.GroupIDs != nil {
		if err := s.deps.Commands.UpdatePolicyGroups(r.Context(), id, *body.GroupIDs); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if body.Priority != nil {
		if err := s.deps.Commands.ChangePolicyPriority(r.Context(), id, *body.Priority); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.deps.Resolver.Purge()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Commands.DeletePolicy(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.deps.Resolver.Purge()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePolicyStatus(cmd func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cmd(r.Context(), r.PathValue("id")); err != nil {
			s.writeError(w, err)
			return
		}
		s.deps.Resolver.Purge()
		w.WriteHeader(http.StatusOK)
	}
}
