package server

import (
	"context"
	"net/http"

	"github.com/toolgate/core/pkg/api"
	"github.com/toolgate/core/pkg/domain"
	"github.com/toolgate/core/pkg/readmodel"
)

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var cmd domain.CreateToolGroup
	if err := api.DecodeJSON(r, &cmd); err != nil {
		api.WriteValidation(w, []api.FieldError{{Field: "body", Reason: err.Error()}})
		return
	}
	id, err := s.deps.Commands.CreateToolGroup(r.Context(), cmd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.deps.Resolver.Purge()
	api.WriteJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, total, err := s.deps.Read.ListGroups(r.Context(), pageOf(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if groups == nil {
		groups = []readmodel.GroupDoc{}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"items": groups, "total": total})
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Read.GetGroup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, doc)
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	var cmd domain.UpdateToolGroup
	if err := api.DecodeJSON(r, &cmd); err != nil {
		api.WriteValidation(w, []api.FieldError{{Field: "body", Reason: err.Error()}})
		return
	}
	if err := s.deps.Commands.UpdateToolGroup(r.Context(), r.PathValue("id"), cmd); err != nil {
		s.writeError(w, err)
		return
	}
	s.deps.Resolver.Purge()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Commands.DeleteGroup(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.deps.Resolver.Purge()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGroupSelector(add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sel readmodel.Selector
		if err := api.DecodeJSON(r, &sel); err != nil {
			api.WriteValidation(w, []api.FieldError{{Field: "body", Reason: err.Error()}})
			return
		}
		var err error
		if add {
			err = s.deps.Commands.AddSelector(r.Context(), r.PathValue("id"), sel)
		} else {
			err = s.deps.Commands.RemoveSelector(r.Context(), r.PathValue("id"), sel)
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.deps.Resolver.Purge()
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleGroupTool(cmd func(ctx context.Context, groupID, toolID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ToolID string `json:"tool_id"`
		}
		if err := api.DecodeJSON(r, &body); err != nil || body.ToolID == "" {
			api.WriteValidation(w, []api.FieldError{{Field: "tool_id", Reason: "required"}})
			return
		}
		if err := cmd(r.Context(), r.PathValue("id"), body.ToolID); err != nil {
			s.writeError(w, err)
			return
		}
		s.deps.Resolver.Purge()
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleGroupStatus(cmd func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cmd(r.Context(), r.PathValue("id")); err != nil {
			s.writeError(w, err)
			return
		}
		s.deps.Resolver.Purge()
		w.WriteHeader(http.StatusOK)
	}
}
