package server

import (
	"net/http"
	"strconv"

	"github.com/toolgate/core/pkg/api"
	"github.com/toolgate/core/pkg/domain"
	"github.com/toolgate/core/pkg/invoke"
	"github.com/toolgate/core/pkg/readmodel"
)

func (s *Server) handleRegisterSource(w http.ResponseWriter, r *http.Request) {
	var cmd domain.RegisterSource
	if err := api.DecodeJSON(r, &cmd); err != nil {
		api.WriteValidation(w, []api.FieldError{{Field: "body", Reason: err.Error()}})
		return
	}
	id, err := s.deps.Commands.RegisterSource(r.Context(), cmd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, total, err := s.deps.Read.ListSources(r.Context(), pageOf(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sources == nil {
		sources = []readmodel.SourceDoc{}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"items": sources, "total": total})
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Read.GetSource(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, doc)
}

func (s *Server) handleRefreshSource(w http.ResponseWriter, r *http.Request) {
	version, err := s.deps.Commands.RefreshInventory(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.deps.Resolver.Purge()
	api.WriteJSON(w, http.StatusAccepted, map[string]int{"inventory_version": version})
}

func (s *Server) handleUnregisterSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Commands.UnregisterSource(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.deps.Breakers.Remove(id)
	s.deps.Resolver.Purge()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToolToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		toolID := r.PathValue("source") + "/" + r.PathValue("op")
		var err error
		if enable {
			err = s.deps.Commands.EnableTool(r.Context(), toolID)
		} else {
			err = s.deps.Commands.DisableTool(r.Context(), toolID)
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.deps.Resolver.Purge()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	filter := readmodel.ToolFilter{
		SourceID: r.URL.Query().Get("source_id"),
		Tag:      r.URL.Query().Get("tag"),
		Page:     pageOf(r),
	}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			api.WriteValidation(w, []api.FieldError{{Field: "enabled", Reason: "must be true or false"}})
			return
		}
		filter.Enabled = &enabled
	}
	tools, total, err := s.deps.Read.ListTools(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tools == nil {
		tools = []readmodel.ToolDoc{}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"items": tools, "total": total})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	toolID := r.PathValue("source") + "/" + r.PathValue("op")
	var body struct {
		Arguments map[string]any `json:"arguments"`
	}
	if err := api.DecodeJSON(r, &body); err != nil {
		api.WriteValidation(w, []api.FieldError{{Field: "body", Reason: err.Error()}})
		return
	}

	p := callerOf(r)
	result, err := s.deps.Invoker.Invoke(r.Context(), invoke.Request{
		ToolID:    toolID,
		Arguments: body.Arguments,
		Token:     p.Token,
		Claims:    p.Claims,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("X-Upstream-Status", strconv.Itoa(result.UpstreamStatus))
	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	}
	w.WriteHeader(result.UpstreamStatus)
	_, _ = w.Write(result.Body)
}

func (s *Server) handleAgentTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.deps.Resolver.Resolve(r.Context(), callerOf(r).Claims)
	if err != nil {
		s.writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// pageOf reads the page / page_size query parameters.
func pageOf(r *http.Request) readmodel.Page {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	return readmodel.Page{Page: page, PageSize: size}.Clamp()
}
