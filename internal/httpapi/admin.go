package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/pai/internal/resolver"
)

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	if s.svc.Plugins == nil {
		respondJSON(w, http.StatusOK, map[string]any{"plugins": []resolver.PluginStatus{}})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"plugins": s.svc.Plugins.List()})
}

func (s *Server) handleTogglePlugin(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if s.svc.Plugins == nil {
			respondError(w, http.StatusNotFound, "unknown_plugin", resolver.ErrUnknownPlugin.Error())
			return
		}
		if err := s.svc.Plugins.SetEnabled(name, enabled); err != nil {
			if errors.Is(err, resolver.ErrUnknownPlugin) {
				respondError(w, http.StatusNotFound, "unknown_plugin", err.Error())
				return
			}
			respondError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		respondJSON(w, http.StatusOK, resolver.PluginStatus{Name: name, Enabled: enabled})
	}
}

type scriptedRequest struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

func (s *Server) handleAddScripted(w http.ResponseWriter, r *http.Request) {
	if s.svc.Scripted == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "scripted responses not configured")
		return
	}
	var req scriptedRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Question) == "" || strings.TrimSpace(req.Answer) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "question and answer are required")
		return
	}
	if err := s.svc.Scripted.Add(req.Question, strings.TrimSpace(req.Answer)); err != nil {
		respondError(w, http.StatusInternalServerError, "scripted_write_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"question": resolver.Normalize(req.Question),
		"entries":  s.svc.Scripted.Len(),
	})
}
