package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/pai/internal/llm"
	"github.com/ent0n29/pai/internal/memory"
	"github.com/ent0n29/pai/internal/session"
	"github.com/ent0n29/pai/internal/voice"
)

const askTimeout = 2 * time.Minute

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSessionText(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rt, ok := s.runtime(id)
	if !ok {
		respondError(w, http.StatusNotFound, "session_not_found", session.ErrNotFound.Error())
		return
	}
	var req textRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	_ = s.sessions.Touch(id)

	ctx, cancel := context.WithTimeout(r.Context(), askTimeout)
	defer cancel()
	outcome, err := rt.Controller.Ask(ctx, voice.SourceText, req.Text)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, outcome)
	case errors.Is(err, voice.ErrBusy):
		respondError(w, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, voice.ErrTurnDiscarded):
		respondError(w, http.StatusConflict, "turn_discarded", err.Error())
	case errors.Is(err, voice.ErrEmptyCommand):
		respondError(w, http.StatusBadRequest, "empty_command", err.Error())
	case errors.Is(err, voice.ErrControllerClosed):
		respondError(w, http.StatusGone, "session_closed", err.Error())
	default:
		respondError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	}
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rt, ok := s.runtime(id)
	if !ok {
		respondError(w, http.StatusNotFound, "session_not_found", session.ErrNotFound.Error())
		return
	}
	entries := rt.History.Snapshot()
	if entries == nil {
		entries = []memory.TurnRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":  id,
		"max_entries": rt.History.MaxEntries(),
		"entries":     entries,
	})
}

// handleGenerate answers a single prompt with a caller-supplied history, for
// peers running the remote backend.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.svc.Generator == nil {
		respondJSON(w, http.StatusServiceUnavailable, llm.GenerateResponse{Error: "model backend not configured"})
		return
	}
	var req llm.GenerateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, llm.GenerateResponse{Error: err.Error()})
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		respondJSON(w, http.StatusBadRequest, llm.GenerateResponse{Error: "input is required"})
		return
	}

	history := make([]memory.TurnRecord, 0, len(req.History))
	for _, pair := range req.History {
		history = append(history, memory.TurnRecord{Role: pair[0], Content: pair[1]})
	}
	text, err := s.svc.Generator.Generate(r.Context(), req.Input, history)
	if err != nil {
		s.logger.Warn("generate failed", zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, llm.GenerateResponse{Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, llm.GenerateResponse{Response: text})
}

// sessionRecorder keeps the session registry's turn bookkeeping current.
type sessionRecorder struct {
	sessions *session.Manager
	id       string
}

func newSessionRecorder(sessions *session.Manager, id string) *sessionRecorder {
	return &sessionRecorder{sessions: sessions, id: id}
}

func (r *sessionRecorder) Name() string { return "session" }

func (r *sessionRecorder) Emit(out voice.Output) {
	switch {
	case out.Type == voice.OutputAssistantResponse && out.Turn != nil:
		_ = r.sessions.RecordTurn(r.id, out.Turn.ID, string(out.Turn.ResolvedBy))
	case out.Type == voice.OutputLog:
		_ = r.sessions.RecordDrop(r.id)
	default:
		_ = r.sessions.Touch(r.id)
	}
}
