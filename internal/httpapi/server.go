package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/pai/internal/config"
	"github.com/ent0n29/pai/internal/memory"
	"github.com/ent0n29/pai/internal/observability"
	"github.com/ent0n29/pai/internal/protocol"
	"github.com/ent0n29/pai/internal/resolver"
	"github.com/ent0n29/pai/internal/session"
	"github.com/ent0n29/pai/internal/voice"
)

// Generator produces a model completion for an ad-hoc history.
type Generator interface {
	Generate(ctx context.Context, command string, history []memory.TurnRecord) (string, error)
}

// PluginManager lists plugins and toggles them at runtime.
type PluginManager interface {
	List() []resolver.PluginStatus
	SetEnabled(name string, enabled bool) error
}

// ScriptedTable accepts new scripted answers.
type ScriptedTable interface {
	Add(question, answer string) error
	Len() int
}

// Services are the optional collaborators behind the routes that do not
// belong to a session. Nil members disable their routes.
type Services struct {
	Generator Generator
	Plugins   PluginManager
	Scripted  ScriptedTable
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	hub      *voice.Hub
	svc      Services
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
	static   http.Handler
}

func New(cfg config.Config, sessions *session.Manager, hub *voice.Hub, svc Services, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		hub:      hub,
		svc:      svc,
		metrics:  metrics,
		logger:   logger,
		static:   newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only drive a session from the page we served.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Post("/generate", s.handleGenerate)

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/ws", s.handleSessionWS)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Post("/v1/sessions/{id}/text", s.handleSessionText)
	r.Get("/v1/sessions/{id}/history", s.handleSessionHistory)

	r.Get("/v1/plugins", s.handleListPlugins)
	r.Post("/v1/plugins/{name}/enable", s.handleTogglePlugin(true))
	r.Post("/v1/plugins/{name}/disable", s.handleTogglePlugin(false))
	r.Post("/v1/scripted", s.handleAddScripted)

	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.hub == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "turn controller hub not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"runtimes": s.hub.Len(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if s.hub == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "turn controller hub not configured")
		return
	}

	sess := s.sessions.Create(req.UserID)
	rt, err := s.hub.Open(r.Context(), sess.ID)
	if err != nil {
		_, _ = s.sessions.End(sess.ID)
		respondError(w, http.StatusServiceUnavailable, "runtime_unavailable", err.Error())
		return
	}
	rt.Sinks.Add(newSessionRecorder(s.sessions, sess.ID))
	s.metrics.ObserveSession("created", s.sessions.ActiveCount())

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

type sessionView struct {
	*session.Session
	State voice.State `json:"state,omitempty"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	view := sessionView{Session: sess}
	if rt, ok := s.runtime(sess.ID); ok {
		view.State = rt.Controller.State()
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.hub != nil {
		if err := s.hub.Close(id); err != nil {
			s.logger.Warn("session runtime stopped with error", zap.String("session_id", id), zap.Error(err))
		}
	}
	s.metrics.ObserveSession("ended", s.sessions.ActiveCount())
	respondJSON(w, http.StatusOK, sess)
}

// runtime returns the controller runtime of an active session.
func (s *Server) runtime(id string) (*voice.Runtime, bool) {
	if s.hub == nil {
		return nil, false
	}
	return s.hub.Get(id)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientText:
		return m.Type, true
	case protocol.ClientTranscript:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.WakeDetected:
		return m.Type, true
	case protocol.AssistantResponse:
		return m.Type, true
	case protocol.ConversationEnded:
		return m.Type, true
	case protocol.Notice:
		return m.Type, true
	case protocol.Log:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
