package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ent0n29/pai/internal/config"
	"github.com/ent0n29/pai/internal/llm"
	"github.com/ent0n29/pai/internal/memory"
	"github.com/ent0n29/pai/internal/observability"
	"github.com/ent0n29/pai/internal/protocol"
	"github.com/ent0n29/pai/internal/resolver"
	"github.com/ent0n29/pai/internal/session"
	"github.com/ent0n29/pai/internal/voice"
)

type fixture struct {
	ts       *httptest.Server
	sessions *session.Manager
	hub      *voice.Hub
	plugins  *resolver.PluginRegistry
	scripted *resolver.ScriptedResolver
}

func newFixture(t *testing.T, generator Generator) *fixture {
	t.Helper()
	cfg := config.Defaults()
	metrics := observability.NewMetrics("test")

	model := resolver.NewModelResolver(llm.NewMockBackend(), resolver.ModelConfig{PromptTurns: 10}, nil)
	scripted := resolver.NewScriptedResolver(filepath.Join(t.TempDir(), "qa.yaml"), map[string]string{"hello": "Hi there."}, nil)
	plugins := resolver.NewPluginRegistry(resolver.NewDiagnosticsPlugin(func(context.Context) (float64, float64, error) {
		return 10, 20, nil
	}))
	chain := resolver.NewChain(model, nil, metrics, append([]resolver.Resolver{scripted}, plugins.Resolvers()...)...)

	hub, err := voice.NewHub(voice.HubConfig{
		WakePhrase:  cfg.WakePhrase,
		EndPhrase:   cfg.EndPhrase,
		AdminPrefix: cfg.AdminPrefix,
		ArmTimeout:  cfg.WakeArmTimeout,
		Resolver:    chain,
		Plugins:     plugins,
		Metrics:     metrics,
	})
	require.NoError(t, err)

	if generator == nil {
		generator = model
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	srv := New(cfg, sessions, hub, Services{Generator: generator, Plugins: plugins, Scripted: scripted}, metrics, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = hub.CloseAll()
	})
	return &fixture{ts: ts, sessions: sessions, hub: hub, plugins: plugins, scripted: scripted}
}

func (f *fixture) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	res, err := http.Post(f.ts.URL+path, "application/json", &buf)
	require.NoError(t, err)
	defer res.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return res.StatusCode, out
}

func (f *fixture) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	res, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	defer res.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return res.StatusCode, out
}

func (f *fixture) createSession(t *testing.T) string {
	t.Helper()
	status, created := f.post(t, "/v1/sessions", map[string]string{"user_id": "user-1"})
	require.Equal(t, http.StatusCreated, status)
	id, _ := created["session_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestSessionTextTurnsAndEnd(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)
	_, ok := f.hub.Get(id)
	require.True(t, ok)

	status, out := f.post(t, "/v1/sessions/"+id+"/text", map[string]string{"text": "Hello"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "turn", out["kind"])
	turn := out["turn"].(map[string]any)
	assert.Equal(t, "Hi there.", turn["response_text"])
	assert.Equal(t, "scripted", turn["resolved_by"])

	status, out = f.post(t, "/v1/sessions/"+id+"/text", map[string]string{"text": "what is go"})
	require.Equal(t, http.StatusOK, status)
	turn = out["turn"].(map[string]any)
	assert.Equal(t, "model", turn["resolved_by"])
	assert.True(t, strings.HasPrefix(turn["response_text"].(string), "I heard you: what is go"))

	status, out = f.post(t, "/v1/sessions/"+id+"/text", map[string]string{"text": "plugin list"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "notice", out["kind"])
	assert.Equal(t, "Plugins: diagnostics (enabled)", out["text"])

	status, hist := f.get(t, "/v1/sessions/"+id+"/history")
	require.Equal(t, http.StatusOK, status)
	entries := hist["entries"].([]any)
	require.Len(t, entries, 4)
	assert.Equal(t, "user", entries[0].(map[string]any)["role"])
	assert.Equal(t, "Hello", entries[0].(map[string]any)["content"])
	assert.Equal(t, float64(memory.DefaultMaxHistory), hist["max_entries"])

	status, view := f.get(t, "/v1/sessions/"+id)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), view["turn_count"])
	assert.Equal(t, "model", view["last_resolved_by"])
	assert.Equal(t, string(voice.StateListening), view["state"])

	status, _ = f.post(t, "/v1/sessions/"+id+"/end", nil)
	require.Equal(t, http.StatusOK, status)
	_, ok = f.hub.Get(id)
	assert.False(t, ok)

	status, out = f.post(t, "/v1/sessions/"+id+"/text", map[string]string{"text": "hello"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "session_not_found", out["code"])
}

func TestSessionTextValidation(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)

	status, out := f.post(t, "/v1/sessions/"+id+"/text", map[string]string{"text": "  "})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", out["code"])

	status, _ = f.post(t, "/v1/sessions/missing/end", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.get(t, "/v1/sessions/missing/history")
	assert.Equal(t, http.StatusNotFound, status)
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, string, []memory.TurnRecord) (string, error) {
	return "", errors.New("backend offline")
}

func TestGenerate(t *testing.T) {
	f := newFixture(t, nil)

	status, out := f.post(t, "/generate", llm.GenerateRequest{
		Input:   "and now?",
		History: [][2]string{{"user", "first question"}, {"assistant", "first answer"}},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "I heard you: and now?\nI also remember: first question", out["response"])

	status, out = f.post(t, "/generate", llm.GenerateRequest{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "input is required", out["error"])

	failing := newFixture(t, failingGenerator{})
	status, out = failing.post(t, "/generate", llm.GenerateRequest{Input: "hi"})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "backend offline", out["error"])
}

func TestPluginRoutes(t *testing.T) {
	f := newFixture(t, nil)

	status, out := f.get(t, "/v1/plugins")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, out["plugins"], 1)

	status, out = f.post(t, "/v1/plugins/diagnostics/disable", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, out["enabled"])
	assert.False(t, f.plugins.Enabled("diagnostics"))

	status, _ = f.post(t, "/v1/plugins/diagnostics/enable", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, f.plugins.Enabled("diagnostics"))

	status, out = f.post(t, "/v1/plugins/stocks/enable", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "unknown_plugin", out["code"])
}

func TestAddScripted(t *testing.T) {
	f := newFixture(t, nil)

	status, out := f.post(t, "/v1/scripted", map[string]string{"question": "  Who Are You? ", "answer": "Your assistant."})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "who are you?", out["question"])
	assert.Equal(t, float64(2), out["entries"])

	raw, err := os.ReadFile(f.scripted.Path())
	require.NoError(t, err)
	var saved map[string]string
	require.NoError(t, yaml.Unmarshal(raw, &saved))
	assert.Equal(t, "Your assistant.", saved["who are you?"])
	assert.Equal(t, "Hi there.", saved["hello"])

	id := f.createSession(t)
	status, out = f.post(t, "/v1/sessions/"+id+"/text", map[string]string{"text": "who are you?"})
	require.Equal(t, http.StatusOK, status)
	turn := out["turn"].(map[string]any)
	assert.Equal(t, "Your assistant.", turn["response_text"])
	assert.Equal(t, "scripted", turn["resolved_by"])

	status, out = f.post(t, "/v1/scripted", map[string]string{"question": "no answer"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", out["code"])
}

func TestHealthMetricsAndPerf(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)
	status, _ := f.post(t, "/v1/sessions/"+id+"/text", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusOK, status)

	status, health := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), health["active_sessions"])

	status, ready := f.get(t, "/readyz")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), ready["runtimes"])

	status, perf := f.get(t, "/v1/perf/latency")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, perf, "stages")

	res, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	var body bytes.Buffer
	_, err = body.ReadFrom(res.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `test_turns_total{resolved_by="scripted",source="text"} 1`)
}

func TestUIRoutes(t *testing.T) {
	f := newFixture(t, nil)

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	rootRes, err := client.Get(f.ts.URL + "/")
	require.NoError(t, err)
	defer rootRes.Body.Close()
	assert.Equal(t, http.StatusTemporaryRedirect, rootRes.StatusCode)
	assert.Equal(t, "/ui/", rootRes.Header.Get("Location"))

	uiRes, err := http.Get(f.ts.URL + "/ui/")
	require.NoError(t, err)
	defer uiRes.Body.Close()
	require.Equal(t, http.StatusOK, uiRes.StatusCode)
	var body bytes.Buffer
	_, err = body.ReadFrom(uiRes.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `id="pulse"`)
}

func dialSession(t *testing.T, f *fixture, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/sessions/ws?session_id=" + id
	conn, res, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	res.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil returns the first frame of the wanted type, skipping others.
func readUntil(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == want {
			return msg
		}
	}
}

func TestSessionWebSocket(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)
	conn := dialSession(t, f, id)

	ready := readUntil(t, conn, "system_event")
	assert.Equal(t, "session_ready", ready["code"])

	send := func(v any) { require.NoError(t, conn.WriteJSON(v)) }

	send(map[string]any{"type": "client_text", "session_id": id, "text": "hey computer"})
	wake := readUntil(t, conn, "wake_detected")
	assert.Equal(t, "text", wake["source"])

	send(map[string]any{"type": "client_text", "session_id": id, "text": "hello"})
	resp := readUntil(t, conn, "assistant_response")
	assert.Equal(t, "Hi there.", resp["text"])
	assert.Equal(t, "hello", resp["user_text"])
	assert.Equal(t, "scripted", resp["resolved_by"])
	assert.NotEmpty(t, resp["turn_id"])

	send(map[string]any{"type": "client_control", "session_id": id, "action": "ping"})
	pong := readUntil(t, conn, "system_event")
	assert.Equal(t, "pong", pong["code"])

	send(map[string]any{"type": "client_audio", "session_id": id})
	bad := readUntil(t, conn, "error_event")
	assert.Equal(t, "invalid_client_message", bad["code"])

	send(map[string]any{"type": "client_control", "session_id": id, "action": "end"})
	ended := readUntil(t, conn, "conversation_ended")
	assert.Equal(t, "text", ended["source"])
}

func TestSessionWebSocketTranscripts(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)
	conn := dialSession(t, f, id)
	readUntil(t, conn, "system_event")

	send := func(text string, final bool) {
		require.NoError(t, conn.WriteJSON(map[string]any{
			"type": "client_transcript", "session_id": id, "text": text, "final": final,
		}))
	}
	send("hey comp", false)
	send("hey computer run diagnostics", true)

	resp := readUntil(t, conn, "assistant_response")
	assert.Equal(t, "voice", resp["source"])
	assert.Equal(t, "plugin", resp["resolved_by"])
	assert.Equal(t, "[Diagnostics] CPU: 10.0% | RAM: 20.0%", resp["text"])

	send("hey computer over", true)
	ended := readUntil(t, conn, "conversation_ended")
	assert.Equal(t, "voice", ended["source"])
}

func TestSessionWebSocketRequiresSession(t *testing.T) {
	f := newFixture(t, nil)
	status, out := f.get(t, "/v1/sessions/ws?session_id=missing")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "session_not_found", out["code"])

	status, out = f.get(t, "/v1/sessions/ws")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "missing_session_id", out["code"])
}

func TestTranscriptEventTimestamps(t *testing.T) {
	received := time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)

	evt := transcriptEvent(protocol.ClientTranscript{Text: "hey computer", Final: true, TSMs: 1700000000123}, received)
	assert.Equal(t, voice.STTEventFinal, evt.Type)
	assert.Equal(t, "client", evt.Source)
	assert.Equal(t, int64(1700000000123), evt.Timestamp)

	evt = transcriptEvent(protocol.ClientTranscript{Text: "hey comp"}, received)
	assert.Equal(t, voice.STTEventPartial, evt.Type)
	assert.Equal(t, received.UnixMilli(), evt.Timestamp)
}
