package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/history"
	"github.com/crewd/crewd/internal/llm"
	"github.com/crewd/crewd/internal/metrics"
	"github.com/crewd/crewd/internal/session"
)

type stubProvider struct{ reply string }

func (p stubProvider) Name() string { return "stub" }

func (p stubProvider) Chat(context.Context, llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: p.reply}, nil
}

type fixture struct {
	router   *gin.Engine
	sessions *session.Manager
	usage    *metrics.TokenTracker
	presets  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()
	broadcaster := events.NewBroadcaster(log)
	usage := metrics.NewTokenTracker()
	factory := func(string) (llm.Provider, error) { return stubProvider{reply: "OK"}, nil }
	presetsDir := t.TempDir()

	sessions := session.NewManager(session.Deps{
		BaseDir:     t.TempDir(),
		Providers:   factory,
		Broadcaster: broadcaster,
		Sink:        history.NewNoopSink(),
		Usage:       usage,
		Log:         log,
		Orchestration: config.OrchestrationConfig{
			MaxToolLoops:       10,
			MaxHistoryMessages: 40,
			CompactionKeep:     20,
			IdleSleep:          5 * time.Millisecond,
			RoundDelay:         time.Millisecond,
			NudgeInterval:      time.Hour,
			IdleTimeout:        time.Hour,
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sessions.StopAll(ctx)
	})

	handlers := NewHandlers(Deps{
		Sessions:    sessions,
		Broadcaster: broadcaster,
		Sink:        history.NewNoopSink(),
		Usage:       usage,
		Providers:   factory,
		PresetsDir:  presetsDir,
		Log:         log,
	})
	return &fixture{
		router:   NewRouter(handlers, log, false),
		sessions: sessions,
		usage:    usage,
		presets:  presetsDir,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func sessionBody() map[string]any {
	return map[string]any{
		"agents": []map[string]any{
			{
				"name": "lead", "provider": "ollama", "model": "llama3.2:3b",
				"system_prompt": "coordinate", "role": "leader", "connections": []string{"worker"},
			},
			{
				"name": "worker", "provider": "ollama", "model": "llama3.2:3b",
				"system_prompt": "work", "connections": []string{"lead"},
			},
		},
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(0), body["active_sessions"])
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/sessions", sessionBody())
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	sessionID, _ := body["session_id"].(string)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, []any{"lead", "worker"}, body["agents"])

	w = f.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/chat",
		map[string]any{"message": "write a haiku"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sent", decodeBody(t, w)["status"])

	w = f.do(t, http.MethodDelete, "/api/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stopped", decodeBody(t, w)["status"])

	w = f.do(t, http.MethodDelete, "/api/sessions/"+sessionID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateSessionRejectsBadModel(t *testing.T) {
	f := newFixture(t)
	body := sessionBody()
	body["agents"].([]map[string]any)[0]["model"] = "made-up"

	w := f.do(t, http.MethodPost, "/api/sessions", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "unknown model")
}

func TestChatUnknownSession(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/sessions/nope/chat", map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLLMTest(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/llm/test",
		map[string]any{"provider": "ollama", "model": "llama3.2:3b"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "valid", body["status"])
	assert.Equal(t, "OK", body["response"])
}

func TestModels(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	for _, provider := range []string{"anthropic", "openai", "kimi", "ollama"} {
		assert.Contains(t, body, provider)
	}
}

func TestPresets(t *testing.T) {
	f := newFixture(t)
	preset := "name: duo\nagents:\n  - name: solo\n    provider: ollama\n    model: \"llama3.2:3b\"\n    system_prompt: hi\n"
	require.NoError(t, os.WriteFile(filepath.Join(f.presets, "duo.yaml"), []byte(preset), 0o644))

	w := f.do(t, http.MethodGet, "/api/presets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	presets, ok := body["presets"].([]any)
	require.True(t, ok)
	require.Len(t, presets, 1)
}

func TestCreateSessionFromPreset(t *testing.T) {
	f := newFixture(t)
	preset := "name: duo\nagents:\n" +
		"  - name: lead\n    provider: ollama\n    model: \"llama3.2:3b\"\n    system_prompt: coordinate\n    role: leader\n    connections: [worker]\n" +
		"  - name: worker\n    provider: ollama\n    model: \"llama3.2:3b\"\n    system_prompt: work\n    connections: [lead]\n"
	require.NoError(t, os.WriteFile(filepath.Join(f.presets, "duo.yaml"), []byte(preset), 0o644))

	w := f.do(t, http.MethodPost, "/api/sessions", map[string]any{"preset": "duo"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, []any{"lead", "worker"}, body["agents"])

	w = f.do(t, http.MethodPost, "/api/sessions", map[string]any{"preset": "nope"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "preset not found")
}

func TestUsage(t *testing.T) {
	f := newFixture(t)
	f.usage.Record("s1", "lead", 100, 40)

	w := f.do(t, http.MethodGet, "/api/usage/s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	totals := body["totals"].(map[string]any)
	assert.Equal(t, float64(140), totals["total_tokens"])
}

func TestHistoryEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decodeBody(t, w), "sessions")

	// noop sink has no detail for any session
	w = f.do(t, http.MethodGet, "/api/history/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/history?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSSEStreamUnknownSession(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/sessions/nope/stream", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
