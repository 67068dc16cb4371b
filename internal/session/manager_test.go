package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/history"
	"github.com/crewd/crewd/internal/llm"
	"github.com/crewd/crewd/internal/metrics"
	v1 "github.com/crewd/crewd/pkg/api/v1"
)

type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }

func (stubProvider) Chat(context.Context, llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: "ok"}, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	log := logger.Default()
	return NewManager(Deps{
		BaseDir:     t.TempDir(),
		Providers:   func(string) (llm.Provider, error) { return stubProvider{}, nil },
		Broadcaster: events.NewBroadcaster(log),
		Sink:        history.NewNoopSink(),
		Usage:       metrics.NewTokenTracker(),
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
}

func testRequest() v1.SessionRequest {
	return v1.SessionRequest{
		Agents: []v1.AgentConfig{
			{Name: "lead", Provider: "anthropic", Model: "claude-sonnet-4-20250514",
				SystemPrompt: "coordinate", Role: v1.RoleLeader, Connections: []string{"worker"}},
			{Name: "worker", Provider: "anthropic", Model: "claude-sonnet-4-20250514",
				SystemPrompt: "work", Connections: []string{"lead"}},
		},
		APIKeys: map[string]string{"anthropic": "test-key"},
	}
}

func TestCreateAndStopSession(t *testing.T) {
	m := newTestManager(t)

	engine, err := m.Create(testRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count())
	assert.True(t, engine.Running())

	got, err := m.Get(engine.SessionID())
	require.NoError(t, err)
	assert.Same(t, engine, got)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx, engine.SessionID()))
	assert.Equal(t, 0, m.Count())

	_, err = m.Get(engine.SessionID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCreateRejectsUnknownModel(t *testing.T) {
	m := newTestManager(t)
	req := testRequest()
	req.Agents[0].Model = "not-a-model"

	_, err := m.Create(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model")
	assert.Equal(t, 0, m.Count())
}

func TestCreateRequiresAPIKey(t *testing.T) {
	m := newTestManager(t)
	req := testRequest()
	req.APIKeys = nil
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := m.Create(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing API key")
}

func TestOllamaNeedsNoKey(t *testing.T) {
	m := newTestManager(t)
	req := v1.SessionRequest{
		Agents: []v1.AgentConfig{
			{Name: "solo", Provider: "ollama", Model: "llama3.2:3b", SystemPrompt: "help"},
		},
	}

	engine, err := m.Create(req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx, engine.SessionID()))
}

func TestResolveAPIKeysEnvFallback(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	t.Setenv("OPENAI_API_KEY", "")

	keys := ResolveAPIKeys(map[string]string{"openai": "from-request"})
	assert.Equal(t, "from-env", keys["anthropic"])
	assert.Equal(t, "from-request", keys["openai"])

	// a request key beats the environment
	keys = ResolveAPIKeys(map[string]string{"anthropic": "explicit"})
	assert.Equal(t, "explicit", keys["anthropic"])
}

func TestStopAllDrainsEverySession(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(testRequest())
	require.NoError(t, err)
	_, err = m.Create(testRequest())
	require.NoError(t, err)
	require.Equal(t, 2, m.Count())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.StopAll(ctx))
	assert.Equal(t, 0, m.Count())
}
