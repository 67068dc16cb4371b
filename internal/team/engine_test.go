package team

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
	"github.com/crewd/crewd/internal/protocol"
	v1 "github.com/crewd/crewd/pkg/api/v1"
)

func testOrchestration() config.OrchestrationConfig {
	return config.OrchestrationConfig{
		MaxToolLoops:       10,
		MaxHistoryMessages: 40,
		CompactionKeep:     20,
		IdleSleep:          5 * time.Millisecond,
		RoundDelay:         time.Millisecond,
		NudgeInterval:      time.Hour,
		IdleTimeout:        50 * time.Millisecond,
	}
}

func newEngineFixture(t *testing.T, provider *scriptedProvider) (*Engine, *events.Broadcaster) {
	t.Helper()
	log := logger.Default()
	broadcaster := events.NewBroadcaster(log)
	engine, err := NewEngine("s1", testRoster(), map[string]string{"anthropic": "test-key"}, Deps{
		BaseDir:     t.TempDir(),
		Providers:   func(string) (llm.Provider, error) { return provider, nil },
		Broadcaster: broadcaster,
		Sink:        history.NewNoopSink(),
		Usage:       metrics.NewTokenTracker(),
		Log:         log,
		Orchestration: testOrchestration(),
	})
	require.NoError(t, err)
	return engine, broadcaster
}

func TestHierarchyAndColors(t *testing.T) {
	engine, _ := newEngineFixture(t, &scriptedProvider{})

	assert.Equal(t, "lead", engine.TopLeader())
	assert.Equal(t, []string{"lead", "worker-a", "worker-b"}, engine.AgentNames())

	assert.Equal(t, "blue", engine.Runner("lead").Color())
	assert.Equal(t, "green", engine.Runner("worker-a").Color())
	assert.Equal(t, "orange", engine.Runner("worker-b").Color())

	assert.Equal(t, "", engine.Runner("lead").Parent())
	assert.Equal(t, "lead", engine.Runner("worker-a").Parent())
	assert.Equal(t, "lead", engine.Runner("worker-b").Parent())
}

func TestTopLeaderFallsBackToFirstAgent(t *testing.T) {
	roster := []v1.AgentConfig{
		{Name: "solo-a", Provider: "anthropic", SystemPrompt: "a"},
		{Name: "solo-b", Provider: "anthropic", SystemPrompt: "b"},
	}
	log := logger.Default()
	engine, err := NewEngine("s2", roster, nil, Deps{
		BaseDir:       t.TempDir(),
		Providers:     func(string) (llm.Provider, error) { return &scriptedProvider{}, nil },
		Broadcaster:   events.NewBroadcaster(log),
		Sink:          history.NewNoopSink(),
		Usage:         metrics.NewTokenTracker(),
		Log:           log,
		Orchestration: testOrchestration(),
	})
	require.NoError(t, err)
	assert.Equal(t, "solo-a", engine.TopLeader())
	assert.Equal(t, "solo-a", engine.Runner("solo-b").Parent())
}

func TestDuplicateAgentNamesRejected(t *testing.T) {
	roster := []v1.AgentConfig{
		{Name: "dup", Provider: "anthropic"},
		{Name: "dup", Provider: "anthropic"},
	}
	log := logger.Default()
	_, err := NewEngine("s3", roster, nil, Deps{
		BaseDir:       t.TempDir(),
		Providers:     func(string) (llm.Provider, error) { return &scriptedProvider{}, nil },
		Broadcaster:   events.NewBroadcaster(log),
		Sink:          history.NewNoopSink(),
		Usage:         metrics.NewTokenTracker(),
		Log:           log,
		Orchestration: testOrchestration(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate agent name")
}

func TestSendUserMessageDefaultsToTopLeader(t *testing.T) {
	engine, _ := newEngineFixture(t, &scriptedProvider{})

	require.NoError(t, engine.SendUserMessage("please write a report", ""))

	leadInbox, err := engine.inbox.ReadAll("lead")
	require.NoError(t, err)
	require.Len(t, leadInbox, 1)
	assert.Equal(t, "user", leadInbox[0].From)
	assert.Equal(t, "please write a report", leadInbox[0].Text)

	require.Error(t, engine.SendUserMessage("hi", "nobody"))
}

func TestSchedulerRunsLeaderThenIdlesOut(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		{Content: "Here is the report.", Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5}},
	}}
	engine, broadcaster := newEngineFixture(t, provider)
	sub := broadcaster.Subscribe("s1")

	require.NoError(t, engine.SendUserMessage("write a report", ""))
	engine.Start()

	select {
	case <-engine.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not finish")
	}

	assert.Equal(t, 1, provider.callCount())
	assert.Equal(t, 1, engine.Runner("lead").Turns())

	var types []string
	for {
		var done bool
		select {
		case e := <-sub.Events():
			types = append(types, e.Type)
			if e.Type == events.TypeSessionEnd {
				done = true
			}
		case <-time.After(time.Second):
			t.Fatal("missing session_end")
		}
		if done {
			break
		}
	}
	assert.Equal(t, events.TypeSessionStart, types[0])
	assert.Contains(t, types, events.TypeTurnStart)
	assert.Contains(t, types, events.TypeAgentResponse)
	assert.Contains(t, types, events.TypeTurnEnd)
}

func TestStopFansOutShutdownRequests(t *testing.T) {
	engine, _ := newEngineFixture(t, &scriptedProvider{})
	engine.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, engine.Stop(ctx))

	for _, name := range engine.AgentNames() {
		msgs, err := engine.inbox.ReadAll(name)
		require.NoError(t, err)

		var found *protocol.Envelope
		for _, m := range msgs {
			if env := protocol.ParseEnvelope(m.Text); env != nil && env.Type == protocol.TypeShutdownRequest {
				found = env
			}
		}
		require.NotNil(t, found, "agent %s missing shutdown_request", name)
		assert.Equal(t, "system", found.From)
		assert.Equal(t, "session ending", found.Reason)
		assert.Equal(t, name, found.Target)
	}
	assert.False(t, engine.Running())
}

func TestNudgeLeaders(t *testing.T) {
	engine, _ := newEngineFixture(t, &scriptedProvider{})

	_, err := engine.tasks.Create("Draft outline", "", "worker-a", "", nil)
	require.NoError(t, err)
	_, err = engine.tasks.Create("Pick a title", "", "", "", nil)
	require.NoError(t, err)
	done, err := engine.tasks.Create("Old chore", "", "worker-b", "", nil)
	require.NoError(t, err)
	_, err = engine.tasks.Update(done.ID, map[string]any{"status": "completed"})
	require.NoError(t, err)

	engine.mu.Lock()
	engine.lastActivity = time.Now()
	engine.mu.Unlock()
	engine.nudgeLeaders()

	leadInbox, err := engine.inbox.ReadAll("lead")
	require.NoError(t, err)
	require.Len(t, leadInbox, 1)
	msg := leadInbox[0]
	assert.Equal(t, "system", msg.From)
	assert.Nil(t, protocol.ParseEnvelope(msg.Text))
	assert.Contains(t, msg.Text, "#1 Draft outline [pending] owner: worker-a - never ran a turn")
	assert.Contains(t, msg.Text, "#2 Pick a title [pending] owner: unassigned")
	assert.NotContains(t, msg.Text, "Old chore")

	// teammates never get nudged
	workerInbox, err := engine.inbox.ReadAll("worker-a")
	require.NoError(t, err)
	assert.Empty(t, workerInbox)
}
