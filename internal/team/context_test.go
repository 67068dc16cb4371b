package team

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewd/crewd/internal/inbox"
	"github.com/crewd/crewd/internal/llm"
	"github.com/crewd/crewd/internal/protocol"
	"github.com/crewd/crewd/internal/task"
	v1 "github.com/crewd/crewd/pkg/api/v1"
)

func testRoster() []v1.AgentConfig {
	return []v1.AgentConfig{
		{
			Name: "lead", Provider: "anthropic", Model: "claude-sonnet-4-20250514",
			SystemPrompt: "You coordinate a small research team.",
			Role:         v1.RoleLeader,
			Connections:  []string{"worker-a", "worker-b"},
		},
		{
			Name: "worker-a", Provider: "anthropic", Model: "claude-sonnet-4-20250514",
			SystemPrompt: "You research topics and write summaries.",
			Connections:  []string{"lead"},
		},
		{
			Name: "worker-b", Provider: "anthropic", Model: "claude-sonnet-4-20250514",
			SystemPrompt: "You review drafts for accuracy.",
			Connections:  []string{"lead"},
		},
	}
}

func newBuilderFixture(t *testing.T, agentIdx int) (*ContextBuilder, *inbox.Store, *task.Store) {
	t.Helper()
	base := t.TempDir()
	inboxStore := inbox.NewStore("s1", base)
	taskStore, err := task.NewStore("s1", base)
	require.NoError(t, err)

	roster := testRoster()
	cfg := roster[agentIdx]
	parent := ""
	if cfg.Name != "lead" {
		parent = "lead"
	}
	return NewContextBuilder(inboxStore, taskStore, cfg, roster, parent), inboxStore, taskStore
}

func TestSystemPromptTeamContext(t *testing.T) {
	builder, _, _ := newBuilderFixture(t, 0)

	prompt, err := builder.BuildSystemPrompt()
	require.NoError(t, err)

	assert.Contains(t, prompt, "You coordinate a small research team.")
	assert.Contains(t, prompt, `You are agent "lead"`)
	assert.Contains(t, prompt, "worker-a (teammate): You research topics and write summaries.")
	assert.Contains(t, prompt, "# Leader Instructions")
	assert.NotContains(t, prompt, "# Teammate Instructions")
}

func TestSystemPromptTeammateReportsToParent(t *testing.T) {
	builder, _, _ := newBuilderFixture(t, 1)

	prompt, err := builder.BuildSystemPrompt()
	require.NoError(t, err)

	assert.Contains(t, prompt, `You report to "lead"`)
	assert.Contains(t, prompt, "lead (leader):")
	assert.Contains(t, prompt, "# Teammate Instructions")
}

func TestSystemPromptScopedTasks(t *testing.T) {
	builder, _, taskStore := newBuilderFixture(t, 1)

	_, err := taskStore.Create("mine", "", "worker-a", "", nil)
	require.NoError(t, err)
	_, err = taskStore.Create("my leader's", "", "lead", "", nil)
	require.NoError(t, err)
	_, err = taskStore.Create("unassigned", "", "", "", nil)
	require.NoError(t, err)
	_, err = taskStore.Create("someone else's", "", "worker-b", "", nil)
	require.NoError(t, err)

	prompt, err := builder.BuildSystemPrompt()
	require.NoError(t, err)

	// worker-a sees its own, its connection's, and unassigned tasks but
	// not worker-b's (not a direct connection)
	assert.Contains(t, prompt, "#1 [pending] mine")
	assert.Contains(t, prompt, "#2 [pending] my leader's")
	assert.Contains(t, prompt, "#3 [pending] unassigned")
	assert.NotContains(t, prompt, "someone else's")
}

func TestBuildMessagesConsumesInbox(t *testing.T) {
	builder, inboxStore, _ := newBuilderFixture(t, 0)

	require.NoError(t, inboxStore.Append("lead", protocol.NewMessage("user", "write a report", "", "")))
	env := protocol.NewIdleNotification("worker-a", "")
	require.NoError(t, inboxStore.Append("lead", protocol.NewEnvelopeMessage(env)))

	history := []llm.ChatMessage{{Role: "assistant", Content: "previous reply"}}
	messages, err := builder.BuildMessages(history)
	require.NoError(t, err)

	require.Len(t, messages, 3)
	assert.Equal(t, "system", messages[0].Role)
	assert.Equal(t, "previous reply", messages[1].Content)
	assert.Equal(t, "user", messages[2].Role)
	assert.Contains(t, messages[2].Content, "[Message from user]: write a report")
	assert.Contains(t, messages[2].Content, "[Protocol: idle_notification from worker-a]")

	// inbox consumed: next build has no trailing user message
	messages, err = builder.BuildMessages(nil)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "system", messages[0].Role)
}
