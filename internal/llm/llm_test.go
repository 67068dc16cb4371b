package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryKnownProviders(t *testing.T) {
	factory := NewFactory(Endpoints{})

	for _, name := range []string{"anthropic", "openai", "kimi", "ollama", "Anthropic"} {
		p, err := factory(name)
		require.NoError(t, err, name)
		require.NotNil(t, p)
	}

	_, err := factory("mistral")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestCatalogLookups(t *testing.T) {
	assert.True(t, ValidModel("gpt-4o"))
	assert.False(t, ValidModel("made-up-model"))

	provider, ok := ProviderForModel("kimi-k2-0905-preview")
	require.True(t, ok)
	assert.Equal(t, "kimi", provider)

	info, ok := ModelByID("llama3.2:3b")
	require.True(t, ok)
	assert.Equal(t, "ollama", info.Provider)
	assert.True(t, info.SupportsTools)

	assert.Len(t, Models(), 8)
	assert.Len(t, ModelsByProvider(), 4)
}

func TestOpenAICompatChat(t *testing.T) {
	var gotAuth string
	var gotBody chatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{
				"message": {
					"content": "working on it",
					"tool_calls": [{
						"id": "call_1",
						"function": {"name": "TaskList", "arguments": "{\"limit\": 5}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 7}
		}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider(server.URL)
	resp, err := p.Chat(context.Background(), Request{
		Messages: []ChatMessage{
			{Role: "system", Content: "you are helpful"},
			{Role: "user", Content: "hello"},
		},
		Tools:  []ToolDef{{Name: "TaskList", Description: "List tasks"}},
		APIKey: "sk-test",
		Model:  "gpt-4o",
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o", gotBody.Model)
	require.Len(t, gotBody.Tools, 1)
	assert.Equal(t, "function", gotBody.Tools[0].Type)

	assert.Equal(t, "working on it", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "TaskList", resp.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"limit": float64(5)}, resp.ToolCalls[0].Arguments)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 7, resp.Usage.CompletionTokens)
	assert.Equal(t, "tool_calls", resp.StopReason)
}

func TestOpenAICompatChatErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "invalid api key"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	p := NewOpenAIProvider(server.URL)
	_, err := p.Chat(context.Background(), Request{
		Messages: []ChatMessage{{Role: "user", Content: "hello"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 401")
}
