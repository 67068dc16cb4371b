// Package llm defines the provider contract the agent turn engine talks
// to, the concrete provider implementations, and the model catalog.
package llm

import "context"

// ChatMessage is one entry in a provider conversation.
type ChatMessage struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// ToolDef describes one tool exposed to the model, with a JSON-schema
// parameters object.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Usage counts the tokens consumed by one provider call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Request carries everything a provider needs for one chat call.
type Request struct {
	Messages []ChatMessage
	Tools    []ToolDef
	APIKey   string
	Model    string
}

// Response is the provider-independent result of a chat call.
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason string
}

// Provider is the single contract every model backend implements.
type Provider interface {
	// Name returns the provider identifier (anthropic, openai, kimi, ollama).
	Name() string
	// Chat sends one conversation to the model and returns its reply.
	Chat(ctx context.Context, req Request) (*Response, error)
}
